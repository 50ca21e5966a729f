package service

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStorage matches every *StorageError with errors.Is.
var ErrStorage = errors.New("storage unavailable")

type FieldViolation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries every field that failed, never just the first.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s %s", v.Field, v.Reason))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Has(field string) bool {
	for _, v := range e.Violations {
		if v.Field == field {
			return true
		}
	}
	return false
}

func invalidField(field string, reason string) *ValidationError {
	return &ValidationError{Violations: []FieldViolation{{Field: field, Reason: reason}}}
}

// StorageError wraps a backing store failure. Op names the step that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}
