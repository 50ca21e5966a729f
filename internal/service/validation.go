package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	"stockreport/backend/internal/domain"
)

const maxIdempotencyKeyLen = 128

// newValidator wires the json field names plus the "mobile" and "quantity"
// tags used on domain.SubmissionRequest.
func newValidator(region string) *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Text of the wrong JSON type becomes nil, which fails any tag on it.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		t, ok := field.Interface().(domain.Text)
		if !ok || t.WrongType {
			return nil
		}
		return t.Value
	}, domain.Text{})

	// A missing quantity becomes nil and a value that was not an integer
	// literal becomes a string; "quantity" rejects both. Zero stays valid.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		q, ok := field.Interface().(domain.Quantity)
		if !ok || !q.Present {
			return nil
		}
		if !q.Valid {
			return "invalid"
		}
		return q.Value
	}, domain.Quantity{})

	_ = v.RegisterValidation("quantity", func(fl validator.FieldLevel) bool {
		field := fl.Field()
		return field.Kind() == reflect.Int64 && field.Int() >= 0 && field.Int() <= domain.MaxQuantity
	})
	_ = v.RegisterValidation("text", func(fl validator.FieldLevel) bool {
		return fl.Field().Kind() == reflect.String
	})
	_ = v.RegisterValidation("mobile", func(fl validator.FieldLevel) bool {
		_, ok := normalizeMobile(fl.Field().String(), region)
		return ok
	})

	return v
}

// normalizeMobile returns the E.164 form of raw when it is a mobile number.
func normalizeMobile(raw string, region string) (string, bool) {
	for _, r := range raw {
		if unicode.IsLetter(r) {
			return "", false
		}
	}

	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", false
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", false
	}
	switch libphonenumber.GetNumberType(num) {
	case libphonenumber.MOBILE, libphonenumber.FIXED_LINE_OR_MOBILE:
		return libphonenumber.Format(num, libphonenumber.E164), true
	default:
		return "", false
	}
}

// Validate reports every rule the request breaks without storing anything.
func (s *Service) Validate(req domain.SubmissionRequest) error {
	return s.validateSubmission(normalizeRequest(req))
}

func (s *Service) validateSubmission(req domain.SubmissionRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	verr := &ValidationError{Violations: make([]FieldViolation, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		verr.Violations = append(verr.Violations, FieldViolation{
			Field:  fieldPath(fe.Namespace()),
			Reason: violationReason(fe),
		})
	}
	return verr
}

// fieldPath drops the struct name from "SubmissionRequest.items[0].sale".
func fieldPath(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}

func violationReason(fe validator.FieldError) string {
	if fe.Kind() == reflect.Invalid && fe.Tag() != "quantity" {
		return "must be a string"
	}
	switch fe.Tag() {
	case "required":
		if fe.Field() == "items" {
			return "must contain at least one item"
		}
		return "is required"
	case "min":
		return "must contain at least one item"
	case "mobile":
		return "must be a valid mobile phone number"
	case "quantity":
		if fe.Kind() == reflect.Invalid {
			return "is required"
		}
		if v, ok := fe.Value().(int64); ok {
			if v < 0 {
				return "must not be negative"
			}
			if v > domain.MaxQuantity {
				return fmt.Sprintf("must not exceed %d", domain.MaxQuantity)
			}
		}
		return "must be a non-negative integer"
	default:
		return "is invalid"
	}
}
