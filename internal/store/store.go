package store

import (
	"context"
	"errors"

	"stockreport/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("idempotency key already applied")
	ErrInvalidSubmission = errors.New("invalid submission")
)

type Repository interface {
	// CreateSubmission writes the report and all of its items in one unit.
	// It returns ErrDuplicate when the idempotency key was already applied.
	CreateSubmission(ctx context.Context, submission domain.Submission) (*domain.Submission, error)
	FindSubmissionByIdempotency(ctx context.Context, key string) (*domain.Submission, error)
	// ListSubmissions returns reports newest first with items in submission order.
	ListSubmissions(ctx context.Context, filter domain.RecordFilter) ([]domain.Submission, error)
	Ping(ctx context.Context) error
}

// ItemRow is one item joined to its report header, the shape a relational
// store hands back before grouping. Header.Items is ignored.
type ItemRow struct {
	Header domain.Submission
	Item   domain.InventoryItem
}

// GroupRecords folds joined item rows into one report per header. Reports
// keep the order in which they first appear and items keep row order.
func GroupRecords(rows []ItemRow) []domain.Submission {
	records := make([]domain.Submission, 0, len(rows))
	index := make(map[string]int, len(rows))
	for _, row := range rows {
		pos, seen := index[row.Header.ID]
		if !seen {
			header := row.Header
			header.Items = make([]domain.InventoryItem, 0, 4)
			records = append(records, header)
			pos = len(records) - 1
			index[row.Header.ID] = pos
		}
		records[pos].Items = append(records[pos].Items, row.Item)
	}
	return records
}
