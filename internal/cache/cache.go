package cache

import (
	"context"
	"time"

	"stockreport/backend/internal/domain"
)

// RecordCache holds listing results keyed by the resolved filter.
//
// Get reports the generation it looked under. A caller that misses loads
// from the store and passes that same generation to Set, so a listing read
// before an Invalidate can never be stored where later readers look.
// Invalidate must make every previously stored listing unreachable.
type RecordCache interface {
	Get(ctx context.Context, key string) (records []domain.Submission, gen int64, hit bool, err error)
	Set(ctx context.Context, gen int64, key string, records []domain.Submission, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopRecordCache struct{}

func (NoopRecordCache) Get(_ context.Context, _ string) ([]domain.Submission, int64, bool, error) {
	return nil, 0, false, nil
}

func (NoopRecordCache) Set(_ context.Context, _ int64, _ string, _ []domain.Submission, _ time.Duration) error {
	return nil
}

func (NoopRecordCache) Invalidate(_ context.Context) error {
	return nil
}
