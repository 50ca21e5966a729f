package memory

import (
	"context"
	"sort"
	"sync"

	"stockreport/backend/internal/domain"
	"stockreport/backend/internal/store"
)

// Store keeps submissions in process memory. It is the test double and the
// dev fallback when no database is configured; nothing survives a restart.
type Store struct {
	mu          sync.RWMutex
	submissions []domain.Submission
	byIdem      map[string]int
}

func New() *Store {
	return &Store{
		submissions: make([]domain.Submission, 0, 64),
		byIdem:      make(map[string]int),
	}
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) CreateSubmission(_ context.Context, submission domain.Submission) (*domain.Submission, error) {
	if submission.ID == "" || len(submission.Items) == 0 {
		return nil, store.ErrInvalidSubmission
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if submission.IdempotencyKey != "" {
		if _, ok := s.byIdem[submission.IdempotencyKey]; ok {
			return nil, store.ErrDuplicate
		}
	}

	stored := cloneSubmission(submission)
	s.submissions = append(s.submissions, stored)
	if stored.IdempotencyKey != "" {
		s.byIdem[stored.IdempotencyKey] = len(s.submissions) - 1
	}

	created := cloneSubmission(stored)
	return &created, nil
}

func (s *Store) FindSubmissionByIdempotency(_ context.Context, key string) (*domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.byIdem[key]
	if !ok || key == "" {
		return nil, store.ErrNotFound
	}
	found := cloneSubmission(s.submissions[pos])
	return &found, nil
}

func (s *Store) ListSubmissions(_ context.Context, filter domain.RecordFilter) ([]domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		if filter.From != nil && sub.SubmittedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !sub.SubmittedAt.Before(*filter.To) {
			continue
		}
		if filter.DistributorName != "" && sub.DistributorName != filter.DistributorName {
			continue
		}
		result = append(result, cloneSubmission(sub))
	}

	// Insertion order breaks ties, newest insert first.
	reverse(result)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].SubmittedAt.After(result[j].SubmittedAt)
	})
	return result, nil
}

func cloneSubmission(sub domain.Submission) domain.Submission {
	cloned := sub
	cloned.Items = append([]domain.InventoryItem(nil), sub.Items...)
	return cloned
}

func reverse(subs []domain.Submission) {
	for i, j := 0, len(subs)-1; i < j; i, j = i+1, j-1 {
		subs[i], subs[j] = subs[j], subs[i]
	}
}
