package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"stockreport/backend/internal/cache"
	"stockreport/backend/internal/domain"
	"stockreport/backend/internal/logger"
	"stockreport/backend/internal/store"
	"stockreport/backend/internal/xid"
)

const submittedMessage = "Inventory data submitted successfully!"

type Options struct {
	PhoneRegion string
	CacheTTL    time.Duration
	Logger      *zap.Logger
	// Now is the server clock; tests pin it.
	Now func() time.Time
}

type Service struct {
	repo     store.Repository
	records  cache.RecordCache
	cacheTTL time.Duration
	region   string
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

func New(repo store.Repository, records cache.RecordCache, opts Options) *Service {
	if records == nil {
		records = cache.NoopRecordCache{}
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = "IN"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:     repo,
		records:  records,
		cacheTTL: opts.CacheTTL,
		region:   opts.PhoneRegion,
		validate: newValidator(opts.PhoneRegion),
		log:      logger.Component(opts.Logger, "service"),
		now:      opts.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Submit validates a distributor report, derives closing stock for every
// item and stores the report with its items as one unit. A non-empty
// idempotencyKey that was already applied returns the stored report with
// Duplicate set instead of writing a second copy.
func (s *Service) Submit(ctx context.Context, req domain.SubmissionRequest, idempotencyKey string) (domain.SubmissionResponse, error) {
	req = normalizeRequest(req)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if len(idempotencyKey) > maxIdempotencyKeyLen {
		return domain.SubmissionResponse{}, invalidField("Idempotency-Key", "must be at most 128 characters")
	}

	if err := s.validateSubmission(req); err != nil {
		return domain.SubmissionResponse{}, err
	}

	if idempotencyKey != "" {
		existing, err := s.repo.FindSubmissionByIdempotency(ctx, idempotencyKey)
		if err == nil {
			return replayed(*existing), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.SubmissionResponse{}, s.storageFailure("lookup idempotency key", err)
		}
	}

	mobile, _ := normalizeMobile(req.Mobile.Value, s.region)
	submission := domain.Submission{
		ID:              xid.New("sub"),
		DistributorName: req.DistributorName.Value,
		Town:            req.Town.Value,
		SuperStockist:   req.SuperStockist.Value,
		State:           req.State.Value,
		EnteredBy:       req.EnteredBy.Value,
		Mobile:          mobile,
		IdempotencyKey:  idempotencyKey,
		SubmittedAt:     s.now().UTC().Truncate(time.Microsecond),
		Items:           make([]domain.InventoryItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		submission.Items = append(submission.Items, domain.InventoryItem{
			ItemName:     item.ItemName.Value,
			OpeningStock: item.OpeningStock.Value,
			Purchase:     item.Purchase.Value,
			Sale:         item.Sale.Value,
			ClosingStock: domain.ClosingStock(item.OpeningStock.Value, item.Purchase.Value, item.Sale.Value),
		})
	}

	created, err := s.repo.CreateSubmission(ctx, submission)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with a concurrent retry carrying the same key.
		existing, findErr := s.repo.FindSubmissionByIdempotency(ctx, idempotencyKey)
		if findErr != nil {
			return domain.SubmissionResponse{}, s.storageFailure("load duplicate submission", findErr)
		}
		return replayed(*existing), nil
	}
	if err != nil {
		return domain.SubmissionResponse{}, s.storageFailure("create submission", err)
	}

	if err := s.records.Invalidate(ctx); err != nil {
		s.log.Warn("records cache invalidation failed", zap.Error(err))
	}

	s.log.Info("submission saved",
		zap.String("submission_id", created.ID),
		zap.String("distributor", created.DistributorName),
		zap.Int("items", len(created.Items)),
	)

	return domain.SubmissionResponse{Message: submittedMessage, Data: *created}, nil
}

func (s *Service) storageFailure(op string, err error) error {
	s.log.Error("storage failure", zap.String("op", op), zap.Error(err))
	return &StorageError{Op: op, Err: err}
}

func replayed(existing domain.Submission) domain.SubmissionResponse {
	return domain.SubmissionResponse{Message: submittedMessage, Data: existing, Duplicate: true}
}

func normalizeRequest(req domain.SubmissionRequest) domain.SubmissionRequest {
	req.DistributorName = trimText(req.DistributorName)
	req.Town = trimText(req.Town)
	req.SuperStockist = trimText(req.SuperStockist)
	req.State = trimText(req.State)
	req.EnteredBy = trimText(req.EnteredBy)
	req.Mobile = trimText(req.Mobile)

	if req.Items != nil {
		items := make([]domain.ItemRequest, len(req.Items))
		for i, item := range req.Items {
			item.ItemName = trimText(item.ItemName)
			item.ClosingStock = nil
			items[i] = item
		}
		req.Items = items
	}
	return req
}

func trimText(t domain.Text) domain.Text {
	t.Value = strings.TrimSpace(t.Value)
	return t
}
