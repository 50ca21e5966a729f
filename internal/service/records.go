package service

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockreport/backend/internal/domain"
)

const dateLayout = "2006-01-02"

func (s *Service) ListRecords(ctx context.Context) (domain.RecordsView, error) {
	return s.FilterRecords(ctx, domain.RecordQuery{})
}

// FilterRecords returns the reports matching every filter present in q,
// newest first, together with totals over exactly that set.
func (s *Service) FilterRecords(ctx context.Context, q domain.RecordQuery) (domain.RecordsView, error) {
	filter, err := ResolveFilter(q)
	if err != nil {
		return domain.RecordsView{}, err
	}

	records, err := s.loadRecords(ctx, filter)
	if err != nil {
		return domain.RecordsView{}, err
	}
	return BuildView(records), nil
}

func (s *Service) Summary(ctx context.Context, q domain.RecordQuery) (domain.SummaryResponse, error) {
	view, err := s.FilterRecords(ctx, q)
	if err != nil {
		return domain.SummaryResponse{}, err
	}
	return domain.SummaryResponse{
		Summary:      view.Summary,
		Distributors: view.Distributors,
		Count:        len(view.Records),
	}, nil
}

func (s *Service) loadRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.Submission, error) {
	key := cacheKey(filter)
	cached, gen, hit, err := s.records.Get(ctx, key)
	cacheable := err == nil
	if err != nil {
		s.log.Warn("records cache read failed", zap.Error(err))
	} else if hit {
		return cached, nil
	}

	records, err := s.repo.ListSubmissions(ctx, filter)
	if err != nil {
		return nil, s.storageFailure("list submissions", err)
	}

	if cacheable {
		if err := s.records.Set(ctx, gen, key, records, s.cacheTTL); err != nil {
			s.log.Warn("records cache write failed", zap.Error(err))
		}
	}
	return records, nil
}

// ResolveFilter turns query strings into a store filter. Date-only values
// cover whole UTC days, so endDate=2024-01-31 includes all of the 31st.
func ResolveFilter(q domain.RecordQuery) (domain.RecordFilter, error) {
	var filter domain.RecordFilter
	verr := &ValidationError{}

	from, err := parseBound(q.StartDate, false)
	if err != nil {
		verr.Violations = append(verr.Violations, FieldViolation{Field: "startDate", Reason: err.Error()})
	}
	to, err := parseBound(q.EndDate, true)
	if err != nil {
		verr.Violations = append(verr.Violations, FieldViolation{Field: "endDate", Reason: err.Error()})
	}
	if len(verr.Violations) > 0 {
		return domain.RecordFilter{}, verr
	}
	if from != nil && to != nil && !from.Before(*to) {
		return domain.RecordFilter{}, invalidField("endDate", "must not be before startDate")
	}

	filter.From = from
	filter.To = to
	filter.DistributorName = strings.TrimSpace(q.Distributor)
	return filter, nil
}

type boundError string

func (e boundError) Error() string { return string(e) }

func parseBound(raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	if day, err := time.Parse(dateLayout, raw); err == nil {
		if upper {
			day = day.AddDate(0, 0, 1)
		}
		return &day, nil
	}
	if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		at = at.UTC()
		if upper {
			// The store bound is exclusive; an explicit instant is inclusive.
			at = at.Add(time.Nanosecond)
		}
		return &at, nil
	}
	return nil, boundError("must be a date (YYYY-MM-DD) or an RFC3339 timestamp")
}

func cacheKey(filter domain.RecordFilter) string {
	values := url.Values{}
	if filter.From != nil {
		values.Set("from", filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		values.Set("to", filter.To.UTC().Format(time.RFC3339Nano))
	}
	if filter.DistributorName != "" {
		values.Set("distributor", filter.DistributorName)
	}
	if len(values) == 0 {
		return "all"
	}
	return values.Encode()
}

func BuildView(records []domain.Submission) domain.RecordsView {
	if records == nil {
		records = []domain.Submission{}
	}
	return domain.RecordsView{
		Records:      records,
		Summary:      Summarize(records),
		Distributors: Distributors(records),
	}
}

// Summarize totals the given reports. TotalItems counts opening stock plus
// purchases, matching what the dashboard shows as stock handled.
func Summarize(records []domain.Submission) domain.Summary {
	var summary domain.Summary
	for _, record := range records {
		for _, item := range record.Items {
			summary.TotalItems += item.OpeningStock + item.Purchase
			summary.TotalPurchases += item.Purchase
			summary.TotalSales += item.Sale
		}
	}
	return summary
}

// Distributors lists distinct distributor names in first-seen order.
func Distributors(records []domain.Submission) []string {
	seen := make(map[string]struct{}, len(records))
	names := make([]string, 0, len(records))
	for _, record := range records {
		if _, ok := seen[record.DistributorName]; ok {
			continue
		}
		seen[record.DistributorName] = struct{}{}
		names = append(names, record.DistributorName)
	}
	return names
}
