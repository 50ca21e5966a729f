package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stockreport/backend/internal/domain"
	"stockreport/backend/internal/logger"
	"stockreport/backend/internal/service"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin string
	// SubmitLimit is the number of submissions one client may make per minute.
	SubmitLimit int
	Logger      *zap.Logger
}

type API struct {
	service       *service.Service
	allowedOrigin string
	submitLimiter *attemptLimiter
	log           *zap.Logger
}

func New(svc *service.Service, opts Options) *API {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.SubmitLimit < 1 {
		opts.SubmitLimit = 30
	}
	return &API{
		service:       svc,
		allowedOrigin: opts.AllowedOrigin,
		submitLimiter: newAttemptLimiter(opts.SubmitLimit, time.Minute),
		log:           logger.Component(opts.Logger, "http"),
	}
}

type attemptLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	entries   map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time), now: time.Now}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

// sweep drops clients with no attempt inside the window. Caller holds mu.
func (l *attemptLimiter) sweep(cutoff time.Time) {
	for key, history := range l.entries {
		if len(history) == 0 || !history[len(history)-1].After(cutoff) {
			delete(l.entries, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/submissions", a.handleSubmissions)
	mux.HandleFunc("/api/submit", a.handleSubmit)

	mux.HandleFunc("/api/v1/records", a.handleRecords)
	mux.HandleFunc("/api/v1/records/filter", a.handleRecords)
	mux.HandleFunc("/api/v1/records/summary", a.handleRecordsSummary)
	mux.HandleFunc("/api/v1/records/export", a.handleRecordsExport)

	// Routes the original form and dashboard call; they read bare arrays.
	mux.HandleFunc("/api/submissions", a.handleLegacyRecords)
	mux.HandleFunc("/api/records", a.handleLegacyRecords)
	mux.HandleFunc("/api/records/filter", a.handleLegacyRecords)

	return a.withMiddleware(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	if err := a.service.Ping(r.Context()); err != nil {
		a.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok": false,
			"at": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleSubmit(w, r)
	case http.MethodGet:
		view, err := a.service.ListRecords(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	if !a.submitLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many submissions, try again later"))
		return
	}

	var req domain.SubmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDecodeError(w, req, err)
		return
	}

	resp, err := a.service.Submit(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	view, err := a.service.FilterRecords(r.Context(), recordQuery(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleLegacyRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	view, err := a.service.FilterRecords(r.Context(), recordQuery(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Records)
}

func (a *API) handleRecordsSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	summary, err := a.service.Summary(r.Context(), recordQuery(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleRecordsExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		a.writeError(w, http.StatusBadRequest, errors.New("format must be csv or xlsx"))
		return
	}

	view, err := a.service.FilterRecords(r.Context(), recordQuery(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	var (
		body        []byte
		contentType string
	)
	switch format {
	case "xlsx":
		body, err = recordsToXLSX(view.Records)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		body, err = recordsToCSV(view.Records)
		contentType = "text/csv; charset=utf-8"
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, fmt.Errorf("render %s export: %w", format, err))
		return
	}

	filename := fmt.Sprintf("inventory-records-%s.%s", time.Now().UTC().Format("20060102"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func recordQuery(r *http.Request) domain.RecordQuery {
	query := r.URL.Query()
	return domain.RecordQuery{
		StartDate:   query.Get("startDate"),
		EndDate:     query.Get("endDate"),
		Distributor: query.Get("distributor"),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// writeDecodeError maps body decoding failures to client errors. A value of
// the wrong JSON type is reported with every other rule the partially
// decoded request breaks.
func (a *API) writeDecodeError(w http.ResponseWriter, req domain.SubmissionRequest, err error) {
	var (
		typeErr *json.UnmarshalTypeError
		sizeErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &sizeErr):
		a.writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
	case errors.As(err, &typeErr) && typeErr.Field != "":
		a.writeValidationError(w, withTypeViolation(a.service.Validate(req), typeErr.Field))
	default:
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
	}
}

// withTypeViolation replaces whatever validation said about field, and
// anything nested under it, with a single wrong-type violation.
func withTypeViolation(validateErr error, field string) *service.ValidationError {
	field = strings.SplitN(field, ".", 2)[0]
	reason := "has the wrong type"
	if field == "items" {
		reason = "must be a list of item objects"
	}

	merged := &service.ValidationError{}
	var verr *service.ValidationError
	if errors.As(validateErr, &verr) {
		for _, v := range verr.Violations {
			if v.Field == field || strings.HasPrefix(v.Field, field+"[") || strings.HasPrefix(v.Field, field+".") {
				continue
			}
			merged.Violations = append(merged.Violations, v)
		}
	}
	merged.Violations = append(merged.Violations, service.FieldViolation{Field: field, Reason: reason})
	return merged
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		a.writeValidationError(w, verr)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) writeValidationError(w http.ResponseWriter, verr *service.ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": verr.Violations,
	})
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx detail stays in the log.
	msg := err.Error()
	if status >= 500 {
		a.log.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
