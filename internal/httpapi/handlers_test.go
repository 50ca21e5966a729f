package httpapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"stockreport/backend/internal/domain"
	"stockreport/backend/internal/service"
	"stockreport/backend/internal/store"
	"stockreport/backend/internal/store/memory"
)

// newTestAPI builds the full handler over an in-memory store.
func newTestAPI(t *testing.T) http.Handler {
	t.Helper()
	svc := service.New(memory.New(), nil, service.Options{})
	return New(svc, Options{AllowedOrigin: "*", SubmitLimit: 100}).Handler()
}

type brokenRepo struct {
	store.Repository
}

func (brokenRepo) Ping(context.Context) error {
	return errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func (brokenRepo) CreateSubmission(context.Context, domain.Submission) (*domain.Submission, error) {
	return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func (brokenRepo) ListSubmissions(context.Context, domain.RecordFilter) ([]domain.Submission, error) {
	return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

const validBody = `{
	"distributor_name": "Acme",
	"town": "Pune",
	"super_stockist": "Western Traders",
	"state": "Maharashtra",
	"entered_by": "Ravi",
	"mobile": "9876543210",
	"items": [
		{"item_name": "Soap", "opening_stock": 10, "purchase": 5, "sale": 3, "closing_stock": 1},
		{"item_name": "Oil", "opening_stock": 1, "purchase": 0, "sale": 4}
	]
}`

func do(t *testing.T, handler http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

type errorBody struct {
	Error  string                   `json:"error"`
	Fields []service.FieldViolation `json:"fields"`
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t)

	rec := do(t, handler, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestHandleHealthReportsStorageDown(t *testing.T) {
	svc := service.New(brokenRepo{}, nil, service.Options{})
	handler := New(svc, Options{}).Handler()

	rec := do(t, handler, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitCreatesReport(t *testing.T) {
	handler := newTestAPI(t)

	rec := do(t, handler, http.MethodPost, "/api/v1/submissions", validBody, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[domain.SubmissionResponse](t, rec)
	assert.Equal(t, "Inventory data submitted successfully!", resp.Message)
	assert.False(t, resp.Duplicate)
	require.Len(t, resp.Data.Items, 2)
	assert.Equal(t, int64(12), resp.Data.Items[0].ClosingStock)
	assert.Equal(t, int64(0), resp.Data.Items[1].ClosingStock)
	assert.Equal(t, "+919876543210", resp.Data.Mobile)
}

func TestSubmitLegacyRoute(t *testing.T) {
	handler := newTestAPI(t)

	rec := do(t, handler, http.MethodPost, "/api/submit", validBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, handler, http.MethodGet, "/api/submit", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSubmitIdempotencyKeyReplays(t *testing.T) {
	handler := newTestAPI(t)
	headers := map[string]string{"Idempotency-Key": "form-42"}

	first := do(t, handler, http.MethodPost, "/api/v1/submissions", validBody, headers)
	require.Equal(t, http.StatusCreated, first.Code)
	created := decodeBody[domain.SubmissionResponse](t, first)

	second := do(t, handler, http.MethodPost, "/api/v1/submissions", validBody, headers)
	require.Equal(t, http.StatusOK, second.Code)
	replay := decodeBody[domain.SubmissionResponse](t, second)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, created.Data.ID, replay.Data.ID)

	list := do(t, handler, http.MethodGet, "/api/v1/submissions", "", nil)
	view := decodeBody[domain.RecordsView](t, list)
	assert.Len(t, view.Records, 1)
}

func TestSubmitValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		fields []string
	}{
		{
			name:   "empty items",
			body:   `{"distributor_name":"Acme","town":"Pune","state":"MH","mobile":"9876543210","items":[]}`,
			fields: []string{"items"},
		},
		{
			name:   "bad mobile and missing town",
			body:   `{"distributor_name":"Acme","state":"MH","mobile":"abc","items":[{"item_name":"Soap","opening_stock":1,"purchase":1,"sale":1}]}`,
			fields: []string{"town", "mobile"},
		},
		{
			name:   "negative and non numeric quantities",
			body:   `{"distributor_name":"Acme","town":"Pune","state":"MH","mobile":"9876543210","items":[{"item_name":"Soap","opening_stock":"ten","purchase":-2,"sale":1.5}]}`,
			fields: []string{"items[0].opening_stock", "items[0].purchase", "items[0].sale"},
		},
		{
			name:   "missing quantity",
			body:   `{"distributor_name":"Acme","town":"Pune","state":"MH","mobile":"9876543210","items":[{"item_name":"Soap","purchase":1,"sale":1}]}`,
			fields: []string{"items[0].opening_stock"},
		},
		{
			name:   "wrong type header field",
			body:   `{"distributor_name":"Acme","town":42,"state":"MH","mobile":"9876543210","items":[{"item_name":"Soap","opening_stock":1,"purchase":1,"sale":1}]}`,
			fields: []string{"town"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestAPI(t)

			rec := do(t, handler, http.MethodPost, "/api/v1/submissions", tt.body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decodeBody[errorBody](t, rec)
			got := make([]string, 0, len(body.Fields))
			for _, f := range body.Fields {
				got = append(got, f.Field)
			}
			for _, field := range tt.fields {
				assert.Contains(t, got, field)
			}

			list := do(t, handler, http.MethodGet, "/api/v1/submissions", "", nil)
			view := decodeBody[domain.RecordsView](t, list)
			assert.Empty(t, view.Records)
		})
	}
}

func TestSubmitWrongTypeReportsEveryViolation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []service.FieldViolation
	}{
		{
			name: "text field of wrong type",
			body: `{"distributor_name":"","town":42,"state":"","mobile":"abc","items":[]}`,
			want: []service.FieldViolation{
				{Field: "distributor_name", Reason: "is required"},
				{Field: "town", Reason: "must be a string"},
				{Field: "state", Reason: "is required"},
				{Field: "mobile", Reason: "must be a valid mobile phone number"},
				{Field: "items", Reason: "must contain at least one item"},
			},
		},
		{
			name: "item name of wrong type",
			body: `{"distributor_name":"Acme","town":"Pune","state":"MH","mobile":"","items":[{"item_name":7,"opening_stock":1,"purchase":1,"sale":-1}]}`,
			want: []service.FieldViolation{
				{Field: "mobile", Reason: "is required"},
				{Field: "items[0].item_name", Reason: "must be a string"},
				{Field: "items[0].sale", Reason: "must not be negative"},
			},
		},
		{
			name: "items of wrong type",
			body: `{"distributor_name":"Acme","town":true,"state":"MH","mobile":"abc","items":"soap"}`,
			want: []service.FieldViolation{
				{Field: "town", Reason: "must be a string"},
				{Field: "mobile", Reason: "must be a valid mobile phone number"},
				{Field: "items", Reason: "must be a list of item objects"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestAPI(t)

			rec := do(t, handler, http.MethodPost, "/api/v1/submissions", tt.body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decodeBody[errorBody](t, rec)
			assert.ElementsMatch(t, tt.want, body.Fields)
		})
	}
}

func TestSubmitRejectsOversizedQuantity(t *testing.T) {
	handler := newTestAPI(t)

	body := `{"distributor_name":"Acme","town":"Pune","state":"MH","mobile":"9876543210",` +
		`"items":[{"item_name":"Soap","opening_stock":9223372036854775807,"purchase":1,"sale":0}]}`
	rec := do(t, handler, http.MethodPost, "/api/v1/submissions", body, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	fields := decodeBody[errorBody](t, rec).Fields
	assert.Contains(t, fields, service.FieldViolation{Field: "items[0].opening_stock", Reason: "must not exceed 1000000000000"})
}

func TestSubmitMalformedJSON(t *testing.T) {
	handler := newTestAPI(t)

	for _, body := range []string{`{"distributor_name":`, `{"unknown_field":1}`, `{} {}`} {
		rec := do(t, handler, http.MethodPost, "/api/v1/submissions", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestSubmitBodyTooLarge(t *testing.T) {
	handler := newTestAPI(t)

	big := `{"distributor_name":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := do(t, handler, http.MethodPost, "/api/v1/submissions", big, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmitStorageFailureIsMasked(t *testing.T) {
	svc := service.New(brokenRepo{}, nil, service.Options{})
	handler := New(svc, Options{}).Handler()

	rec := do(t, handler, http.MethodPost, "/api/v1/submissions", validBody, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "internal server error", body.Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestSubmitRateLimit(t *testing.T) {
	svc := service.New(memory.New(), nil, service.Options{})
	handler := New(svc, Options{SubmitLimit: 2}).Handler()

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", bytes.NewReader([]byte(validBody)))
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
}

func seedReports(t *testing.T, handler http.Handler, names ...string) {
	t.Helper()
	for _, name := range names {
		body := strings.Replace(validBody, `"Acme"`, `"`+name+`"`, 1)
		rec := do(t, handler, http.MethodPost, "/api/v1/submissions", body, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func TestListRecords(t *testing.T) {
	handler := newTestAPI(t)
	seedReports(t, handler, "Acme", "Bharat", "Acme")

	for _, path := range []string{"/api/v1/submissions", "/api/v1/records", "/api/v1/records/filter"} {
		rec := do(t, handler, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, path)

		view := decodeBody[domain.RecordsView](t, rec)
		assert.Len(t, view.Records, 3, path)
		assert.Equal(t, []string{"Acme", "Bharat"}, view.Distributors, path)
		assert.Equal(t, domain.Summary{TotalItems: 48, TotalPurchases: 15, TotalSales: 21}, view.Summary, path)
	}
}

func TestLegacyRoutesReturnArrays(t *testing.T) {
	handler := newTestAPI(t)
	seedReports(t, handler, "Acme", "Bharat")

	for _, path := range []string{"/api/submissions", "/api/records", "/api/records/filter?distributor=Acme"} {
		rec := do(t, handler, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, path)

		records := decodeBody[[]domain.Submission](t, rec)
		require.NotEmpty(t, records, path)
		assert.Equal(t, int64(12), records[0].Items[0].ClosingStock, path)
	}

	rec := do(t, handler, http.MethodGet, "/api/records/filter?distributor=Acme", "", nil)
	records := decodeBody[[]domain.Submission](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "Acme", records[0].DistributorName)

	rec = do(t, handler, http.MethodGet, "/api/records", "", nil)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "["))
}

func TestFilterRecordsByDistributor(t *testing.T) {
	handler := newTestAPI(t)
	seedReports(t, handler, "Acme", "Bharat")

	rec := do(t, handler, http.MethodGet, "/api/v1/records/filter?distributor=Bharat", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[domain.RecordsView](t, rec)
	require.Len(t, view.Records, 1)
	assert.Equal(t, "Bharat", view.Records[0].DistributorName)
	assert.Equal(t, []string{"Bharat"}, view.Distributors)
	assert.Equal(t, domain.Summary{TotalItems: 16, TotalPurchases: 5, TotalSales: 7}, view.Summary)
}

func TestFilterRecordsRejectsBadDate(t *testing.T) {
	handler := newTestAPI(t)

	rec := do(t, handler, http.MethodGet, "/api/v1/records/filter?startDate=notadate", "", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorBody](t, rec)
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "startDate", body.Fields[0].Field)
}

func TestRecordsSummary(t *testing.T) {
	handler := newTestAPI(t)
	seedReports(t, handler, "Acme", "Bharat")

	rec := do(t, handler, http.MethodGet, "/api/v1/records/summary", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[domain.SummaryResponse](t, rec)
	assert.Equal(t, 2, summary.Count)
	assert.Equal(t, domain.Summary{TotalItems: 32, TotalPurchases: 10, TotalSales: 14}, summary.Summary)
}

func TestExportCSV(t *testing.T) {
	handler := newTestAPI(t)
	seedReports(t, handler, "Acme", "Bharat")

	rec := do(t, handler, http.MethodGet, "/api/v1/records/export?format=csv", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, exportHeadings, rows[0])
	assert.Equal(t, "Bharat", rows[1][2])
	assert.Equal(t, "Soap", rows[1][8])
	assert.Equal(t, "12", rows[1][12])
}

func TestExportCSVEscapesFormulas(t *testing.T) {
	handler := newTestAPI(t)
	body := strings.Replace(validBody, `"Soap"`, `"=HYPERLINK(\"http://x\")"`, 1)
	body = strings.Replace(body, `"Western Traders"`, `"@SUM(A1)"`, 1)
	rec := do(t, handler, http.MethodPost, "/api/v1/submissions", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, handler, http.MethodGet, "/api/v1/records/export?format=csv", "", nil)

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, `'=HYPERLINK("http://x")`, rows[1][8])
	assert.Equal(t, "'@SUM(A1)", rows[1][4])
	assert.Equal(t, "Pune", rows[1][3])
}

func TestEscapeFormula(t *testing.T) {
	tests := map[string]string{
		"":         "",
		"Soap":     "Soap",
		"=1+2":     "'=1+2",
		"+91":      "'+91",
		"-5":       "'-5",
		"@cmd":     "'@cmd",
		"\tTabbed": "'\tTabbed",
	}
	for in, want := range tests {
		assert.Equal(t, want, escapeFormula(in), in)
	}
}

func TestExportXLSX(t *testing.T) {
	handler := newTestAPI(t)
	seedReports(t, handler, "Acme")

	rec := do(t, handler, http.MethodGet, "/api/v1/records/export?format=xlsx&distributor=Acme", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	f, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(recordsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "distributor_name", rows[0][2])
	assert.Equal(t, "Oil", rows[2][8])
	assert.Equal(t, "0", rows[2][12])
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	handler := newTestAPI(t)

	rec := do(t, handler, http.MethodGet, "/api/v1/records/export?format=pdf", "", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreflight(t *testing.T) {
	svc := service.New(memory.New(), nil, service.Options{})
	handler := New(svc, Options{AllowedOrigin: "https://forms.example.com"}).Handler()

	rec := do(t, handler, http.MethodOptions, "/api/v1/submissions", "", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://forms.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestAttemptLimiterForgetsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := newAttemptLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		assert.True(t, limiter.Allow(fmt.Sprintf("10.0.0.%d", i)))
	}
	assert.Len(t, limiter.entries, 50)

	now = now.Add(2 * time.Minute)
	assert.True(t, limiter.Allow("10.0.1.1"))
	assert.Len(t, limiter.entries, 1)

	assert.True(t, limiter.Allow("10.0.1.1"))
	assert.False(t, limiter.Allow("10.0.1.1"))
}
