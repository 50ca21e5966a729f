package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockreport/backend/internal/domain"
	"stockreport/backend/internal/store"
)

var tracer = otel.Tracer("stockreport/store/postgres")

const schema = `
CREATE TABLE IF NOT EXISTS distributor_submissions (
	id               TEXT PRIMARY KEY,
	distributor_name TEXT NOT NULL,
	town             TEXT NOT NULL,
	super_stockist   TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	entered_by       TEXT NOT NULL DEFAULT '',
	mobile           TEXT NOT NULL,
	idempotency_key  TEXT UNIQUE,
	submitted_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_distributor_submissions_submitted_at
	ON distributor_submissions (submitted_at DESC);

CREATE INDEX IF NOT EXISTS idx_distributor_submissions_name
	ON distributor_submissions (distributor_name);

CREATE TABLE IF NOT EXISTS submission_items (
	submission_id TEXT NOT NULL REFERENCES distributor_submissions (id) ON DELETE CASCADE,
	position      INT NOT NULL,
	item_name     TEXT NOT NULL,
	opening_stock BIGINT NOT NULL CHECK (opening_stock >= 0),
	purchase      BIGINT NOT NULL CHECK (purchase >= 0),
	sale          BIGINT NOT NULL CHECK (sale >= 0),
	closing_stock BIGINT NOT NULL CHECK (closing_stock >= 0),
	PRIMARY KEY (submission_id, position)
);
`

// itemBatchSize caps rows per item INSERT. Each row binds 7 parameters and
// the extended protocol allows at most 65535 per statement.
var itemBatchSize = 1000

type Store struct {
	db      *sql.DB
	builder squirrel.StatementBuilderType
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the submission tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSubmission(ctx context.Context, submission domain.Submission) (created *domain.Submission, err error) {
	if submission.ID == "" || len(submission.Items) == 0 {
		return nil, store.ErrInvalidSubmission
	}

	ctx, span := tracer.Start(ctx, "postgres.CreateSubmission", trace.WithAttributes(
		attribute.String("submission.id", submission.ID),
		attribute.Int("submission.items", len(submission.Items)),
	))
	defer func() {
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create submission failed")
		}
		span.End()
	}()

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submission tx: %w", err)
	}
	defer func() { _ = pgTx.Rollback() }()

	headerSQL, headerArgs, err := s.builder.
		Insert("distributor_submissions").
		Columns("id", "distributor_name", "town", "super_stockist", "state", "entered_by", "mobile", "idempotency_key", "submitted_at").
		Values(
			submission.ID,
			submission.DistributorName,
			submission.Town,
			submission.SuperStockist,
			submission.State,
			submission.EnteredBy,
			submission.Mobile,
			nullIfEmpty(submission.IdempotencyKey),
			submission.SubmittedAt.UTC(),
		).
		Suffix("ON CONFLICT (idempotency_key) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, err
	}

	res, err := pgTx.ExecContext(ctx, headerSQL, headerArgs...)
	if err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrDuplicate
	}

	for start := 0; start < len(submission.Items); start += itemBatchSize {
		end := min(start+itemBatchSize, len(submission.Items))
		items := s.builder.
			Insert("submission_items").
			Columns("submission_id", "position", "item_name", "opening_stock", "purchase", "sale", "closing_stock")
		for i := start; i < end; i++ {
			item := submission.Items[i]
			items = items.Values(submission.ID, i, item.ItemName, item.OpeningStock, item.Purchase, item.Sale, item.ClosingStock)
		}
		itemsSQL, itemsArgs, err := items.ToSql()
		if err != nil {
			return nil, err
		}
		if _, err := pgTx.ExecContext(ctx, itemsSQL, itemsArgs...); err != nil {
			return nil, fmt.Errorf("insert submission items: %w", err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submission: %w", err)
	}

	out := submission
	out.SubmittedAt = submission.SubmittedAt.UTC()
	out.Items = append([]domain.InventoryItem(nil), submission.Items...)
	return &out, nil
}

func (s *Store) FindSubmissionByIdempotency(ctx context.Context, key string) (*domain.Submission, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}

	records, err := s.selectRecords(ctx, s.recordsQuery().Where(squirrel.Eq{"s.idempotency_key": key}))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, store.ErrNotFound
	}
	return &records[0], nil
}

func (s *Store) ListSubmissions(ctx context.Context, filter domain.RecordFilter) ([]domain.Submission, error) {
	ctx, span := tracer.Start(ctx, "postgres.ListSubmissions", trace.WithAttributes(
		attribute.Bool("filter.from", filter.From != nil),
		attribute.Bool("filter.to", filter.To != nil),
		attribute.Bool("filter.distributor", filter.DistributorName != ""),
	))
	defer span.End()

	records, err := s.selectRecords(ctx, applyFilter(s.recordsQuery(), filter))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list submissions failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("records", len(records)))
	return records, nil
}

// recordsQuery joins every item to its header. One statement reads one
// snapshot, so a report is never returned with part of its items.
func (s *Store) recordsQuery() squirrel.SelectBuilder {
	return s.builder.
		Select(
			"s.id",
			"s.distributor_name",
			"s.town",
			"s.super_stockist",
			"s.state",
			"s.entered_by",
			"s.mobile",
			"COALESCE(s.idempotency_key, '') AS idempotency_key",
			"s.submitted_at",
			"i.item_name",
			"i.opening_stock",
			"i.purchase",
			"i.sale",
			"i.closing_stock",
		).
		From("distributor_submissions s").
		Join("submission_items i ON i.submission_id = s.id").
		OrderBy("s.submitted_at DESC", "s.id DESC", "i.position ASC")
}

func applyFilter(q squirrel.SelectBuilder, filter domain.RecordFilter) squirrel.SelectBuilder {
	if filter.From != nil {
		q = q.Where(squirrel.GtOrEq{"s.submitted_at": filter.From.UTC()})
	}
	if filter.To != nil {
		q = q.Where(squirrel.Lt{"s.submitted_at": filter.To.UTC()})
	}
	if filter.DistributorName != "" {
		q = q.Where(squirrel.Eq{"s.distributor_name": filter.DistributorName})
	}
	return q
}

type recordRow struct {
	ID              string    `db:"id"`
	DistributorName string    `db:"distributor_name"`
	Town            string    `db:"town"`
	SuperStockist   string    `db:"super_stockist"`
	State           string    `db:"state"`
	EnteredBy       string    `db:"entered_by"`
	Mobile          string    `db:"mobile"`
	IdempotencyKey  string    `db:"idempotency_key"`
	SubmittedAt     time.Time `db:"submitted_at"`
	ItemName        string    `db:"item_name"`
	OpeningStock    int64     `db:"opening_stock"`
	Purchase        int64     `db:"purchase"`
	Sale            int64     `db:"sale"`
	ClosingStock    int64     `db:"closing_stock"`
}

func (s *Store) selectRecords(ctx context.Context, q squirrel.SelectBuilder) ([]domain.Submission, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []recordRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select submissions: %w", err)
	}

	joined := make([]store.ItemRow, 0, len(rows))
	for _, row := range rows {
		joined = append(joined, store.ItemRow{
			Header: domain.Submission{
				ID:              row.ID,
				DistributorName: row.DistributorName,
				Town:            row.Town,
				SuperStockist:   row.SuperStockist,
				State:           row.State,
				EnteredBy:       row.EnteredBy,
				Mobile:          row.Mobile,
				IdempotencyKey:  row.IdempotencyKey,
				SubmittedAt:     row.SubmittedAt.UTC(),
			},
			Item: domain.InventoryItem{
				ItemName:     row.ItemName,
				OpeningStock: row.OpeningStock,
				Purchase:     row.Purchase,
				Sale:         row.Sale,
				ClosingStock: row.ClosingStock,
			},
		})
	}
	return store.GroupRecords(joined), nil
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
