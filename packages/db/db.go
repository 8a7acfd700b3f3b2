// Package db
package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"cotations/packages/domain"
	"cotations/packages/grades"
	"cotations/packages/metrics"
)

// ErrNotFound reports an id absent from the route table.
var ErrNotFound = errors.New("db: route not found")

// RouteBatchSize rows are fetched per streaming query. Keyset pagination by
// id keeps no server-side cursor open across oracle calls.
const RouteBatchSize = 500

// routeColumns casts every nullable column to text so the same scan works
// whatever type the imported dump gave the column.
const routeColumns = `id, description::text, activities::text, status::text, ai_cotations::text`

type Storage struct {
	DB *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Storage, error) {
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Storage{DB: db}, nil
}

func (s *Storage) Close() { s.DB.Close() }

func observe(queryName string, start time.Time) {
	metrics.DBQueryDuration.WithLabelValues(queryName).Observe(time.Since(start).Seconds())
}

func scanRoute(id int64, desc, acts, status, cot pgtype.Text) domain.RouteRecord {
	existing, err := domain.DecodeHistogram(cot.String)
	if err != nil {
		// Corrupt persisted JSON reads as never-processed so a re-run heals it.
		slog.Warn("Ignoring corrupt ai_cotations value", "route_id", id, "error", err)
		existing = nil
	}
	return domain.RouteRecord{
		ID:             id,
		RawDescription: desc.String,
		Activities:     domain.ParseActivities(acts.String),
		Status:         domain.ParseStatus(status.String),
		ExistingGrades: existing,
	}
}

// RouteStream lazily walks the route table in id order. It satisfies the
// batch runner's source contract.
type RouteStream struct {
	s      *Storage
	lastID int64
	buf    []domain.RouteRecord
	idx    int
	done   bool
}

// StreamRoutes returns a lazy id-ordered stream of active routes with
// id >= startID. The status pushdown is an optimization only; the filter
// stage re-validates every record it is handed.
func (s *Storage) StreamRoutes(startID int64) *RouteStream {
	return &RouteStream{s: s, lastID: startID - 1}
}

func (r *RouteStream) Next(ctx context.Context) (domain.RouteRecord, bool, error) {
	for r.idx >= len(r.buf) {
		if r.done {
			return domain.RouteRecord{}, false, nil
		}
		if err := r.fetch(ctx); err != nil {
			return domain.RouteRecord{}, false, err
		}
	}
	rec := r.buf[r.idx]
	r.idx++
	return rec, true, nil
}

func (r *RouteStream) fetch(ctx context.Context) error {
	defer observe("stream_routes", time.Now())

	query := `
		SELECT ` + routeColumns + `
		FROM route
		WHERE id > $1 AND status::text = $2
		ORDER BY id
		LIMIT $3
	`
	rows, err := r.s.DB.Query(ctx, query, r.lastID, strconv.Itoa(domain.StatusActive), RouteBatchSize)
	if err != nil {
		return fmt.Errorf("failed to query route batch: %w", err)
	}
	defer rows.Close()

	r.buf = r.buf[:0]
	r.idx = 0

	var (
		id                      int64
		desc, acts, status, cot pgtype.Text
	)
	if _, err := pgx.ForEachRow(rows, []any{&id, &desc, &acts, &status, &cot}, func() error {
		r.buf = append(r.buf, scanRoute(id, desc, acts, status, cot))
		return nil
	}); err != nil {
		return fmt.Errorf("failed to iterate route rows: %w", err)
	}

	if len(r.buf) < RouteBatchSize {
		r.done = true
	}
	if len(r.buf) > 0 {
		r.lastID = r.buf[len(r.buf)-1].ID
	}
	return nil
}

func (s *Storage) GetRoute(ctx context.Context, id int64) (domain.RouteRecord, error) {
	defer observe("get_route", time.Now())

	query := `SELECT ` + routeColumns + ` FROM route WHERE id = $1`
	var (
		rowID                   int64
		desc, acts, status, cot pgtype.Text
	)
	err := s.DB.QueryRow(ctx, query, id).Scan(&rowID, &desc, &acts, &status, &cot)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RouteRecord{}, fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.RouteRecord{}, fmt.Errorf("failed to fetch route %d: %w", id, err)
	}
	return scanRoute(rowID, desc, acts, status, cot), nil
}

// HasCotations reports whether a route already carries a non-empty
// persisted histogram. Import loops use it for their skip-existing gate.
func (s *Storage) HasCotations(ctx context.Context, id int64) (bool, error) {
	rec, err := s.GetRoute(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.Processed(), nil
}

// UpdateCotations persists one histogram as a single-row jsonb UPDATE. A dry
// run performs no write but still reports the outcome for bookkeeping.
func (s *Storage) UpdateCotations(ctx context.Context, id int64, h domain.Histogram, dryRun bool) error {
	encoded, err := h.EncodeJSON()
	if err != nil {
		return fmt.Errorf("failed to encode histogram for route %d: %w", id, err)
	}

	if dryRun {
		slog.Info("Dry run, skipping write", "route_id", id, "cotations", string(encoded))
		return nil
	}

	defer observe("update_cotations", time.Now())
	tag, err := s.DB.Exec(ctx, `UPDATE route SET ai_cotations = $1::jsonb WHERE id = $2`, string(encoded), id)
	if err != nil {
		return fmt.Errorf("failed to update cotations for route %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	return nil
}

// ExportCSV dumps the route table through Postgres COPY, semicolon-separated
// with a header row, and returns the number of exported rows.
func (s *Storage) ExportCSV(ctx context.Context, w io.Writer) (int64, error) {
	defer observe("export_csv", time.Now())

	conn, err := s.DB.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection for export: %w", err)
	}
	defer conn.Release()

	copySQL := `COPY (SELECT id, description, activities, status, ai_cotations FROM route ORDER BY id) TO STDOUT WITH (FORMAT csv, HEADER true, DELIMITER ';')`
	tag, err := conn.Conn().PgConn().CopyTo(ctx, w, copySQL)
	if err != nil {
		return 0, fmt.Errorf("failed to copy route table: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountsByGrade aggregates every persisted histogram into one table-wide
// histogram, ordered easiest to hardest.
func (s *Storage) CountsByGrade(ctx context.Context) (domain.Histogram, error) {
	defer observe("counts_by_grade", time.Now())

	query := `
		SELECT e->>'grade', SUM((e->>'count')::bigint)
		FROM route, jsonb_array_elements(ai_cotations) AS e
		WHERE ai_cotations IS NOT NULL
		GROUP BY 1
	`
	rows, err := s.DB.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate grade counts: %w", err)
	}
	defer rows.Close()

	var (
		grade string
		total int64
		pairs []domain.GradeCount
	)
	if _, err := pgx.ForEachRow(rows, []any{&grade, &total}, func() error {
		pairs = append(pairs, domain.GradeCount{Grade: grade, Count: int(total)})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to iterate grade count rows: %w", err)
	}
	return grades.SortAndMerge(pairs), nil
}

// Progress summarizes how far the extraction has come over the route table.
type Progress struct {
	Total     int64
	Processed int64 // ai_cotations not null, empty histogram included
	Empty     int64 // processed but nothing recognized
}

// Pending counts routes never handed to the oracle.
func (p Progress) Pending() int64 { return p.Total - p.Processed }

func (s *Storage) CountProgress(ctx context.Context) (Progress, error) {
	defer observe("count_progress", time.Now())

	query := `
		SELECT count(*),
		       count(*) FILTER (WHERE ai_cotations IS NOT NULL),
		       count(*) FILTER (WHERE ai_cotations::text = '[]')
		FROM route
	`
	var p Progress
	if err := s.DB.QueryRow(ctx, query).Scan(&p.Total, &p.Processed, &p.Empty); err != nil {
		return Progress{}, fmt.Errorf("failed to count progress: %w", err)
	}
	return p, nil
}
