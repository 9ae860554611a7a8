package failure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("failure record not found")

const schema = `
CREATE TABLE IF NOT EXISTS search_failures (
	id                 BIGSERIAL PRIMARY KEY,
	original_query     TEXT        NOT NULL,
	normalized_query   TEXT        NOT NULL DEFAULT '',
	candidates         TEXT        NOT NULL DEFAULT '[]',
	attempted_count    INTEGER     NOT NULL DEFAULT 0,
	error_message      TEXT        NOT NULL DEFAULT '',
	category           TEXT        NOT NULL DEFAULT '',
	brand              TEXT        NOT NULL DEFAULT '',
	model              TEXT        NOT NULL DEFAULT '',
	status             TEXT        NOT NULL DEFAULT 'pending',
	correct_name       TEXT,
	correct_product_id TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_search_failures_original_query ON search_failures (original_query);
CREATE INDEX IF NOT EXISTS idx_search_failures_created_at     ON search_failures (created_at);
CREATE INDEX IF NOT EXISTS idx_search_failures_status         ON search_failures (status);
`

// Store is the relational persistence for failure records.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres, verifies the connection, and ensures the
// schema exists. The single-table schema is applied idempotently at
// startup instead of through a migration tool.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failure: open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failure: ping database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreFromDB wraps an existing connection, used by tests.
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failure: ensure schema: %w", err)
	}
	return nil
}

// Ping reports store reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBatch writes records inside one transaction.
func (s *Store) InsertBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failure: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		INSERT INTO search_failures
			(original_query, normalized_query, candidates, attempted_count,
			 error_message, category, brand, model, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, r := range recs {
		status := r.Status
		if status == "" {
			status = StatusPending
		}
		if _, err := tx.ExecContext(ctx, q,
			r.OriginalQuery, r.NormalizedQuery, r.Candidates, r.AttemptedCount,
			r.ErrorMessage, r.Category, r.Brand, r.Model, status,
		); err != nil {
			return fmt.Errorf("failure: insert %q: %w", r.OriginalQuery, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failure: commit: %w", err)
	}
	return nil
}

// Recent returns the newest records, capped at limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	var out []Record
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM search_failures
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failure: recent: %w", err)
	}
	return out, nil
}

// ByOriginalQuery returns all records for one query, newest first.
func (s *Store) ByOriginalQuery(ctx context.Context, query string) ([]Record, error) {
	var out []Record
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM search_failures
		WHERE original_query = $1
		ORDER BY created_at DESC`, query)
	if err != nil {
		return nil, fmt.Errorf("failure: by original query: %w", err)
	}
	return out, nil
}

// MarkResolved mutates one record's status and optional corrections.
func (s *Store) MarkResolved(ctx context.Context, id int64, status string, correctName, correctProductID *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE search_failures
		SET status = $2,
		    correct_name = COALESCE($3, correct_name),
		    correct_product_id = COALESCE($4, correct_product_id),
		    updated_at = now()
		WHERE id = $1`, id, status, correctName, correctProductID)
	if err != nil {
		return fmt.Errorf("failure: mark resolved %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failure: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return nil
}

// Stats aggregates failures inside the window.
func (s *Store) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	st := Stats{
		WindowHours: int(window.Hours()),
		ByCategory:  map[string]int{},
	}
	since := time.Now().Add(-window)

	row := s.db.QueryRowxContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'pending'),
		       count(*) FILTER (WHERE status <> 'pending')
		FROM search_failures
		WHERE created_at >= $1`, since)
	if err := row.Scan(&st.Total, &st.Pending, &st.Resolved); err != nil {
		return Stats{}, fmt.Errorf("failure: stats totals: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT category, count(*)
		FROM search_failures
		WHERE created_at >= $1
		GROUP BY category`, since)
	if err != nil {
		return Stats{}, fmt.Errorf("failure: stats by category: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return Stats{}, fmt.Errorf("failure: stats scan: %w", err)
		}
		st.ByCategory[cat] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("failure: stats rows: %w", err)
	}
	return st, nil
}

// Common returns the most frequently failing pending queries, grouped by
// the (original, normalized) pair. The same raw query can normalize
// differently as rule files evolve; each rewrite is its own fix target.
func (s *Store) Common(ctx context.Context, limit int) ([]CommonFailure, error) {
	var out []CommonFailure
	err := s.db.SelectContext(ctx, &out, `
		SELECT original_query,
		       normalized_query,
		       min(category)   AS category,
		       count(*)        AS cnt,
		       max(created_at) AS last_seen
		FROM search_failures
		WHERE status = 'pending'
		GROUP BY original_query, normalized_query
		ORDER BY cnt DESC, last_seen DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failure: common: %w", err)
	}
	return out, nil
}

// Export streams every record in the window, oldest first, for the export
// endpoint.
func (s *Store) Export(ctx context.Context, window time.Duration) ([]Record, error) {
	var out []Record
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM search_failures
		WHERE created_at >= $1
		ORDER BY created_at ASC`, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failure: export: %w", err)
	}
	return out, nil
}
