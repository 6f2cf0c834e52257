package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
)

// PostgresStore persists the ledger in postgres. Status transitions are
// enforced with conditional updates so concurrent writers cannot move a
// record out of a terminal state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres")
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id            UUID PRIMARY KEY,
	fingerprint   TEXT NOT NULL,
	source        TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	row_count     INTEGER NOT NULL DEFAULT 0,
	warnings      JSONB NOT NULL DEFAULT '[]',
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS executions_owner_created_idx
	ON executions (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS executions_fingerprint_idx
	ON executions (fingerprint);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to migrate ledger schema")
	}
	return nil
}

// Create persists a new pending record.
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	const q = `
INSERT INTO executions (id, fingerprint, source, credential_id, owner_id, status, created_at, row_count, warnings)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, q,
		rec.ID, rec.Fingerprint, rec.Source, rec.CredentialID, rec.OwnerID,
		rec.Status, rec.CreatedAt, rec.RowCount, nonNilWarnings(rec.Warnings))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create ledger record")
	}
	return nil
}

// Get returns a record by ID.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	const q = `
SELECT id, fingerprint, source, credential_id, owner_id, status,
       created_at, started_at, completed_at, row_count, warnings, error_kind, error_message
FROM executions WHERE id = $1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "execution %s not found", id)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load ledger record")
	}
	return rec, nil
}

// MarkRunning moves a pending record to running.
func (s *PostgresStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE executions SET status = $2, started_at = $3
WHERE id = $1 AND status = 'pending'`
	return s.transition(ctx, id, StatusRunning, q, id, StatusRunning, time.Now().UTC())
}

// Complete terminates a running record with its outcome.
func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, rowCount int, warnings []catalog.Warning) error {
	const q = `
UPDATE executions SET status = $2, completed_at = $3, row_count = $4, warnings = $5
WHERE id = $1 AND status = 'running'`
	return s.transition(ctx, id, StatusCompleted, q, id, StatusCompleted, time.Now().UTC(), rowCount, nonNilWarnings(warnings))
}

// Fail terminates a record with the failure classification.
func (s *PostgresStore) Fail(ctx context.Context, id uuid.UUID, errKind, errMessage string) error {
	const q = `
UPDATE executions SET status = $2, completed_at = $3, error_kind = $4, error_message = $5
WHERE id = $1 AND status IN ('pending', 'running')`
	return s.transition(ctx, id, StatusFailed, q, id, StatusFailed, time.Now().UTC(), errKind, errMessage)
}

// Cancel terminates a pending or running record as cancelled.
func (s *PostgresStore) Cancel(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE executions SET status = $2, completed_at = $3
WHERE id = $1 AND status IN ('pending', 'running')`
	return s.transition(ctx, id, StatusCancelled, q, id, StatusCancelled, time.Now().UTC())
}

// transition runs a conditional status update and classifies a zero-row
// result as not-found or an illegal transition.
func (s *PostgresStore) transition(ctx context.Context, id uuid.UUID, to Status, q string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to update ledger record")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return transitionError(id, current.Status, to)
}

// List returns matching records newest first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	q := `
SELECT id, fingerprint, source, credential_id, owner_id, status,
       created_at, started_at, completed_at, row_count, warnings, error_kind, error_message
FROM executions
WHERE ($1 = '' OR owner_id = $1)
  AND ($2 = '' OR source = $2)
  AND ($3 = '' OR status = $3)
ORDER BY created_at DESC
OFFSET $4`
	args := []interface{}{filter.OwnerID, filter.Source, string(filter.Status), filter.Offset}
	if filter.Limit > 0 {
		q += " LIMIT $5"
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list ledger records")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to scan ledger record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read ledger records")
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// nonNilWarnings keeps the jsonb column non-null for empty warning sets.
func nonNilWarnings(w []catalog.Warning) []catalog.Warning {
	if w == nil {
		return []catalog.Warning{}
	}
	return w
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.Fingerprint, &rec.Source, &rec.CredentialID, &rec.OwnerID, &rec.Status,
		&rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt, &rec.RowCount, &rec.Warnings,
		&rec.ErrorKind, &rec.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
