package reports

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/query"
)

// PostgresStore persists custom reports in postgres. Definitions are
// stored as jsonb so they survive engine upgrades without migrations.
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
CREATE TABLE IF NOT EXISTS custom_reports (
	id          UUID PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	definition  JSONB NOT NULL,
	locked      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS custom_reports_owner_idx ON custom_reports (owner_id);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to migrate reports schema")
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, report *CustomReport) error {
	def, err := query.MarshalDefinition(report.Definition)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO custom_reports (id, owner_id, name, description, definition, locked, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, q,
		report.ID, report.OwnerID, report.Name, report.Description,
		def, report.Locked, report.CreatedAt, report.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to insert report")
	}
	return nil
}

func (s *PostgresStore) Fetch(ctx context.Context, id uuid.UUID) (*CustomReport, error) {
	const q = `
SELECT id, owner_id, name, description, definition, locked, created_at, updated_at
FROM custom_reports WHERE id = $1`
	report, err := scanReport(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "report %s not found", id)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load report")
	}
	return report, nil
}

func (s *PostgresStore) Save(ctx context.Context, report *CustomReport) error {
	def, err := query.MarshalDefinition(report.Definition)
	if err != nil {
		return err
	}
	const q = `
UPDATE custom_reports
SET name = $2, description = $3, definition = $4, updated_at = $5
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q,
		report.ID, report.Name, report.Description, def, report.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to update report")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "report %s not found", report.ID)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM custom_reports WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to delete report")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "report %s not found", id)
	}
	return nil
}

func (s *PostgresStore) FetchAll(ctx context.Context, ownerID string) ([]*CustomReport, error) {
	const q = `
SELECT id, owner_id, name, description, definition, locked, created_at, updated_at
FROM custom_reports
WHERE owner_id = $1 OR locked
ORDER BY name`
	rows, err := s.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list reports")
	}
	defer rows.Close()

	var out []*CustomReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to scan report")
		}
		out = append(out, report)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read reports")
	}
	return out, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanReport(row pgx.Row) (*CustomReport, error) {
	var report CustomReport
	var def []byte
	err := row.Scan(
		&report.ID, &report.OwnerID, &report.Name, &report.Description,
		&def, &report.Locked, &report.CreatedAt, &report.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	report.Definition, err = query.UnmarshalDefinition(def)
	if err != nil {
		return nil, err
	}
	return &report, nil
}
