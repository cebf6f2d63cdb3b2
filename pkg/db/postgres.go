package db

import (
	"context"
	"log/slog"

	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/fly-io/imagemeta/pkg/imagemeta"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository writes image metadata to a postgres table
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to dsn and ensures the sink table exists
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	slog.Info("postgres_init")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		slog.Error("postgres_connect_failed", "error", err)
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		slog.Error("postgres_ping_failed", "error", err)
		return nil, errors.Wrap(err, "failed to ping postgres")
	}

	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		slog.Error("postgres_schema_failed", "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("postgres_ready")
	return &PostgresRepository{pool: pool}, nil
}

// Close releases the connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// UpsertMetadata inserts a metadata row, replacing any existing row for the same filename
func (r *PostgresRepository) UpsertMetadata(ctx context.Context, m imagemeta.Metadata) error {
	slog.Info("postgres_upsert_metadata", "filename", m.Filename, "format", m.Format)

	query := `
		INSERT INTO image_metadata (filename, format, width, height, size_kb)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (filename) DO UPDATE SET
		    format = EXCLUDED.format,
		    width = EXCLUDED.width,
		    height = EXCLUDED.height,
		    size_kb = EXCLUDED.size_kb,
		    updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, query, m.Filename, m.Format, m.Width, m.Height, m.SizeKB); err != nil {
		slog.Error("postgres_upsert_failed", "filename", m.Filename, "error", err)
		return errors.Wrap(err, "failed to upsert metadata")
	}
	return nil
}

// ListMetadata retrieves all rows, newest first
func (r *PostgresRepository) ListMetadata(ctx context.Context) ([]*Row, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT filename, format, width, height, size_kb,
		       to_char(created_at, 'YYYY-MM-DD HH24:MI:SS'), to_char(updated_at, 'YYYY-MM-DD HH24:MI:SS')
		FROM image_metadata ORDER BY created_at DESC, filename
	`)
	if err != nil {
		slog.Error("postgres_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list metadata")
	}
	defer rows.Close()

	var result []*Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.Filename, &row.Format, &row.Width, &row.Height, &row.SizeKB,
			&row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		result = append(result, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return result, nil
}
