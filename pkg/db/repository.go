package db

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/fly-io/imagemeta/pkg/imagemeta"
	_ "modernc.org/sqlite"
)

// Repository provides SQLite operations for image metadata and blob receipts
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Activities and the poller share the handle; sqlite allows one writer.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertMetadata inserts a metadata row, replacing any existing row for the same filename
func (r *Repository) UpsertMetadata(ctx context.Context, m imagemeta.Metadata) error {
	slog.Info("database_upsert_metadata", "filename", m.Filename, "format", m.Format)

	query := `
		INSERT INTO image_metadata (filename, format, width, height, size_kb)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
		    format = excluded.format,
		    width = excluded.width,
		    height = excluded.height,
		    size_kb = excluded.size_kb,
		    updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.ExecContext(ctx, query, m.Filename, m.Format, m.Width, m.Height, m.SizeKB); err != nil {
		slog.Error("database_upsert_failed", "filename", m.Filename, "error", err)
		return errors.Wrap(err, "failed to upsert metadata")
	}

	slog.Info("database_metadata_upserted", "filename", m.Filename)
	return nil
}

// GetMetadata retrieves the row for filename. It returns nil, nil when not found.
func (r *Repository) GetMetadata(ctx context.Context, filename string) (*Row, error) {
	query := `
		SELECT filename, format, width, height, size_kb, created_at, updated_at
		FROM image_metadata WHERE filename = ?
	`
	var row Row
	err := r.db.QueryRowContext(ctx, query, filename).Scan(
		&row.Filename, &row.Format, &row.Width, &row.Height, &row.SizeKB,
		&row.CreatedAt, &row.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Info("database_metadata_not_found", "filename", filename)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "filename", filename, "error", err)
		return nil, errors.Wrap(err, "failed to query metadata")
	}

	return &row, nil
}

// ListMetadata retrieves all rows, newest first
func (r *Repository) ListMetadata(ctx context.Context) ([]*Row, error) {
	slog.Info("database_list_metadata")

	query := `
		SELECT filename, format, width, height, size_kb, created_at, updated_at
		FROM image_metadata ORDER BY created_at DESC, filename
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list metadata")
	}
	defer rows.Close()

	var result []*Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(
			&row.Filename, &row.Format, &row.Width, &row.Height, &row.SizeKB,
			&row.CreatedAt, &row.UpdatedAt); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		result = append(result, &row)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "row_count", len(result))
	return result, nil
}

// HasReceipt reports whether an event was already fired for this object version
func (r *Repository) HasReceipt(ctx context.Context, key, etag string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM blob_receipts WHERE object_key = ? AND etag = ?`, key, etag).Scan(&n)
	if err != nil {
		slog.Error("database_receipt_query_failed", "object_key", key, "error", err)
		return false, errors.Wrap(err, "failed to query receipt")
	}
	return n > 0, nil
}

// RecordReceipt marks an object version as fired. Recording twice is a no-op.
func (r *Repository) RecordReceipt(ctx context.Context, key, etag string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blob_receipts (object_key, etag) VALUES (?, ?)`, key, etag)
	if err != nil {
		slog.Error("database_receipt_insert_failed", "object_key", key, "error", err)
		return errors.Wrap(err, "failed to record receipt")
	}
	slog.Info("database_receipt_recorded", "object_key", key, "etag", etag)
	return nil
}
