package db

// Schema defines the SQLite database schema.
// image_metadata is the sink table, keyed by filename so that writes are
// idempotent upserts. blob_receipts records which (key, etag) pairs the
// poller has already turned into trigger events.
const Schema = `
CREATE TABLE IF NOT EXISTS image_metadata (
    filename TEXT PRIMARY KEY,
    format TEXT NOT NULL,
    width INTEGER NOT NULL CHECK(width > 0),
    height INTEGER NOT NULL CHECK(height > 0),
    size_kb REAL NOT NULL CHECK(size_kb >= 0),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_image_metadata_format ON image_metadata(format);
CREATE INDEX IF NOT EXISTS idx_image_metadata_created_at ON image_metadata(created_at);

CREATE TABLE IF NOT EXISTS blob_receipts (
    object_key TEXT NOT NULL,
    etag TEXT NOT NULL,
    received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (object_key, etag)
);
`

// PostgresSchema is the same sink table for the postgres writer.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS image_metadata (
    filename TEXT PRIMARY KEY,
    format TEXT NOT NULL,
    width INTEGER NOT NULL CHECK (width > 0),
    height INTEGER NOT NULL CHECK (height > 0),
    size_kb DOUBLE PRECISION NOT NULL CHECK (size_kb >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Row is a stored metadata record with its bookkeeping columns
type Row struct {
	Filename  string
	Format    string
	Width     int
	Height    int
	SizeKB    float64
	CreatedAt string
	UpdatedAt string
}
