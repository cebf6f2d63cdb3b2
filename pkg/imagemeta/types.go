package imagemeta

import (
	"context"
	"fmt"
)

// Metadata is the record produced by the extractor and written by the sink
type Metadata struct {
	Filename string  `json:"filename"`
	Format   string  `json:"format"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	SizeKB   float64 `json:"size_kb"`
}

// Validate checks the invariants every stored record must satisfy
func (m Metadata) Validate() error {
	if m.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if m.Format == "" {
		return fmt.Errorf("format is required")
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("dimensions must be positive, got %dx%d", m.Width, m.Height)
	}
	if m.SizeKB < 0 {
		return fmt.Errorf("size_kb must be non-negative, got %.2f", m.SizeKB)
	}
	return nil
}

// Downloader fetches the full content of a blob by name
type Downloader interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// Writer persists metadata rows
type Writer interface {
	UpsertMetadata(ctx context.Context, m Metadata) error
}
