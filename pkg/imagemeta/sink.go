package imagemeta

import (
	"context"
	"log/slog"

	"github.com/fly-io/imagemeta/pkg/errors"
)

// Sink writes metadata records and echoes them back as confirmation
type Sink struct {
	writer Writer
}

// NewSink creates a sink backed by writer
func NewSink(writer Writer) *Sink {
	return &Sink{writer: writer}
}

// Store persists m and returns it unchanged. The writer is expected to upsert
// by filename so a replayed step does not duplicate the row.
func (s *Sink) Store(ctx context.Context, m Metadata) (Metadata, error) {
	slog.Info("store_metadata_start", "filename", m.Filename, "format", m.Format)

	if err := m.Validate(); err != nil {
		slog.Error("store_metadata_invalid", "filename", m.Filename, "error", err)
		return Metadata{}, errors.E(errors.KindSink, err, "store "+m.Filename)
	}

	if err := s.writer.UpsertMetadata(ctx, m); err != nil {
		slog.Error("store_metadata_failed", "filename", m.Filename, "error", err)
		return Metadata{}, errors.E(errors.KindSink, err, "store "+m.Filename)
	}

	slog.Info("store_metadata_complete", "filename", m.Filename)
	return m, nil
}
