// Package imagemeta implements the two activities of the image pipeline:
// extracting format, dimensions and size from a stored blob, and writing
// the resulting record to the metadata table.
package imagemeta

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"math"
	"strings"

	// Decoders for the allow-listed extensions.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	// Content is sniffed, not trusted from the extension, so mis-named
	// files in these formats still decode.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/fly-io/imagemeta/pkg/security"
)

// Extractor downloads blobs and reads their image header
type Extractor struct {
	blobs     Downloader
	validator *security.Validator
}

// NewExtractor creates an extractor reading from blobs
func NewExtractor(blobs Downloader, validator *security.Validator) *Extractor {
	return &Extractor{
		blobs:     blobs,
		validator: validator,
	}
}

// Extract downloads the named blob and returns its metadata.
// A rejected name is reported as errors.KindValidation, download failures
// as errors.KindDownload, undecodable or refused content as errors.KindDecode.
func (e *Extractor) Extract(ctx context.Context, name string) (Metadata, error) {
	slog.Info("extract_metadata_start", "name", name)

	if err := e.validator.ValidateName(name); err != nil {
		return Metadata{}, errors.E(errors.KindValidation, err, "extract "+name)
	}

	data, err := e.blobs.Fetch(ctx, name)
	if err != nil {
		slog.Error("extract_metadata_download_failed", "name", name, "error", err)
		if errors.KindOf(err) == errors.KindUnknown {
			err = errors.E(errors.KindDownload, err, "download "+name)
		}
		return Metadata{}, err
	}

	m, err := e.decode(name, data)
	if err != nil {
		slog.Error("extract_metadata_decode_failed", "name", name, "size_bytes", len(data), "error", err)
		return Metadata{}, err
	}

	slog.Info("extract_metadata_complete",
		"name", m.Filename,
		"format", m.Format,
		"width", m.Width,
		"height", m.Height,
		"size_kb", m.SizeKB,
	)
	return m, nil
}

func (e *Extractor) decode(name string, data []byte) (Metadata, error) {
	if err := e.validator.ValidateFileSize(int64(len(data))); err != nil {
		return Metadata{}, errors.E(errors.KindDecode, err, "decode "+name)
	}

	// Only the header is read, pixel data is never materialised.
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Metadata{}, errors.E(errors.KindDecode, err, "decode "+name)
	}

	if err := e.validator.ValidateDimensions(cfg.Width, cfg.Height); err != nil {
		return Metadata{}, errors.E(errors.KindDecode, err, "decode "+name)
	}

	return Metadata{
		Filename: name,
		Format:   strings.ToUpper(format),
		Width:    cfg.Width,
		Height:   cfg.Height,
		SizeKB:   SizeKB(len(data)),
	}, nil
}

// SizeKB converts a byte count to kilobytes rounded to two decimals.
func SizeKB(n int) float64 {
	return math.Round(float64(n)/1024*100) / 100
}
