package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Validator enforces limits on blob names and on the images we agree to decode
type Validator struct {
	maxFileSize int64
	maxPixels   int64
}

// NewValidator creates a new security validator
func NewValidator(maxFileSize, maxPixels int64) *Validator {
	slog.Info("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_pixels", maxPixels)

	return &Validator{
		maxFileSize: maxFileSize,
		maxPixels:   maxPixels,
	}
}

// ValidateName checks a blob name before it is joined onto the container prefix.
// Names must be a single relative path segment.
func (v *Validator) ValidateName(name string) error {
	if name == "" {
		slog.Error("security_name_validation_failed", "name", name, "reason", "empty")
		return fmt.Errorf("security: empty blob name")
	}

	if filepath.IsAbs(name) {
		slog.Error("security_name_validation_failed", "name", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(name)
	if clean == "." || strings.HasPrefix(clean, "..") {
		slog.Error("security_name_validation_failed", "name", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}

	if strings.ContainsAny(name, `/\`) {
		slog.Error("security_name_validation_failed", "name", name, "reason", "nested_path")
		return fmt.Errorf("security: nested path not allowed: %s", name)
	}

	return nil
}

// ValidateFileSize checks if a downloaded blob exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// ValidateDimensions rejects decompression bombs: tiny files declaring huge canvases.
func (v *Validator) ValidateDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		slog.Error("security_dimensions_invalid", "width", width, "height", height)
		return fmt.Errorf("security: invalid dimensions %dx%d", width, height)
	}

	pixels := int64(width) * int64(height)
	if pixels > v.maxPixels {
		slog.Error("security_pixel_bomb_detected",
			"width", width,
			"height", height,
			"pixels", pixels,
			"max_pixels", v.maxPixels)
		return fmt.Errorf("security: %dx%d image has %d pixels, exceeds max %d",
			width, height, pixels, v.maxPixels)
	}

	return nil
}
