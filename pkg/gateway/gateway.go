// Package gateway turns blob-upload events into workflow instances.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/fly-io/imagemeta/pkg/errors"
)

// SupportedExtensions are the image suffixes that start a workflow.
// Matching is case-insensitive.
var SupportedExtensions = []string{".jpg", ".jpeg", ".png", ".gif"}

// Event is an upload notification from the blob store
type Event struct {
	ResourceIdentifier string `json:"resource_identifier"`
	SizeBytes          int64  `json:"size_bytes"`
}

// Starter starts workflow instances
type Starter interface {
	StartNew(ctx context.Context, workflow string, input any) (string, error)
}

// Gateway filters events and starts one instance per accepted event
type Gateway struct {
	starter  Starter
	workflow string
	logger   *slog.Logger
}

// New creates a gateway starting workflow on starter. A nil logger uses slog.Default.
func New(starter Starter, workflow string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		starter:  starter,
		workflow: workflow,
		logger:   logger,
	}
}

// OnEvent starts a workflow for an event naming a supported image. Other
// events are logged and ignored: started is false and err is nil.
// Events are not deduplicated.
func (g *Gateway) OnEvent(ctx context.Context, ev Event) (id string, started bool, err error) {
	g.logger.Info("blob_trigger_received",
		"resource_identifier", ev.ResourceIdentifier,
		"size_bytes", ev.SizeBytes,
	)

	name := ShortName(ev.ResourceIdentifier)
	if !IsSupported(name) {
		g.logger.Warn("blob_trigger_ignored", "name", name, "reason", "unsupported extension")
		return "", false, nil
	}

	g.logger.Info("blob_trigger_accepted", "name", name, "size_bytes", ev.SizeBytes)

	id, err = g.starter.StartNew(ctx, g.workflow, name)
	if err != nil {
		g.logger.Error("blob_trigger_start_failed", "name", name, "error", err)
		return "", false, errors.Wrap(err, "failed to start workflow for "+name)
	}

	g.logger.Info("blob_trigger_started", "instance_id", id, "name", name, "workflow", g.workflow)
	return id, true, nil
}

// Handle adapts the gateway to a trigger handler taking a JSON Event
func (g *Gateway) Handle(ctx context.Context, payload json.RawMessage) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		g.logger.Warn("blob_trigger_bad_payload", "error", err)
		return errors.E(errors.KindValidation, err, "decode event")
	}
	_, _, err := g.OnEvent(ctx, ev)
	return err
}

// ShortName returns the last path segment of a resource identifier
func ShortName(identifier string) string {
	if i := strings.LastIndex(identifier, "/"); i >= 0 {
		return identifier[i+1:]
	}
	return identifier
}

// IsSupported reports whether name ends in a supported image extension
func IsSupported(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range SupportedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
