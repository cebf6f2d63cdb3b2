// Package pipeline wires the image metadata workflow: a blob-upload trigger
// starts process-image, which runs extract-metadata then store-metadata.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fly-io/imagemeta/pkg/gateway"
	"github.com/fly-io/imagemeta/pkg/imagemeta"
	"github.com/fly-io/imagemeta/pkg/orchestration"
)

const (
	WorkflowProcessImage    = "process-image"
	ActivityExtractMetadata = "extract-metadata"
	ActivityStoreMetadata   = "store-metadata"
	TriggerBlobUpload       = "blob-upload"
)

// Extractor reads metadata for a named blob
type Extractor interface {
	Extract(ctx context.Context, name string) (imagemeta.Metadata, error)
}

// Sink persists a metadata record and echoes it back
type Sink interface {
	Store(ctx context.Context, m imagemeta.Metadata) (imagemeta.Metadata, error)
}

// Register adds the activities, the workflow and the trigger to the
// engine's registry. The trigger starts instances on the engine.
func Register(engine *orchestration.Engine, extractor Extractor, sink Sink) (*gateway.Gateway, error) {
	reg := engine.Registry()

	if err := reg.RegisterActivity(ActivityExtractMetadata, orchestration.Activity(extractor.Extract)); err != nil {
		return nil, err
	}
	if err := reg.RegisterActivity(ActivityStoreMetadata, orchestration.Activity(sink.Store)); err != nil {
		return nil, err
	}

	err := reg.RegisterWorkflow(orchestration.Workflow{
		Name:   WorkflowProcessImage,
		Steps:  []string{ActivityExtractMetadata, ActivityStoreMetadata},
		Output: completion,
	})
	if err != nil {
		return nil, err
	}

	gw := gateway.New(engine, WorkflowProcessImage, nil)
	if err := reg.RegisterTrigger(TriggerBlobUpload, gw.Handle); err != nil {
		return nil, err
	}
	return gw, nil
}

func completion(input json.RawMessage, _ []json.RawMessage) (any, error) {
	var name string
	if err := json.Unmarshal(input, &name); err != nil {
		return nil, fmt.Errorf("decode workflow input: %w", err)
	}
	return CompletionMessage(name), nil
}

// CompletionMessage is the output of a completed process-image instance
func CompletionMessage(name string) string {
	return fmt.Sprintf("Image '%s' processed successfully.", name)
}

// FireUpload sends an upload event through the registered trigger
func FireUpload(ctx context.Context, engine *orchestration.Engine, ev gateway.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return engine.Fire(ctx, TriggerBlobUpload, payload)
}
