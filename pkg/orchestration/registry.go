package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fly-io/imagemeta/pkg/errors"
)

// HandlerKind tags an entry in the registry
type HandlerKind string

const (
	KindTrigger       HandlerKind = "trigger"
	KindActivity      HandlerKind = "activity"
	KindOrchestration HandlerKind = "orchestration"
)

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrUnknownHandler   = errors.New("handler not registered")
)

// ActivityFunc is a type-erased activity taking and returning JSON
type ActivityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// TriggerFunc handles an external event payload
type TriggerFunc func(ctx context.Context, payload json.RawMessage) error

// Workflow is a fixed sequence of activities run in order.
// Output builds the terminal result from the instance input and the step
// results; when nil the last step result is used.
type Workflow struct {
	Name   string
	Steps  []string
	Output func(input json.RawMessage, results []json.RawMessage) (any, error)
}

// ActivityInvoker runs a registered activity by name
type ActivityInvoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// Activity adapts a typed function into an ActivityFunc by decoding the
// input into I and encoding the returned O.
func Activity[I, O any](fn func(ctx context.Context, in I) (O, error)) ActivityFunc {
	return func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.Wrap(err, "decode activity input")
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, errors.Wrap(err, "encode activity output")
		}
		return data, nil
	}
}

// Registry maps handler names to triggers, activities and workflows.
// Names are unique across all kinds. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	kinds      map[string]HandlerKind
	activities map[string]ActivityFunc
	triggers   map[string]TriggerFunc
	workflows  map[string]*Workflow
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		kinds:      make(map[string]HandlerKind),
		activities: make(map[string]ActivityFunc),
		triggers:   make(map[string]TriggerFunc),
		workflows:  make(map[string]*Workflow),
	}
}

func (r *Registry) claim(name string, kind HandlerKind) error {
	if name == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	if existing, ok := r.kinds[name]; ok {
		return fmt.Errorf("%q is already registered as %s: %w", name, existing, ErrDuplicateHandler)
	}
	r.kinds[name] = kind
	return nil
}

// RegisterActivity adds a named activity
func (r *Registry) RegisterActivity(name string, fn ActivityFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.claim(name, KindActivity); err != nil {
		return err
	}
	r.activities[name] = fn
	slog.Debug("handler_registered", "name", name, "kind", KindActivity)
	return nil
}

// RegisterTrigger adds a named trigger handler
func (r *Registry) RegisterTrigger(name string, fn TriggerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.claim(name, KindTrigger); err != nil {
		return err
	}
	r.triggers[name] = fn
	slog.Debug("handler_registered", "name", name, "kind", KindTrigger)
	return nil
}

// RegisterWorkflow adds a workflow. Every step must name an activity that
// is already registered.
func (r *Registry) RegisterWorkflow(wf Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", wf.Name)
	}
	for _, step := range wf.Steps {
		if _, ok := r.activities[step]; !ok {
			return fmt.Errorf("workflow %q step %q: %w", wf.Name, step, ErrUnknownHandler)
		}
	}
	if err := r.claim(wf.Name, KindOrchestration); err != nil {
		return err
	}
	wf.Steps = append([]string(nil), wf.Steps...)
	r.workflows[wf.Name] = &wf
	slog.Debug("handler_registered", "name", wf.Name, "kind", KindOrchestration, "steps", len(wf.Steps))
	return nil
}

// Kind returns the kind a name is registered as
func (r *Registry) Kind(name string) (HandlerKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Workflow looks up a workflow by name
func (r *Registry) Workflow(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	return wf, ok
}

// Trigger looks up a trigger handler by name
func (r *Registry) Trigger(name string) (TriggerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.triggers[name]
	return fn, ok
}

// Invoke runs the named activity. A panic inside the activity is returned
// as an error.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (out json.RawMessage, err error) {
	r.mu.RLock()
	fn, ok := r.activities[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.E(errors.KindEngine, fmt.Errorf("activity %q: %w", name, ErrUnknownHandler), "invoke")
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("activity_panicked", "activity", name, "panic", p)
			out, err = nil, fmt.Errorf("activity %q panicked: %v", name, p)
		}
	}()
	return fn(ctx, input)
}
