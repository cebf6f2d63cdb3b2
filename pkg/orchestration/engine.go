package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/google/uuid"
)

// Option configures an Engine
type Option func(*Engine)

// WithWorkers sets how many instances may execute a step concurrently
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMetrics attaches prometheus collectors
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPollInterval sets how often Wait re-reads the store, which catches
// instances finished by another process sharing the store.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// Engine runs workflow instances on a fixed pool of workers.
//
// Every step ends with a checkpoint. The engine never retries an activity:
// a failing activity fails its instance, while an interrupted step or a
// failed checkpoint leaves the instance Running at its last checkpoint so
// that Resume picks it up again.
type Engine struct {
	store        Store
	registry     *Registry
	workers      int
	metrics      *Metrics
	pollInterval time.Duration

	queue *runQueue
	locks *keyedMutex

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   bool
	stopped   bool
	active    map[string]context.CancelFunc
	cancelled map[string]bool
	waiters   map[string]map[chan struct{}]struct{}
}

// NewEngine creates an engine. Call Start to begin executing instances.
func NewEngine(store Store, registry *Registry, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:        store,
		registry:     registry,
		workers:      4,
		pollInterval: time.Second,
		queue:        newRunQueue(),
		locks:        newKeyedMutex(),
		ctx:          ctx,
		cancel:       cancel,
		stopCh:       make(chan struct{}),
		active:       make(map[string]context.CancelFunc),
		cancelled:    make(map[string]bool),
		waiters:      make(map[string]map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the handler registry
func (e *Engine) Registry() *Registry { return e.registry }

// Start launches the worker goroutines. It returns immediately.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running || e.stopped {
		return
	}
	e.running = true

	slog.Info("engine_starting", "workers", e.workers)
	for range e.workers {
		e.wg.Add(1)
		go e.work()
	}
}

// Shutdown stops the workers. Steps in flight are allowed to finish until
// ctx is done, after which they are cancelled. Interrupted instances stay
// Running and are picked up by a later Resume.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.stopped = true
		e.mu.Unlock()
		e.cancel()
		return nil
	}
	e.running = false
	e.stopped = true
	e.mu.Unlock()

	slog.Info("engine_stopping")
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("engine_stopped")
	case <-ctx.Done():
		slog.Warn("engine_shutdown_timeout", "pending", e.queue.len())
		e.cancel()
		<-done
	}
	e.cancel()
	return nil
}

func (e *Engine) work() {
	defer e.wg.Done()

	for {
		id, ok := e.queue.pop(e.stopCh)
		if !ok {
			return
		}
		e.metrics.queueLength(e.queue.len())

		more := e.advance(e.ctx, id)
		e.queue.done(id, more)
	}
}

// StartNew creates a Running instance of workflow at step 0 and schedules
// it. It returns without waiting for any step to run.
func (e *Engine) StartNew(ctx context.Context, workflow string, input any) (string, error) {
	if _, ok := e.registry.Workflow(workflow); !ok {
		return "", errors.E(errors.KindEngine, fmt.Errorf("workflow %q: %w", workflow, ErrUnknownHandler), "start")
	}

	data, err := json.Marshal(input)
	if err != nil {
		return "", errors.E(errors.KindEngine, err, "encode workflow input")
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:          uuid.NewString(),
		Workflow:    workflow,
		Input:       data,
		CurrentStep: 0,
		StepResults: []json.RawMessage{},
		Status:      StatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.store.Create(ctx, inst); err != nil {
		slog.Error("instance_create_failed", "workflow", workflow, "error", err)
		return "", errors.E(errors.KindEngine, err, "create instance")
	}

	e.metrics.instanceStarted(workflow)
	slog.Info("instance_started", "instance_id", inst.ID, "workflow", workflow)

	e.schedule(inst.ID)
	return inst.ID, nil
}

// Resume schedules every persisted Running instance. Each continues at its
// current step; completed steps are not invoked again.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	running, err := e.store.ListRunning(ctx)
	if err != nil {
		return 0, errors.E(errors.KindEngine, err, "list running instances")
	}

	n := 0
	for _, inst := range running {
		if e.schedule(inst.ID) {
			n++
			slog.Info("instance_resumed", "instance_id", inst.ID, "workflow", inst.Workflow, "step", inst.CurrentStep)
		}
	}
	slog.Info("engine_resume_complete", "running", len(running), "scheduled", n)
	return n, nil
}

func (e *Engine) schedule(id string) bool {
	ok := e.queue.push(id)
	e.metrics.queueLength(e.queue.len())
	return ok
}

// Get returns the stored instance
func (e *Engine) Get(ctx context.Context, id string) (*Instance, error) {
	return e.store.Get(ctx, id)
}

// List returns all stored instances, oldest first
func (e *Engine) List(ctx context.Context) ([]*Instance, error) {
	return e.store.List(ctx)
}

// CallActivity runs activity as the current step of instance id,
// checkpoints its result and schedules the instance's next step. The
// activity must be the workflow's step at the instance's current position.
func (e *Engine) CallActivity(ctx context.Context, id, activity string, input json.RawMessage) (json.RawMessage, error) {
	out, err := e.callActivityLocked(ctx, id, activity, input)
	if err != nil {
		return nil, err
	}
	e.schedule(id)
	return out, nil
}

func (e *Engine) callActivityLocked(ctx context.Context, id, activity string, input json.RawMessage) (json.RawMessage, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, errors.E(errors.KindEngine, err, "call activity")
	}
	wf, ok := e.registry.Workflow(inst.Workflow)
	if !ok {
		return nil, errors.E(errors.KindEngine, fmt.Errorf("workflow %q: %w", inst.Workflow, ErrUnknownHandler), "call activity")
	}
	return e.callActivity(ctx, inst, wf, activity, input)
}

// advance executes one step of the instance, or completes it once every
// step has a result. It reports whether the instance needs another turn.
func (e *Engine) advance(ctx context.Context, id string) bool {
	unlock := e.locks.lock(id)
	defer unlock()

	inst, err := e.store.Get(ctx, id)
	if err != nil {
		slog.Error("instance_load_failed", "instance_id", id, "error", err)
		return false
	}
	if inst.Status.Terminal() {
		return false
	}

	if e.cancelRequested(id) {
		e.fail(ctx, inst, errors.Newf(errors.KindCancelled, "cancel", "instance %s cancelled", id))
		return false
	}

	wf, ok := e.registry.Workflow(inst.Workflow)
	if !ok {
		e.fail(ctx, inst, errors.Newf(errors.KindEngine, "advance", "workflow %q is not registered", inst.Workflow))
		return false
	}

	if inst.CurrentStep < len(wf.Steps) {
		_, err := e.callActivity(ctx, inst, wf, wf.Steps[inst.CurrentStep], inst.NextInput())
		return err == nil
	}

	e.complete(ctx, inst, wf)
	return false
}

// callActivity requires the instance lock to be held.
func (e *Engine) callActivity(ctx context.Context, inst *Instance, wf *Workflow, activity string, input json.RawMessage) (json.RawMessage, error) {
	if inst.Status.Terminal() {
		return nil, errors.E(errors.KindEngine, fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, ErrTerminal), "call activity")
	}
	if inst.CurrentStep >= len(wf.Steps) || wf.Steps[inst.CurrentStep] != activity {
		return nil, errors.Newf(errors.KindEngine, "call activity",
			"activity %q is not step %d of workflow %q", activity, inst.CurrentStep, wf.Name)
	}

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(inst.ID, cancel)

	slog.Info("activity_start", "instance_id", inst.ID, "activity", activity, "step", inst.CurrentStep)
	start := time.Now()
	out, err := e.registry.Invoke(stepCtx, activity, input)
	elapsed := time.Since(start)

	e.untrack(inst.ID)
	e.metrics.activityCalled(activity, elapsed, err)

	// Store writes below must land even when ctx was cancelled.
	writeCtx := context.WithoutCancel(ctx)

	if err != nil {
		switch {
		case e.cancelRequested(inst.ID):
			err = errors.E(errors.KindCancelled, err, "activity "+activity)
			e.fail(writeCtx, inst, err)
		case ctx.Err() != nil:
			slog.Warn("activity_interrupted", "instance_id", inst.ID, "activity", activity, "error", err)
			err = errors.E(errors.KindEngine, err, "activity "+activity+" interrupted")
		default:
			slog.Error("activity_failed", "instance_id", inst.ID, "activity", activity, "error", err)
			e.fail(writeCtx, inst, err)
		}
		return nil, err
	}
	if out == nil {
		out = json.RawMessage("null")
	}

	next := inst.clone()
	next.StepResults = append(next.StepResults, out)
	next.CurrentStep++
	next.UpdatedAt = time.Now().UTC()

	if err := e.store.Checkpoint(writeCtx, next); err != nil {
		slog.Error("checkpoint_failed", "instance_id", inst.ID, "step", inst.CurrentStep, "error", err)
		return nil, errors.E(errors.KindEngine, err, "checkpoint "+inst.ID)
	}

	slog.Info("activity_complete",
		"instance_id", inst.ID,
		"activity", activity,
		"step", inst.CurrentStep,
		"duration_ms", elapsed.Milliseconds(),
	)
	return out, nil
}

func (e *Engine) complete(ctx context.Context, inst *Instance, wf *Workflow) {
	var output any
	if len(inst.StepResults) > 0 {
		output = inst.StepResults[len(inst.StepResults)-1]
	}
	if wf.Output != nil {
		var err error
		if output, err = wf.Output(inst.Input, inst.StepResults); err != nil {
			e.fail(ctx, inst, err)
			return
		}
	}

	data, err := json.Marshal(output)
	if err != nil {
		e.fail(ctx, inst, errors.Wrap(err, "encode workflow output"))
		return
	}

	next := inst.clone()
	next.Status = StatusCompleted
	next.Output = data
	next.UpdatedAt = time.Now().UTC()

	if err := e.store.Checkpoint(ctx, next); err != nil {
		slog.Error("checkpoint_failed", "instance_id", inst.ID, "status", StatusCompleted, "error", err)
		return
	}

	slog.Info("instance_completed", "instance_id", inst.ID, "workflow", inst.Workflow, "output", string(data))
	e.finished(next)
}

func (e *Engine) fail(ctx context.Context, inst *Instance, cause error) error {
	next := inst.clone()
	next.Status = StatusFailed
	next.Failure = &Failure{Kind: errors.KindOf(cause), Message: cause.Error()}
	next.UpdatedAt = time.Now().UTC()

	if err := e.store.Checkpoint(ctx, next); err != nil {
		slog.Error("checkpoint_failed", "instance_id", inst.ID, "status", StatusFailed, "error", err)
		return errors.E(errors.KindEngine, err, "checkpoint "+inst.ID)
	}

	slog.Warn("instance_failed",
		"instance_id", inst.ID,
		"workflow", inst.Workflow,
		"step", inst.CurrentStep,
		"kind", next.Failure.Kind,
		"error", next.Failure.Message,
	)
	e.finished(next)
	return nil
}

func (e *Engine) finished(inst *Instance) {
	e.metrics.instanceFinished(inst.Workflow, inst.Status)

	e.mu.Lock()
	delete(e.cancelled, inst.ID)
	for ch := range e.waiters[inst.ID] {
		close(ch)
	}
	delete(e.waiters, inst.ID)
	e.mu.Unlock()
}

// Wait blocks until the instance is Completed or Failed and returns it.
func (e *Engine) Wait(ctx context.Context, id string) (*Instance, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		ch := e.subscribe(id)

		inst, err := e.store.Get(ctx, id)
		if err != nil {
			e.unsubscribe(id, ch)
			return nil, err
		}
		if inst.Status.Terminal() {
			e.unsubscribe(id, ch)
			return inst, nil
		}

		select {
		case <-ch:
		case <-ticker.C:
			e.unsubscribe(id, ch)
		case <-ctx.Done():
			e.unsubscribe(id, ch)
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) subscribe(id string) chan struct{} {
	ch := make(chan struct{})
	e.mu.Lock()
	if e.waiters[id] == nil {
		e.waiters[id] = make(map[chan struct{}]struct{})
	}
	e.waiters[id][ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

func (e *Engine) unsubscribe(id string, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.waiters[id]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(e.waiters, id)
		}
	}
}

// Cancel fails a Running instance with kind cancelled. A step in flight
// has its context cancelled and Cancel waits for it to return; a result it
// still produced is discarded. Once Cancel returns nil the instance is
// Failed in the store.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("instance %s is %s: %w", id, inst.Status, ErrTerminal)
	}

	e.mu.Lock()
	e.cancelled[id] = true
	stop, inFlight := e.active[id]
	e.mu.Unlock()

	slog.Info("instance_cancel_requested", "instance_id", id, "in_flight", inFlight)
	if inFlight {
		stop()
	}

	unlock := e.locks.lock(id)
	defer unlock()

	// The step may have failed the instance or checkpointed a result while
	// we waited for the lock.
	inst, err = e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		e.mu.Lock()
		delete(e.cancelled, id)
		e.mu.Unlock()
		return nil
	}
	return e.fail(ctx, inst, errors.Newf(errors.KindCancelled, "cancel", "instance %s cancelled", id))
}

// Fire dispatches an event payload to a registered trigger handler
func (e *Engine) Fire(ctx context.Context, trigger string, payload json.RawMessage) error {
	fn, ok := e.registry.Trigger(trigger)
	if !ok {
		return errors.E(errors.KindEngine, fmt.Errorf("trigger %q: %w", trigger, ErrUnknownHandler), "fire")
	}
	slog.Debug("trigger_fired", "trigger", trigger)
	return fn(ctx, payload)
}

func (e *Engine) track(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func (e *Engine) cancelRequested(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[id]
}
