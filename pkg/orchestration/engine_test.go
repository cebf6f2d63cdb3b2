package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mathFlow doubles its input, then adds one.
type mathFlow struct {
	doubles atomic.Int32
	adds    atomic.Int32
	failAdd error
}

func (f *mathFlow) registry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterActivity("double", Activity(func(ctx context.Context, n int) (int, error) {
		f.doubles.Add(1)
		return n * 2, nil
	})))
	require.NoError(t, reg.RegisterActivity("add-one", Activity(func(ctx context.Context, n int) (int, error) {
		f.adds.Add(1)
		if f.failAdd != nil {
			return 0, f.failAdd
		}
		return n + 1, nil
	})))
	require.NoError(t, reg.RegisterWorkflow(Workflow{
		Name:  "math",
		Steps: []string{"double", "add-one"},
		Output: func(input json.RawMessage, results []json.RawMessage) (any, error) {
			return fmt.Sprintf("%s -> %s", input, results[len(results)-1]), nil
		},
	}))
	return reg
}

func waitFor(t *testing.T, e *Engine, id string) *Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return inst
}

func TestEngine_RunsWorkflowToCompletion(t *testing.T) {
	flow := &mathFlow{}
	e := NewEngine(NewMemoryStore(), flow.registry(t), WithWorkers(2))
	e.Start()
	defer e.Shutdown(context.Background())

	id, err := e.StartNew(context.Background(), "math", 3)
	require.NoError(t, err)

	inst := waitFor(t, e, id)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, 2, inst.CurrentStep)
	require.Len(t, inst.StepResults, 2)
	assert.JSONEq(t, `6`, string(inst.StepResults[0]))
	assert.JSONEq(t, `7`, string(inst.StepResults[1]))
	assert.JSONEq(t, `"3 -> 7"`, string(inst.Output))
	assert.Nil(t, inst.Failure)
}

func TestEngine_StartNewIsRunningAtStepZero(t *testing.T) {
	flow := &mathFlow{}
	e := NewEngine(NewMemoryStore(), flow.registry(t))

	id, err := e.StartNew(context.Background(), "math", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	inst, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, 0, inst.CurrentStep)
	assert.Empty(t, inst.StepResults)
	assert.Equal(t, int32(0), flow.doubles.Load(), "StartNew must not run steps itself")

	other, err := e.StartNew(context.Background(), "math", 3)
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestEngine_UnknownWorkflow(t *testing.T) {
	e := NewEngine(NewMemoryStore(), NewRegistry())

	_, err := e.StartNew(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownHandler)
	assert.Equal(t, errors.KindEngine, errors.KindOf(err))

	all, _ := e.List(context.Background())
	assert.Empty(t, all)
}

func TestEngine_StepsAdvanceOnePerTurn(t *testing.T) {
	flow := &mathFlow{}
	e := NewEngine(NewMemoryStore(), flow.registry(t))
	ctx := context.Background()

	id, err := e.StartNew(ctx, "math", 5)
	require.NoError(t, err)

	require.True(t, e.advance(ctx, id))
	inst, _ := e.Get(ctx, id)
	assert.Equal(t, 1, inst.CurrentStep)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.JSONEq(t, `10`, string(inst.NextInput()))

	require.True(t, e.advance(ctx, id))
	inst, _ = e.Get(ctx, id)
	assert.Equal(t, 2, inst.CurrentStep)
	assert.Equal(t, StatusRunning, inst.Status)

	require.False(t, e.advance(ctx, id))
	inst, _ = e.Get(ctx, id)
	assert.Equal(t, StatusCompleted, inst.Status)

	assert.False(t, e.advance(ctx, id), "terminal instances do not advance")
	assert.Equal(t, int32(1), flow.doubles.Load())
	assert.Equal(t, int32(1), flow.adds.Load())
}

func TestEngine_ActivityFailureFailsInstance(t *testing.T) {
	flow := &mathFlow{failAdd: errors.Newf(errors.KindSink, "add-one", "table locked")}
	e := NewEngine(NewMemoryStore(), flow.registry(t))
	e.Start()
	defer e.Shutdown(context.Background())

	id, err := e.StartNew(context.Background(), "math", 1)
	require.NoError(t, err)

	inst := waitFor(t, e, id)
	assert.Equal(t, StatusFailed, inst.Status)
	require.NotNil(t, inst.Failure)
	assert.Equal(t, errors.KindSink, inst.Failure.Kind)
	assert.Contains(t, inst.Failure.Message, "table locked")
	assert.Equal(t, 1, inst.CurrentStep, "the failed step has no result")
	assert.Equal(t, int32(1), flow.adds.Load(), "the engine does not retry")
}

func TestEngine_FirstStepFailureSkipsSecond(t *testing.T) {
	reg := NewRegistry()
	var second atomic.Int32
	require.NoError(t, reg.RegisterActivity("first", Activity(func(ctx context.Context, s string) (string, error) {
		return "", errors.Newf(errors.KindDecode, "first", "unsupported image format")
	})))
	require.NoError(t, reg.RegisterActivity("second", Activity(func(ctx context.Context, s string) (string, error) {
		second.Add(1)
		return s, nil
	})))
	require.NoError(t, reg.RegisterWorkflow(Workflow{Name: "flow", Steps: []string{"first", "second"}}))

	e := NewEngine(NewMemoryStore(), reg)
	e.Start()
	defer e.Shutdown(context.Background())

	id, err := e.StartNew(context.Background(), "flow", "corrupt.jpg")
	require.NoError(t, err)

	inst := waitFor(t, e, id)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Equal(t, errors.KindDecode, inst.Failure.Kind)
	assert.Equal(t, int32(0), second.Load())
}

func TestEngine_ResumeSkipsCompletedSteps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// A previous process finished step 0 and then died.
	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, &Instance{
		ID:          "resumed",
		Workflow:    "math",
		Input:       json.RawMessage(`3`),
		CurrentStep: 0,
		StepResults: []json.RawMessage{},
		Status:      StatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
	require.NoError(t, store.Checkpoint(ctx, &Instance{
		ID:          "resumed",
		Workflow:    "math",
		Input:       json.RawMessage(`3`),
		CurrentStep: 1,
		StepResults: []json.RawMessage{json.RawMessage(`6`)},
		Status:      StatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	flow := &mathFlow{}
	e := NewEngine(store, flow.registry(t))
	n, err := e.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e.Start()
	defer e.Shutdown(context.Background())

	inst := waitFor(t, e, "resumed")
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.JSONEq(t, `7`, string(inst.StepResults[1]))
	assert.Equal(t, int32(0), flow.doubles.Load(), "completed steps are not invoked again")
	assert.Equal(t, int32(1), flow.adds.Load())
}

func TestEngine_ResumeIgnoresTerminal(t *testing.T) {
	flow := &mathFlow{}
	e := NewEngine(NewMemoryStore(), flow.registry(t))
	ctx := context.Background()

	id, _ := e.StartNew(ctx, "math", 1)
	for e.advance(ctx, id) {
	}

	n, err := e.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// flakyStore fails the next checkpoint once.
type flakyStore struct {
	*MemoryStore
	failNext atomic.Bool
}

func (s *flakyStore) Checkpoint(ctx context.Context, inst *Instance) error {
	if s.failNext.CompareAndSwap(true, false) {
		return fmt.Errorf("disk full")
	}
	return s.MemoryStore.Checkpoint(ctx, inst)
}

func TestEngine_CheckpointFailureLeavesInstanceRunning(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	flow := &mathFlow{}
	e := NewEngine(store, flow.registry(t))
	ctx := context.Background()

	id, err := e.StartNew(ctx, "math", 2)
	require.NoError(t, err)

	store.failNext.Store(true)
	assert.False(t, e.advance(ctx, id))

	inst, _ := e.Get(ctx, id)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, 0, inst.CurrentStep)

	for e.advance(ctx, id) {
	}
	inst, _ = e.Get(ctx, id)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, int32(2), flow.doubles.Load(), "the uncheckpointed step runs again")
}

func TestEngine_CallActivity(t *testing.T) {
	flow := &mathFlow{}
	e := NewEngine(NewMemoryStore(), flow.registry(t))
	ctx := context.Background()

	id, err := e.StartNew(ctx, "math", 4)
	require.NoError(t, err)

	_, err = e.CallActivity(ctx, id, "add-one", json.RawMessage(`4`))
	assert.Equal(t, errors.KindEngine, errors.KindOf(err), "out of order activity")
	inst, _ := e.Get(ctx, id)
	assert.Equal(t, StatusRunning, inst.Status, "a rejected call does not fail the instance")

	out, err := e.CallActivity(ctx, id, "double", json.RawMessage(`4`))
	require.NoError(t, err)
	assert.JSONEq(t, `8`, string(out))

	inst, _ = e.Get(ctx, id)
	assert.Equal(t, 1, inst.CurrentStep)
	assert.Len(t, inst.StepResults, 1)

	_, err = e.CallActivity(ctx, "missing", "double", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_CallActivityResumesNextStep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Persisted by an earlier process and never resumed here.
	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, &Instance{
		ID:          "adopted",
		Workflow:    "math",
		Input:       json.RawMessage(`3`),
		StepResults: []json.RawMessage{},
		Status:      StatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	flow := &mathFlow{}
	e := NewEngine(store, flow.registry(t))
	e.Start()
	defer e.Shutdown(context.Background())

	out, err := e.CallActivity(ctx, "adopted", "double", json.RawMessage(`3`))
	require.NoError(t, err)
	assert.JSONEq(t, `6`, string(out))

	inst := waitFor(t, e, "adopted")
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.JSONEq(t, `7`, string(inst.StepResults[1]))
	assert.Equal(t, int32(1), flow.doubles.Load())
	assert.Equal(t, int32(1), flow.adds.Load())
}

func TestEngine_TerminalInstancesAreFinal(t *testing.T) {
	flow := &mathFlow{}
	e := NewEngine(NewMemoryStore(), flow.registry(t))
	ctx := context.Background()

	id, _ := e.StartNew(ctx, "math", 1)
	for e.advance(ctx, id) {
	}
	done, _ := e.Get(ctx, id)
	require.Equal(t, StatusCompleted, done.Status)

	_, err := e.CallActivity(ctx, id, "double", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrTerminal)

	assert.ErrorIs(t, e.Cancel(ctx, id), ErrTerminal)

	after, _ := e.Get(ctx, id)
	assert.Equal(t, done, after)
}

func TestEngine_CancelIdleInstance(t *testing.T) {
	flow := &mathFlow{}
	e := NewEngine(NewMemoryStore(), flow.registry(t))
	ctx := context.Background()

	id, _ := e.StartNew(ctx, "math", 1)
	require.NoError(t, e.Cancel(ctx, id))

	inst, _ := e.Get(ctx, id)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Equal(t, errors.KindCancelled, inst.Failure.Kind)

	assert.False(t, e.advance(ctx, id))
	assert.Equal(t, int32(0), flow.doubles.Load())
}

func blockingRegistry(t *testing.T, started chan<- string) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterActivity("block", Activity(func(ctx context.Context, s string) (string, error) {
		started <- s
		<-ctx.Done()
		return "", ctx.Err()
	})))
	require.NoError(t, reg.RegisterWorkflow(Workflow{Name: "slow", Steps: []string{"block"}}))
	return reg
}

func TestEngine_CancelInFlightStep(t *testing.T) {
	started := make(chan string, 1)
	e := NewEngine(NewMemoryStore(), blockingRegistry(t, started))
	e.Start()
	defer e.Shutdown(context.Background())

	id, err := e.StartNew(context.Background(), "slow", "x")
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Cancel(context.Background(), id))

	inst := waitFor(t, e, id)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Equal(t, errors.KindCancelled, inst.Failure.Kind)
}

func TestEngine_CancelOutlivesStubbornStep(t *testing.T) {
	store := NewMemoryStore()
	started := make(chan string, 1)
	reg := NewRegistry()
	require.NoError(t, reg.RegisterActivity("stubborn", Activity(func(ctx context.Context, s string) (string, error) {
		started <- s
		<-ctx.Done()
		return s + "!", nil
	})))
	require.NoError(t, reg.RegisterWorkflow(Workflow{Name: "slow", Steps: []string{"stubborn"}}))

	e := NewEngine(store, reg)
	e.Start()

	id, err := e.StartNew(context.Background(), "slow", "x")
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Cancel(context.Background(), id))

	inst, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status, "cancel is durable once it returns")
	assert.Equal(t, errors.KindCancelled, inst.Failure.Kind)

	require.NoError(t, e.Shutdown(context.Background()))

	next := NewEngine(store, reg)
	n, err := next.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngine_ShutdownIsNotCancellation(t *testing.T) {
	store := NewMemoryStore()
	started := make(chan string, 1)
	e := NewEngine(store, blockingRegistry(t, started))
	e.Start()

	id, err := e.StartNew(context.Background(), "slow", "x")
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	inst, _ := store.Get(context.Background(), id)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, 0, inst.CurrentStep)

	// A later process resumes it with a working activity.
	reg := NewRegistry()
	require.NoError(t, reg.RegisterActivity("block", Activity(func(ctx context.Context, s string) (string, error) {
		return s + "!", nil
	})))
	require.NoError(t, reg.RegisterWorkflow(Workflow{Name: "slow", Steps: []string{"block"}}))

	next := NewEngine(store, reg)
	n, err := next.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	next.Start()
	defer next.Shutdown(context.Background())

	inst = waitFor(t, next, id)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.JSONEq(t, `"x!"`, string(inst.Output))
}

func TestEngine_ManyInstancesConcurrently(t *testing.T) {
	flow := &mathFlow{}
	e := NewEngine(NewMemoryStore(), flow.registry(t), WithWorkers(4))
	e.Start()
	defer e.Shutdown(context.Background())

	const n = 25
	ids := make([]string, n)
	for i := range ids {
		id, err := e.StartNew(context.Background(), "math", i)
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			inst, err := e.Wait(context.Background(), id)
			if assert.NoError(t, err) {
				assert.Equal(t, StatusCompleted, inst.Status)
				assert.JSONEq(t, fmt.Sprintf("%d", i*2+1), string(inst.StepResults[1]))
			}
		}(i, id)
	}
	wg.Wait()

	assert.Equal(t, int32(n), flow.doubles.Load())
	assert.Equal(t, int32(n), flow.adds.Load())
}

func TestEngine_Fire(t *testing.T) {
	flow := &mathFlow{}
	reg := flow.registry(t)
	e := NewEngine(NewMemoryStore(), reg)

	var started string
	require.NoError(t, reg.RegisterTrigger("number", func(ctx context.Context, payload json.RawMessage) error {
		var n int
		if err := json.Unmarshal(payload, &n); err != nil {
			return err
		}
		id, err := e.StartNew(ctx, "math", n)
		started = id
		return err
	}))

	require.NoError(t, e.Fire(context.Background(), "number", json.RawMessage(`9`)))
	inst, err := e.Get(context.Background(), started)
	require.NoError(t, err)
	assert.JSONEq(t, `9`, string(inst.Input))

	err = e.Fire(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	flow := &mathFlow{}
	e := NewEngine(NewMemoryStore(), flow.registry(t), WithMetrics(m))
	ctx := context.Background()

	id, _ := e.StartNew(ctx, "math", 1)
	for e.advance(ctx, id) {
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.started.WithLabelValues("math")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("math", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("double", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("add-one", "ok")))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "collectors register once per registry")
}
