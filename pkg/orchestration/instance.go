// Package orchestration is a small durable workflow engine. A workflow is a
// fixed sequence of named activities; each instance records the result of
// every completed step so that a restarted process resumes at the first
// step that has not run yet.
package orchestration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fly-io/imagemeta/pkg/errors"
)

// Status is the lifecycle state of an instance.
// Running moves to Completed or Failed, never back.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) valid() bool {
	return s == StatusRunning || s.Terminal()
}

// Failure is the recorded cause of a failed instance
type Failure struct {
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Instance is the durable record of one workflow run
type Instance struct {
	ID          string            `json:"id"`
	Workflow    string            `json:"workflow"`
	Input       json.RawMessage   `json:"input"`
	CurrentStep int               `json:"current_step"`
	StepResults []json.RawMessage `json:"step_results"`
	Status      Status            `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Failure     *Failure          `json:"failure,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NextInput returns the input for the current step: the instance input for
// the first step, otherwise the previous step's result.
func (i *Instance) NextInput() json.RawMessage {
	if i.CurrentStep == 0 || len(i.StepResults) == 0 {
		return i.Input
	}
	return i.StepResults[len(i.StepResults)-1]
}

func (i *Instance) clone() *Instance {
	c := *i
	c.Input = append(json.RawMessage(nil), i.Input...)
	c.Output = append(json.RawMessage(nil), i.Output...)
	c.StepResults = make([]json.RawMessage, len(i.StepResults))
	for n, r := range i.StepResults {
		c.StepResults[n] = append(json.RawMessage(nil), r...)
	}
	if i.Failure != nil {
		f := *i.Failure
		c.Failure = &f
	}
	return &c
}

func (i *Instance) validate() error {
	if i.ID == "" {
		return fmt.Errorf("instance id is required")
	}
	if !i.Status.valid() {
		return fmt.Errorf("instance %s has unknown status %q", i.ID, i.Status)
	}
	if i.CurrentStep < 0 || i.CurrentStep != len(i.StepResults) {
		return fmt.Errorf("instance %s: current step %d does not match %d step results",
			i.ID, i.CurrentStep, len(i.StepResults))
	}
	if i.Status == StatusFailed && i.Failure == nil {
		return fmt.Errorf("instance %s: failed without a recorded failure", i.ID)
	}
	return nil
}

// checkTransition enforces the checkpoint rules shared by all stores.
func checkTransition(prev, next *Instance) error {
	if err := next.validate(); err != nil {
		return err
	}
	if prev.Status.Terminal() {
		return fmt.Errorf("instance %s is %s: %w", prev.ID, prev.Status, ErrTerminal)
	}
	if next.CurrentStep < prev.CurrentStep {
		return fmt.Errorf("instance %s: step %d -> %d: %w", prev.ID, prev.CurrentStep, next.CurrentStep, ErrStepRegression)
	}
	return nil
}
