package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fly-io/imagemeta/pkg/errors"
)

var (
	ErrNotFound       = errors.New("instance not found")
	ErrExists         = errors.New("instance already exists")
	ErrTerminal       = errors.New("instance is terminal")
	ErrStepRegression = errors.New("checkpoint moves current step backwards")
)

// Store persists instance records.
// Checkpoint replaces the stored record atomically and must reject writes
// to terminal instances and writes that move the current step backwards.
type Store interface {
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	Checkpoint(ctx context.Context, inst *Instance) error
	List(ctx context.Context) ([]*Instance, error)
	ListRunning(ctx context.Context) ([]*Instance, error)
}

// MemoryStore keeps instances in memory. Used in tests and one-shot runs.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	if err := inst.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrExists)
	}
	s.instances[inst.ID] = inst.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst.clone(), nil
}

func (s *MemoryStore) Checkpoint(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.instances[inst.ID]
	if !ok {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrNotFound)
	}
	if err := checkTransition(prev, inst); err != nil {
		return err
	}
	s.instances[inst.ID] = inst.clone()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Instance, error) {
	return s.filter(func(*Instance) bool { return true }), nil
}

func (s *MemoryStore) ListRunning(ctx context.Context) ([]*Instance, error) {
	return s.filter(func(i *Instance) bool { return i.Status == StatusRunning }), nil
}

func (s *MemoryStore) filter(keep func(*Instance) bool) []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Instance
	for _, inst := range s.instances {
		if keep(inst) {
			out = append(out, inst.clone())
		}
	}
	sortInstances(out)
	return out
}

// sortInstances orders oldest first so that resumed work keeps arrival order.
func sortInstances(list []*Instance) {
	sort.Slice(list, func(a, b int) bool {
		if list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].ID < list[b].ID
		}
		return list[a].CreatedAt.Before(list[b].CreatedAt)
	})
}
