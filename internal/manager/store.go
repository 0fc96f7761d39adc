package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
)

// ErrTaskParameterMismatch is returned by TaskStore.Upsert when a task id
// already names a task whose parameters disagree with the one being
// provisioned (spec.md Section 4.1: "re-provisioning under different
// parameters is an error, not a silent overwrite").
var ErrTaskParameterMismatch = errors.New("task already exists with different parameters")

// TaskStore is the external-datastore collaborator a local DAP aggregator
// uses to persist tasks (spec.md Section 3 treats this as a black box;
// here it is an explicit interface so the Manager's provisioning logic
// does not depend on any one backing store). Upsert is idempotent: calling
// it twice with identical parameters for the same task id succeeds both
// times and leaves exactly one stored task.
type TaskStore interface {
	// Upsert stores task if its id is unused. If the id is already used,
	// it compares the stored task's provisioning-relevant fields against
	// task via AggregatorTask.EqualParameters: equal parameters succeed
	// as a no-op, unequal parameters return ErrTaskParameterMismatch.
	Upsert(ctx context.Context, task AggregatorTask) error

	// Get returns the stored task for id, or ok=false if none exists.
	Get(ctx context.Context, id dap.TaskId) (task AggregatorTask, ok bool, err error)
}

// InMemoryTaskStore is a TaskStore backed by a mutex-guarded map, standing
// in for the local aggregator's real datastore (spec.md Section 9 notes
// the real deployment's datastore is Janus's own Postgres store — entirely
// outside this module's scope).
type InMemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[dap.TaskId]AggregatorTask
}

// NewInMemoryTaskStore returns an empty InMemoryTaskStore.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{tasks: make(map[dap.TaskId]AggregatorTask)}
}

// Upsert implements TaskStore.
func (s *InMemoryTaskStore) Upsert(ctx context.Context, task AggregatorTask) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[task.ID]
	if !ok {
		s.tasks[task.ID] = task
		return nil
	}
	if !existing.EqualParameters(task) {
		return fmt.Errorf("upsert task %s: %w", task.ID, ErrTaskParameterMismatch)
	}
	return nil
}

// Get implements TaskStore.
func (s *InMemoryTaskStore) Get(ctx context.Context, id dap.TaskId) (AggregatorTask, bool, error) {
	if err := ctx.Err(); err != nil {
		return AggregatorTask{}, false, fmt.Errorf("get task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	return task, ok, nil
}
