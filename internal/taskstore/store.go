// Package taskstore holds the mutable outcome of tasks: status and error,
// keyed by task id.
//
// Structure (codelets, buffers, predictions) lives on the task itself; this
// store only keeps what callers query after the fact, so it can outlive the
// task objects and be swapped for another backend.
package taskstore

import (
	"context"
	"sync"

	"github.com/specialistvlad/gridrt/internal/task"
)

// Store is the interface for task outcome state.
//
// Implementations MUST be safe for concurrent use: every worker goroutine
// records outcomes while submitters query them.
type Store interface {
	// SetStatus records the status of a task.
	SetStatus(ctx context.Context, id string, status task.Status) error
	// GetStatus returns the status of a task, StatusPending if unknown.
	GetStatus(ctx context.Context, id string) (task.Status, error)
	// SetError records the failure of a task.
	SetError(ctx context.Context, id string, err error) error
	// GetError returns the recorded failure of a task, or nil.
	GetError(ctx context.Context, id string) (error, error)
	// Counts returns the number of tasks per status.
	Counts(ctx context.Context) map[task.Status]int
}

// Memory is an in-memory Store using sync.Map: keys are written once per
// state change and read concurrently, which is the pattern sync.Map is
// built for.
type Memory struct {
	states sync.Map // task id -> task.Status
	errors sync.Map // task id -> error
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{}
}

// SetStatus implements Store.
func (s *Memory) SetStatus(ctx context.Context, id string, status task.Status) error {
	s.states.Store(id, status)
	return nil
}

// GetStatus implements Store.
func (s *Memory) GetStatus(ctx context.Context, id string) (task.Status, error) {
	status, ok := s.states.Load(id)
	if !ok {
		return task.StatusPending, nil
	}
	return status.(task.Status), nil
}

// SetError implements Store.
func (s *Memory) SetError(ctx context.Context, id string, taskErr error) error {
	s.errors.Store(id, taskErr)
	return nil
}

// GetError implements Store.
func (s *Memory) GetError(ctx context.Context, id string) (error, error) {
	err, ok := s.errors.Load(id)
	if !ok {
		return nil, nil
	}
	return err.(error), nil
}

// Counts implements Store.
func (s *Memory) Counts(ctx context.Context) map[task.Status]int {
	out := make(map[task.Status]int)
	s.states.Range(func(_, v any) bool {
		out[v.(task.Status)]++
		return true
	})
	return out
}
