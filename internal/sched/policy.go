// Package sched provides the scheduling policies a context pushes ready
// tasks into and its workers pop from.
//
// # Composition
//
// A policy is a tree of Components. Leaves own queues (Eager, WorkStealing);
// inner nodes decide placement and forward to a child (BestImpl). Every node
// exposes the same push/pop pair, so layering best-implementation selection
// on top of work stealing needs no change to either.
//
// # Concurrency
//
// Push and Pop may be called concurrently from any worker goroutine; each
// component guards its own queues. AddWorkers and RemoveWorkers are called
// by the owning scheduling context with its membership lock held for
// writing, so they never race with Push or Pop on the same context.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/specialistvlad/gridrt/internal/perfmodel"
	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/worker"
)

// ErrNoEligibleWorker is returned by a push when no member worker has an
// architecture the task's codelet can run on.
var ErrNoEligibleWorker = errors.New("no eligible worker for task")

// Component is one node of a policy tree.
type Component interface {
	// Push queues a ready task.
	Push(t *task.Task) error
	// PushPrio queues a ready task ahead of normal ones.
	PushPrio(t *task.Task) error
	// Pop returns the next task w should run, or nil.
	Pop(w *worker.Worker) *task.Task
	// AddWorkers makes workers available for placement.
	AddWorkers(ws ...*worker.Worker)
	// RemoveWorkers withdraws workers. Tasks that no remaining worker can
	// run are removed and returned; all others stay queued.
	RemoveWorkers(ids ...int) []*task.Task
	// Len returns the number of queued tasks.
	Len() int
}

// Policy is the root of a policy tree as seen by a scheduling context.
type Policy interface {
	Component
	// Name is the registry name of the policy.
	Name() string
	// Init is called once when the owning context is created.
	Init(ctx context.Context)
	// Deinit drains the policy and returns every task still queued.
	Deinit(ctx context.Context) []*task.Task
	// PopEvery removes and returns every queued task w could run.
	PopEvery(w *worker.Worker) []*task.Task
	// PostExec is called after a task popped from this policy finished.
	PostExec(t *task.Task, w *worker.Worker, elapsed time.Duration)
}

// loader is implemented by components that can report per-worker load.
type loader interface {
	Load(workerID int) int
}

// Env carries the collaborators policies may consult.
type Env struct {
	Model perfmodel.Model
}

// Names lists the registered policy names.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var registry = map[string]func(Env) Policy{
	"eager":           func(Env) Policy { return NewEager(true) },
	"eager-noprio":    func(Env) Policy { return NewEager(false) },
	"ws":              func(Env) Policy { return NewWorkStealing(false) },
	"lws":             func(Env) Policy { return NewWorkStealing(true) },
	"best-impl":       func(env Env) Policy { return NewBestImpl("best-impl", env.Model, NewWorkStealing(false)) },
	"best-impl-eager": func(env Env) Policy { return NewBestImpl("best-impl-eager", env.Model, NewEager(true)) },
}

// New builds the policy registered under name.
func New(name string, env Env) (Policy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown scheduling policy %q (known: %v)", name, Names())
	}
	return f(env), nil
}

// runnable reports whether w may run t: its arch is supported and the task
// is not pinned to another present worker.
func runnable(t *task.Task, w *worker.Worker, present func(int) bool) bool {
	if !t.Codelet.CanRunOn(w.Arch) {
		return false
	}
	if t.TargetWorker >= 0 && t.TargetWorker != w.ID && present(t.TargetWorker) {
		return false
	}
	return true
}
