// Package deps turns data dependencies into readiness.
//
// A submitted task registers one request set covering all of its buffers.
// The coherence manager grants the set all-or-nothing, in arrival order on
// every shared handle; the grant callback marks the task Ready and hands it
// to the scheduler. Completing a task releases the set, which grants
// whatever it was blocking.
package deps

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/specialistvlad/gridrt/internal/coherence"
	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/taskstore"
	"github.com/specialistvlad/gridrt/internal/trace"
)

var (
	// ErrCancelled is the error of a task withdrawn by Cancel.
	ErrCancelled = errors.New("task cancelled")
	// ErrNotCancellable is returned by Cancel once the task's data has been
	// granted.
	ErrNotCancellable = errors.New("task already holds its data")
	// ErrNoImplementation is returned for a task whose codelet has no
	// implementation.
	ErrNoImplementation = errors.New("codelet has no implementation")
)

// Tracker owns the path from submission to readiness and from completion to
// release.
type Tracker struct {
	coh   *coherence.Manager
	store taskstore.Store
	sink  trace.Sink

	mu       sync.Mutex
	inflight int
	idle     chan struct{}
}

// New creates a tracker.
func New(coh *coherence.Manager, store taskstore.Store, sink trace.Sink) *Tracker {
	if sink == nil {
		sink = trace.Nop{}
	}
	idle := make(chan struct{})
	close(idle)
	return &Tracker{coh: coh, store: store, sink: sink, idle: idle}
}

// Submit registers t as a consumer of its buffers. push is called with the
// task once its request set is granted, possibly before Submit returns and
// possibly from the goroutine that completed a blocking task.
func (tr *Tracker) Submit(ctx context.Context, t *task.Task, push func(*task.Task)) error {
	if t.Codelet == nil || len(t.Codelet.Impls) == 0 {
		return fmt.Errorf("submit %s: %w", t, ErrNoImplementation)
	}
	if err := t.Transition(task.Created, task.BlockedOnData); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	_ = tr.store.SetStatus(ctx, t.ID, task.StatusPending)
	tr.add()
	tr.emit(trace.TaskSubmitted, t)

	tk, err := tr.coh.RequestSet(ctx, t.Requests(), t.Prio(), func(tk *coherence.Ticket) {
		t.SetTicket(tk)
		if err := t.Transition(task.BlockedOnData, task.Ready); err != nil {
			// Only Cancel competes for this edge, and it cannot win once the
			// set is granted.
			panic(err)
		}
		tr.emit(trace.TaskReady, t)
		push(t)
	})
	if err != nil {
		_ = t.Transition(task.BlockedOnData, task.Done)
		tr.finish(ctx, t, task.StatusFailed, err)
		return fmt.Errorf("submit %s: %w", t, err)
	}
	if t.Ticket() == nil {
		t.SetTicket(tk)
	}
	ctxlog.FromContext(ctx).Debug("Task submitted.", "task", t.ID, "buffers", len(t.Buffers), "granted", tk.Granted())
	return nil
}

// Complete releases the task's data and records its outcome.
func (tr *Tracker) Complete(ctx context.Context, t *task.Task, err error) {
	if tk := t.Ticket(); tk != nil && tk.Granted() {
		if rerr := tr.coh.ReleaseTicket(tk); rerr != nil {
			ctxlog.FromContext(ctx).Error("Failed to release task data.", "task", t.ID, "error", rerr)
		}
	}
	if s := t.State(); s != task.Done && s != task.Cancelled {
		_ = t.Transition(s, task.Done)
	}
	status := task.StatusCompleted
	if err != nil {
		status = task.StatusFailed
	}
	tr.finish(ctx, t, status, err)
}

// Cancel withdraws a task whose data has not been granted yet.
func (tr *Tracker) Cancel(ctx context.Context, t *task.Task) error {
	tk := t.Ticket()
	if tk == nil {
		return fmt.Errorf("cancel %s: not submitted", t)
	}
	if err := tr.coh.Cancel(tk); err != nil {
		if errors.Is(err, coherence.ErrGranted) {
			return fmt.Errorf("cancel %s: %w", t, ErrNotCancellable)
		}
		return err
	}
	if err := t.Transition(task.BlockedOnData, task.Cancelled); err != nil {
		return err
	}
	tr.finish(ctx, t, task.StatusCancelled, ErrCancelled)
	return nil
}

func (tr *Tracker) finish(ctx context.Context, t *task.Task, status task.Status, err error) {
	_ = tr.store.SetStatus(ctx, t.ID, status)
	kind := trace.TaskDone
	if err != nil {
		_ = tr.store.SetError(ctx, t.ID, err)
		kind = trace.TaskFailed
	}
	t.Finish(err)
	tr.emit(kind, t)
	tr.sub()
}

// Wait blocks until t has finished and returns its error.
func (tr *Tracker) Wait(ctx context.Context, t *task.Task) error {
	select {
	case <-t.Done():
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll blocks until every submitted task has finished.
func (tr *Tracker) WaitAll(ctx context.Context) error {
	tr.mu.Lock()
	idle := tr.idle
	tr.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inflight returns the number of submitted, unfinished tasks.
func (tr *Tracker) Inflight() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.inflight
}

func (tr *Tracker) add() {
	tr.mu.Lock()
	if tr.inflight == 0 {
		tr.idle = make(chan struct{})
	}
	tr.inflight++
	tr.mu.Unlock()
}

func (tr *Tracker) sub() {
	tr.mu.Lock()
	tr.inflight--
	if tr.inflight == 0 {
		close(tr.idle)
	}
	tr.mu.Unlock()
}

func (tr *Tracker) emit(kind trace.Kind, t *task.Task) {
	tr.sink.Emit(trace.Stamp(trace.Event{Kind: kind, Task: t.ID, Worker: t.Worker(), Context: t.Context}))
}
