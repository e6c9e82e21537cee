package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/gridrt/internal/coherence"
	"github.com/specialistvlad/gridrt/internal/topology"
)

// Kernel is the body of one implementation. bufs holds the replica of each
// buffer on the executing worker's memory node, in declaration order.
type Kernel func(ctx context.Context, bufs [][]byte, arg any) error

// Implementation is one way to run a codelet on one architecture.
type Implementation struct {
	Arch   topology.Arch
	Name   string
	Kernel Kernel
}

// Codelet is a named computation with per-architecture implementations.
// Implementation indices are stable and used by the performance model.
type Codelet struct {
	Name  string
	Impls []Implementation
}

// CanRunOn reports whether any implementation targets arch.
func (c *Codelet) CanRunOn(arch topology.Arch) bool {
	for _, impl := range c.Impls {
		if impl.Arch == arch {
			return true
		}
	}
	return false
}

// ImplsFor returns the indices of the implementations targeting arch.
func (c *Codelet) ImplsFor(arch topology.Arch) []int {
	var out []int
	for i, impl := range c.Impls {
		if impl.Arch == arch {
			out = append(out, i)
		}
	}
	return out
}

// Member identifies one kernel call of a task that runs on a combined
// worker.
type Member struct {
	Rank   int
	Width  int
	Worker int
}

type memberKey struct{}

// WithMember returns a context carrying m for the kernel to read.
func WithMember(ctx context.Context, m Member) context.Context {
	return context.WithValue(ctx, memberKey{}, m)
}

// MemberOf returns the member a kernel call runs as. A task on a single
// worker has none.
func MemberOf(ctx context.Context) (Member, bool) {
	m, ok := ctx.Value(memberKey{}).(Member)
	return m, ok
}

// Access is one buffer of a task: a handle and the mode it is used in.
type Access struct {
	Handle *coherence.Handle
	Mode   coherence.Mode
}

// Task is one unit of work. The exported fields are set by the submitter
// before Submit; the scheduler fills in the prediction fields.
type Task struct {
	ID          string
	Codelet     *Codelet
	Buffers     []Access
	Arg         any
	Priority    int
	Synchronous bool
	// Width is the number of workers that run the kernel together, one
	// kernel call each. Zero and one mean a single worker.
	Width int
	// Context names the scheduling context the task is submitted to. Empty
	// means the initial context.
	Context string

	// Set by scheduling policies.
	ChosenImpl        int
	TargetWorker      int
	PredictedLength   float64
	PredictedTransfer float64

	state  atomic.Int32
	worker atomic.Int32
	done   chan struct{}

	mu       sync.Mutex
	err      error
	ticket   *coherence.Ticket
	times    [numStates]time.Time
	finished sync.Once
}

// New creates a task for codelet over buffers.
func New(c *Codelet, buffers ...Access) *Task {
	t := &Task{
		ID:           uuid.NewString(),
		Codelet:      c,
		Buffers:      buffers,
		ChosenImpl:   -1,
		TargetWorker: -1,
		done:         make(chan struct{}),
	}
	t.worker.Store(-1)
	t.times[Created] = time.Now()
	return t
}

// Prio reports whether the task is pushed ahead of normal tasks.
func (t *Task) Prio() bool { return t.Priority > 0 }

// String implements fmt.Stringer.
func (t *Task) String() string {
	name := "?"
	if t.Codelet != nil {
		name = t.Codelet.Name
	}
	return fmt.Sprintf("%s[%s]", name, t.ID)
}

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Transition moves the task from one state to another. It fails if the
// task is not in from or the edge is not part of the lifecycle.
func (t *Task) Transition(from, to State) error {
	if !canTransition(from, to) {
		return &TransitionError{Task: t.ID, From: from, To: to}
	}
	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		return &TransitionError{Task: t.ID, From: t.State(), To: to}
	}
	t.mu.Lock()
	t.times[to] = time.Now()
	t.mu.Unlock()
	return nil
}

// EnteredAt returns when the task entered s, or the zero time.
func (t *Task) EnteredAt(s State) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.times[s]
}

// Worker returns the id of the worker that ran the task, or -1.
func (t *Task) Worker() int { return int(t.worker.Load()) }

// SetWorker records the executing worker.
func (t *Task) SetWorker(id int) { t.worker.Store(int32(id)) }

// Ticket returns the request set granted to the task, if any.
func (t *Task) Ticket() *coherence.Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticket
}

// SetTicket records the task's request set.
func (t *Task) SetTicket(tk *coherence.Ticket) {
	t.mu.Lock()
	t.ticket = tk
	t.mu.Unlock()
}

// Finish records the outcome and wakes waiters. Only the first call has an
// effect.
func (t *Task) Finish(err error) {
	t.finished.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's error after Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Requests converts the buffer list into a coherence request set.
func (t *Task) Requests() []coherence.Request {
	out := make([]coherence.Request, len(t.Buffers))
	for i, b := range t.Buffers {
		out[i] = coherence.Request{Handle: b.Handle, Mode: b.Mode}
	}
	return out
}

// Impl returns the implementation to run on arch: the chosen one when it
// targets arch, else the first that does.
func (t *Task) Impl(arch topology.Arch) (int, bool) {
	if i := t.ChosenImpl; i >= 0 && i < len(t.Codelet.Impls) && t.Codelet.Impls[i].Arch == arch {
		return i, true
	}
	for i, impl := range t.Codelet.Impls {
		if impl.Arch == arch {
			return i, true
		}
	}
	return -1, false
}
