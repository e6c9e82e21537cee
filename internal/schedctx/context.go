// Package schedctx implements scheduling contexts: named, resizable sets of
// workers, each bound to its own policy instance.
//
// Every context has a RWMutex. Push and pop take it for reading, membership
// changes take it for writing, so a resize is linearizable with the pushes
// and pops around it. Context locks are never held while acquiring data.
package schedctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/specialistvlad/gridrt/internal/sched"
	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/worker"
)

var (
	// ErrUnknownContext is returned for a context name that does not exist.
	ErrUnknownContext = errors.New("unknown scheduling context")
	// ErrDuplicateContext is returned when creating a context twice.
	ErrDuplicateContext = errors.New("scheduling context already exists")
	// ErrUnknownWorker is returned for a worker id outside the pool.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrInitialContext is returned when deleting the initial context.
	ErrInitialContext = errors.New("the initial context cannot be deleted")
)

// Context is one scheduling context.
type Context struct {
	ID      int
	Name    string
	Created time.Time

	mu      sync.RWMutex
	policy  sched.Policy
	workers worker.Collection
	deleted bool

	parkMu sync.Mutex
	parked []*task.Task

	completed atomic.Uint64
	pushed    atomic.Uint64
}

// Policy returns the context's policy.
func (c *Context) Policy() sched.Policy { return c.policy }

// Workers returns the ids of the current members in iteration order.
func (c *Context) Workers() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []int
	for it := c.workers.Iterator(); it.HasNext(); {
		ids = append(ids, it.Next().ID)
	}
	return ids
}

// Members returns the current members.
func (c *Context) Members() []*worker.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return worker.Slice(c.workers.Iterator())
}

// Size returns the number of members.
func (c *Context) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workers.Len()
}

// Parked returns the number of tasks waiting for an eligible member.
func (c *Context) Parked() int {
	c.parkMu.Lock()
	defer c.parkMu.Unlock()
	return len(c.parked)
}

// Demand returns queued plus parked tasks.
func (c *Context) Demand() int {
	return c.policy.Len() + c.Parked()
}

// Completed returns the number of tasks finished in this context.
func (c *Context) Completed() uint64 { return c.completed.Load() }

// Pushed returns the number of tasks handed to the policy.
func (c *Context) Pushed() uint64 { return c.pushed.Load() }

func (c *Context) park(ts ...*task.Task) {
	c.parkMu.Lock()
	c.parked = append(c.parked, ts...)
	c.parkMu.Unlock()
}

func (c *Context) unpark() []*task.Task {
	c.parkMu.Lock()
	defer c.parkMu.Unlock()
	ts := c.parked
	c.parked = nil
	return ts
}

// pushLocked hands t to the policy or parks it. c.mu must be held.
func (c *Context) pushLocked(t *task.Task) bool {
	if c.workers.Len() == 0 {
		c.park(t)
		return false
	}
	var err error
	if t.Prio() {
		err = c.policy.PushPrio(t)
	} else {
		err = c.policy.Push(t)
	}
	if err != nil {
		// Membership changed since submission; wait for a capable worker.
		c.park(t)
		return false
	}
	c.pushed.Add(1)
	return true
}

func (c *Context) wakeLocked() {
	for it := c.workers.Iterator(); it.HasNext(); {
		it.Next().Wake()
	}
}

// Options configures a new context.
type Options struct {
	Policy  string
	Workers []int
	// Tree keeps members grouped by memory node and architecture instead of
	// in insertion order.
	Tree bool
}

// Manager owns every context and the worker pool they draw from.
type Manager struct {
	env sched.Env

	mu          sync.RWMutex
	pool        map[int]*worker.Worker
	contexts    map[string]*Context
	order       []*Context
	memberships map[int][]*Context
	initial     *Context
	nextID      int

	// nextCombined numbers combined workers above every pool id.
	nextCombined int
}

// NewManager creates a manager over the given worker pool.
func NewManager(env sched.Env, pool []*worker.Worker) *Manager {
	m := &Manager{
		env:         env,
		pool:        make(map[int]*worker.Worker, len(pool)),
		contexts:    make(map[string]*Context),
		memberships: make(map[int][]*Context),
	}
	for _, w := range pool {
		m.pool[w.ID] = w
		m.nextCombined = max(m.nextCombined, w.ID+1)
	}
	return m
}

// Combine builds the worker a task of the given width runs on when lead
// popped it: lead plus up to width-1 other members of c that share lead's
// architecture and memory node, in c's iteration order. A width of one or
// less, or a context with no such peers, returns lead itself.
func (m *Manager) Combine(c *Context, lead *worker.Worker, width int) (*worker.Worker, error) {
	if width <= 1 {
		return lead, nil
	}
	members := []*worker.Worker{lead}
	for _, w := range c.Members() {
		if len(members) == width {
			break
		}
		if w.ID != lead.ID && w.Arch == lead.Arch && w.MemNode == lead.MemNode {
			members = append(members, w)
		}
	}
	if len(members) == 1 {
		return lead, nil
	}
	m.mu.Lock()
	id := m.nextCombined
	m.nextCombined++
	m.mu.Unlock()
	return worker.Combine(id, members)
}

// Create builds a context. The first context created becomes the initial
// context that unnamed submissions and deleted contexts' tasks go to.
func (m *Manager) Create(ctx context.Context, name string, opts Options) (*Context, error) {
	policy, err := sched.New(opts.Policy, m.env)
	if err != nil {
		return nil, err
	}
	ws, err := m.resolve(opts.Workers)
	if err != nil {
		return nil, err
	}

	var coll worker.Collection = worker.NewList()
	if opts.Tree {
		coll = worker.NewTree()
	}

	m.mu.Lock()
	if _, ok := m.contexts[name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateContext, name)
	}
	c := &Context{ID: m.nextID, Name: name, Created: time.Now(), policy: policy, workers: coll}
	m.nextID++
	m.contexts[name] = c
	m.order = append(m.order, c)
	if m.initial == nil {
		m.initial = c
	}
	m.mu.Unlock()

	c.workers.Init()
	policy.Init(ctx)
	ctxlog.FromContext(ctx).Info("Created scheduling context.", "context", name, "policy", policy.Name(), "workers", len(ws))
	if len(ws) > 0 {
		m.addWorkers(ctx, c, ws)
	}
	return c, nil
}

// Lookup returns a context by name. The empty name is the initial context.
func (m *Manager) Lookup(name string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		return m.initial, m.initial != nil
	}
	c, ok := m.contexts[name]
	return c, ok
}

// Contexts returns every context in creation order.
func (m *Manager) Contexts() []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Context(nil), m.order...)
}

// Worker returns a pool worker by id.
func (m *Manager) Worker(id int) (*worker.Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.pool[id]
	return w, ok
}

func (m *Manager) resolve(ids []int) ([]*worker.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws := make([]*worker.Worker, 0, len(ids))
	for _, id := range ids {
		w, ok := m.pool[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownWorker, id)
		}
		ws = append(ws, w)
	}
	return ws, nil
}

func (m *Manager) lookup(name string) (*Context, error) {
	c, ok := m.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContext, name)
	}
	return c, nil
}

// AddWorkers adds pool workers to a context. Tasks parked while the context
// had no eligible worker are pushed again.
func (m *Manager) AddWorkers(ctx context.Context, name string, ids []int) error {
	c, err := m.lookup(name)
	if err != nil {
		return err
	}
	ws, err := m.resolve(ids)
	if err != nil {
		return err
	}
	m.addWorkers(ctx, c, ws)
	return nil
}

func (m *Manager) addWorkers(ctx context.Context, c *Context, ws []*worker.Worker) {
	c.mu.Lock()
	var added []*worker.Worker
	for _, w := range ws {
		if c.workers.Add(w) {
			added = append(added, w)
		}
	}
	c.policy.AddWorkers(added...)
	flushed := 0
	for _, t := range c.unpark() {
		if c.pushLocked(t) {
			flushed++
		}
	}
	c.wakeLocked()
	c.mu.Unlock()

	m.mu.Lock()
	for _, w := range added {
		m.memberships[w.ID] = append(m.memberships[w.ID], c)
	}
	m.mu.Unlock()

	ctxlog.FromContext(ctx).Debug("Added workers to context.", "context", c.Name, "added", len(added), "unparked", flushed)
}

// RemoveWorkers withdraws workers from a context. Tasks running on them
// finish normally; queued tasks are redistributed by the policy, and those
// no remaining member can run are parked.
func (m *Manager) RemoveWorkers(ctx context.Context, name string, ids []int) error {
	c, err := m.lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	var removed []int
	for _, id := range ids {
		if c.workers.Remove(id) {
			removed = append(removed, id)
		}
	}
	orphans := c.policy.RemoveWorkers(removed...)
	c.park(orphans...)
	c.wakeLocked()
	c.mu.Unlock()

	m.mu.Lock()
	for _, id := range removed {
		list := m.memberships[id]
		for i, mc := range list {
			if mc == c {
				m.memberships[id] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	ctxlog.FromContext(ctx).Debug("Removed workers from context.", "context", c.Name, "removed", len(removed), "parked", len(orphans))
	return nil
}

// CanRun reports whether the named context could ever run t with its
// current members. An empty context accepts everything; tasks wait there
// until workers arrive.
func (m *Manager) CanRun(name string, t *task.Task) (bool, error) {
	c, err := m.lookup(name)
	if err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.workers.Len() == 0 {
		return true, nil
	}
	for it := c.workers.Iterator(); it.HasNext(); {
		if t.Codelet.CanRunOn(it.Next().Arch) {
			return true, nil
		}
	}
	return false, nil
}

// SubmitToCtx pushes a ready task to the named context.
func (m *Manager) SubmitToCtx(ctx context.Context, t *task.Task, name string) error {
	c, err := m.lookup(name)
	if err != nil {
		return err
	}
	m.push(c, t)
	return nil
}

// PushReady routes a ready task to the context it was submitted to. A task
// naming a context that has since been deleted goes to the initial one.
func (m *Manager) PushReady(t *task.Task) {
	c, ok := m.Lookup(t.Context)
	if !ok {
		c, _ = m.Lookup("")
	}
	m.push(c, t)
}

func (m *Manager) push(c *Context, t *task.Task) {
	if t.State() == task.Ready {
		_ = t.Transition(task.Ready, task.Queued)
	}
	c.mu.RLock()
	if c.deleted {
		c.mu.RUnlock()
		initial, _ := m.Lookup("")
		if initial == c || initial == nil {
			c.park(t)
			return
		}
		m.push(initial, t)
		return
	}
	if c.pushLocked(t) {
		c.wakeLocked()
	}
	c.mu.RUnlock()
}

// Pop returns the next task for w from the contexts it belongs to, in
// membership order.
func (m *Manager) Pop(w *worker.Worker) (*task.Task, *Context) {
	m.mu.RLock()
	cs := append([]*Context(nil), m.memberships[w.ID]...)
	m.mu.RUnlock()
	for _, c := range cs {
		c.mu.RLock()
		var t *task.Task
		if c.workers.Contains(w.ID) {
			t = c.policy.Pop(w)
		}
		c.mu.RUnlock()
		if t != nil {
			return t, c
		}
	}
	return nil, nil
}

// PostExec reports a finished task to the context it was popped from.
func (m *Manager) PostExec(c *Context, t *task.Task, w *worker.Worker, elapsed time.Duration) {
	c.completed.Add(1)
	c.policy.PostExec(t, w, elapsed)
}

// Delete removes a context. Its queued and parked tasks move to the
// initial context; its workers stay in the pool.
func (m *Manager) Delete(ctx context.Context, name string) error {
	c, err := m.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if c == m.initial {
		m.mu.Unlock()
		return ErrInitialContext
	}
	delete(m.contexts, name)
	for i, o := range m.order {
		if o == c {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	for id, list := range m.memberships {
		for i, mc := range list {
			if mc == c {
				m.memberships[id] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	initial := m.initial
	m.mu.Unlock()

	c.mu.Lock()
	c.deleted = true
	moved := append(c.policy.Deinit(ctx), c.unpark()...)
	c.workers.Deinit()
	c.mu.Unlock()

	for _, t := range moved {
		m.push(initial, t)
	}
	ctxlog.FromContext(ctx).Info("Deleted scheduling context.", "context", name, "moved", len(moved))
	return nil
}
