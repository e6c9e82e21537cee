// Package runtime wires the coherence manager, dependency tracker,
// scheduling contexts and device backends into one task runtime, and runs
// one pull loop per worker.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/specialistvlad/gridrt/internal/coherence"
	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/specialistvlad/gridrt/internal/deps"
	"github.com/specialistvlad/gridrt/internal/device"
	"github.com/specialistvlad/gridrt/internal/hypervisor"
	"github.com/specialistvlad/gridrt/internal/perfmodel"
	"github.com/specialistvlad/gridrt/internal/sched"
	"github.com/specialistvlad/gridrt/internal/schedctx"
	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/taskstore"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/trace"
	"github.com/specialistvlad/gridrt/internal/worker"
)

// ErrClosed is returned by Submit after Shutdown started.
var ErrClosed = errors.New("runtime is shut down")

// DefaultContext is the name of the context created when none is configured.
const DefaultContext = "default"

// ContextSpec describes one scheduling context to create at startup.
type ContextSpec struct {
	Name    string
	Policy  string
	Workers []int
	Tree    bool
}

// Options configures a Runtime.
type Options struct {
	Topology topology.Store
	// Contexts are created in order; the first is the initial context. When
	// empty, one context named DefaultContext holds every worker.
	Contexts      []ContextSpec
	DefaultPolicy string
	Backend       device.Backend
	Model         *perfmodel.History
	// ModelPath, when set, is loaded at startup and saved at shutdown.
	ModelPath   string
	Hypervisor  hypervisor.Config
	Sink        trace.Sink
	Transferer  coherence.Transferer
	IdlePoll    time.Duration
}

// Runtime is a running task runtime.
type Runtime struct {
	coh     *coherence.Manager
	store   taskstore.Store
	tracker *deps.Tracker
	ctxs    *schedctx.Manager
	hv      *hypervisor.Hypervisor
	model   *perfmodel.History
	backend device.Backend
	sink    trace.Sink
	workers []*worker.Worker

	modelPath string
	idlePoll  time.Duration

	closed   atomic.Bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// New builds a runtime and starts its worker loops. The loops stop when
// ctx is cancelled or Shutdown is called.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	logger := ctxlog.FromContext(ctx)
	if opts.Topology == nil {
		return nil, errors.New("runtime needs a topology")
	}
	if opts.Backend == nil {
		opts.Backend = device.CPU{}
	}
	if opts.Sink == nil {
		opts.Sink = trace.Nop{}
	}
	if opts.Model == nil {
		opts.Model = perfmodel.NewHistory(perfmodel.DefaultThreshold)
	}
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = "eager"
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = 50 * time.Millisecond
	}

	if opts.ModelPath != "" {
		if err := opts.Model.LoadFile(opts.ModelPath); err != nil {
			return nil, fmt.Errorf("loading performance model: %w", err)
		}
	}
	for _, n := range opts.Topology.MemoryNodes(ctx) {
		if n.ID != topology.MainMemory && n.BandwidthMBps > 0 {
			opts.Model.SetLink(topology.MainMemory, n.ID, perfmodel.Link{BandwidthMBps: n.BandwidthMBps, LatencyUs: n.LatencyUs})
		}
	}

	descs := opts.Topology.Workers(ctx)
	if len(descs) == 0 {
		return nil, errors.New("topology has no workers")
	}
	workers := make([]*worker.Worker, len(descs))
	ids := make([]int, len(descs))
	for i, d := range descs {
		if _, ok := opts.Backend.Query(d.Arch); !ok {
			return nil, fmt.Errorf("worker %d: %w %s", d.ID, device.ErrNoBackend, d.Arch)
		}
		workers[i] = worker.New(d)
		ids[i] = d.ID
	}

	copts := []coherence.Option{coherence.WithSink(opts.Sink)}
	if opts.Transferer != nil {
		copts = append(copts, coherence.WithTransferer(opts.Transferer))
	}
	coh := coherence.NewManager(copts...)
	store := taskstore.New()

	r := &Runtime{
		coh:       coh,
		store:     store,
		tracker:   deps.New(coh, store, opts.Sink),
		ctxs:      schedctx.NewManager(sched.Env{Model: opts.Model}, workers),
		model:     opts.Model,
		backend:   opts.Backend,
		sink:      opts.Sink,
		workers:   workers,
		modelPath: opts.ModelPath,
		idlePoll:  opts.IdlePoll,
	}

	specs := opts.Contexts
	if len(specs) == 0 {
		specs = []ContextSpec{{Name: DefaultContext, Policy: opts.DefaultPolicy, Workers: ids}}
	}
	for _, s := range specs {
		policy := s.Policy
		if policy == "" {
			policy = opts.DefaultPolicy
		}
		if _, err := r.ctxs.Create(ctx, s.Name, schedctx.Options{Policy: policy, Workers: s.Workers, Tree: s.Tree}); err != nil {
			return nil, fmt.Errorf("creating context %q: %w", s.Name, err)
		}
	}
	r.hv = hypervisor.New(opts.Hypervisor, r.ctxs)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	r.cancel = cancel
	r.group = g
	for _, w := range workers {
		g.Go(func() error { return r.loop(gctx, w) })
	}
	g.Go(func() error { return r.hv.Run(gctx) })

	logger.Info("Runtime started.", "workers", len(workers), "contexts", len(specs), "archs", topology.Archs(ctx, opts.Topology))
	return r, nil
}

// Coherence returns the data coherence manager.
func (r *Runtime) Coherence() *coherence.Manager { return r.coh }

// Contexts returns the scheduling context manager.
func (r *Runtime) Contexts() *schedctx.Manager { return r.ctxs }

// Hypervisor returns the worker rebalancer.
func (r *Runtime) Hypervisor() *hypervisor.Hypervisor { return r.hv }

// Model returns the performance model.
func (r *Runtime) Model() *perfmodel.History { return r.model }

// Workers returns the worker pool.
func (r *Runtime) Workers() []*worker.Worker { return r.workers }

// Register places data under coherence management with main memory as its
// home. A nil data allocates a zeroed buffer.
func (r *Runtime) Register(ctx context.Context, layout coherence.Layout, data []byte) (*coherence.Handle, error) {
	return r.coh.Register(ctx, topology.MainMemory, layout, data)
}

// Unregister writes h back to main memory and forgets it.
func (r *Runtime) Unregister(ctx context.Context, h *coherence.Handle) error {
	return r.coh.Unregister(ctx, h)
}

// Acquire gives the host access to h in main memory. It blocks until every
// earlier conflicting request, including tasks, has finished with h.
func (r *Runtime) Acquire(ctx context.Context, h *coherence.Handle, mode coherence.Mode) ([]byte, error) {
	if err := r.coh.Acquire(ctx, h, topology.MainMemory, mode); err != nil {
		return nil, err
	}
	return r.coh.Data(h, topology.MainMemory), nil
}

// Release ends the most recent host acquisition of h.
func (r *Runtime) Release(h *coherence.Handle) error { return r.coh.Release(h) }

// Submit hands t to the dependency tracker. A synchronous task is waited
// for before Submit returns.
func (r *Runtime) Submit(ctx context.Context, t *task.Task) error {
	if r.closed.Load() {
		return ErrClosed
	}
	ok, err := r.ctxs.CanRun(t.Context, t)
	if err != nil {
		return fmt.Errorf("submit %s: %w", t, err)
	}
	if !ok {
		return fmt.Errorf("submit %s: %w", t, sched.ErrNoEligibleWorker)
	}
	if err := r.tracker.Submit(ctx, t, r.ctxs.PushReady); err != nil {
		return err
	}
	if t.Synchronous {
		return r.tracker.Wait(ctx, t)
	}
	return nil
}

// Cancel withdraws a task whose data has not been granted yet.
func (r *Runtime) Cancel(ctx context.Context, t *task.Task) error {
	return r.tracker.Cancel(ctx, t)
}

// Wait blocks until t finished and returns its error.
func (r *Runtime) Wait(ctx context.Context, t *task.Task) error {
	return r.tracker.Wait(ctx, t)
}

// WaitAll blocks until every submitted task finished.
func (r *Runtime) WaitAll(ctx context.Context) error {
	return r.tracker.WaitAll(ctx)
}

// Status reports the recorded outcome of a task by id.
func (r *Runtime) Status(ctx context.Context, id string) (task.Status, bool) {
	s, err := r.store.GetStatus(ctx, id)
	if err != nil {
		return 0, false
	}
	return s, true
}

// Counts returns how many tasks are in each status.
func (r *Runtime) Counts(ctx context.Context) map[task.Status]int {
	return r.store.Counts(ctx)
}

// Shutdown refuses new tasks, waits for submitted ones, stops the worker
// loops and saves the performance model.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.closed.Store(true)
		logger := ctxlog.FromContext(ctx)
		var errs []error
		if err := r.tracker.WaitAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for tasks: %w", err))
		}
		r.cancel()
		if err := r.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		if r.modelPath != "" {
			if err := r.model.SaveFile(r.modelPath); err != nil {
				errs = append(errs, fmt.Errorf("saving performance model: %w", err))
			}
		}
		r.stopErr = errors.Join(errs...)
		logger.Info("Runtime stopped.", "transfers", r.coh.Stats().Transfers, "hypervisorResizes", r.hv.Stats().Resizes)
	})
	return r.stopErr
}
