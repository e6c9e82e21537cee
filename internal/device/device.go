// Package device runs task kernels. The core only sees the Backend
// interface: submit a job, get a completion channel back.
package device

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/worker"
)

// ErrNoBackend is returned for a job whose architecture has no backend.
var ErrNoBackend = errors.New("no backend for architecture")

// Job is one kernel launch.
type Job struct {
	Task   *task.Task
	Impl   int
	// Worker is the executing worker. A combined worker runs the kernel
	// once per member.
	Worker *worker.Worker
	// Buffers are the task's replicas on the worker's memory node.
	Buffers [][]byte
}

// Capability describes what a backend offers for one architecture.
type Capability struct {
	Arch      topology.Arch
	Streams   int
	Simulated bool
}

// Backend executes jobs.
type Backend interface {
	// Submit starts the job and returns a channel that receives exactly one
	// value, the kernel's error, when it completes.
	Submit(ctx context.Context, job Job) <-chan error
	// Query reports the backend's capability for arch.
	Query(arch topology.Arch) (Capability, bool)
}

// PanicError wraps a panic raised by a kernel.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("kernel panicked: %v", e.Value)
}

// run calls the kernel once, or once per member on a combined worker. The
// members share the job's buffers.
func run(ctx context.Context, job Job) error {
	impl := job.Task.Codelet.Impls[job.Impl]
	if impl.Kernel == nil {
		return fmt.Errorf("implementation %d of %s has no kernel", job.Impl, job.Task.Codelet.Name)
	}
	if !job.Worker.Combined() {
		return call(ctx, impl.Kernel, job)
	}
	g, gctx := errgroup.WithContext(ctx)
	width := len(job.Worker.Members)
	for rank, id := range job.Worker.Members {
		mctx := task.WithMember(gctx, task.Member{Rank: rank, Width: width, Worker: id})
		g.Go(func() error {
			if err := call(mctx, impl.Kernel, job); err != nil {
				return fmt.Errorf("member %d (worker %d): %w", rank, id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func call(ctx context.Context, k task.Kernel, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return k(ctx, job.Buffers, job.Task.Arg)
}

// CPU runs kernels on host goroutines.
type CPU struct{}

// Submit implements Backend.
func (CPU) Submit(ctx context.Context, job Job) <-chan error {
	done := make(chan error, 1)
	go func() { done <- run(ctx, job) }()
	return done
}

// Query implements Backend.
func (CPU) Query(arch topology.Arch) (Capability, bool) {
	if arch != topology.CPU {
		return Capability{}, false
	}
	return Capability{Arch: topology.CPU, Streams: 1}, true
}

// Simulated stands in for an accelerator: it runs the kernel on the host
// after a fixed launch latency. Workers of its architecture own their own
// memory node, so transfers are exercised as on real hardware.
type Simulated struct {
	Arch    topology.Arch
	Streams int
	Latency time.Duration
}

// Submit implements Backend.
func (s Simulated) Submit(ctx context.Context, job Job) <-chan error {
	done := make(chan error, 1)
	go func() {
		if s.Latency > 0 {
			timer := time.NewTimer(s.Latency)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
		done <- run(ctx, job)
	}()
	return done
}

// Query implements Backend.
func (s Simulated) Query(arch topology.Arch) (Capability, bool) {
	if arch != s.Arch {
		return Capability{}, false
	}
	return Capability{Arch: s.Arch, Streams: max(s.Streams, 1), Simulated: true}, true
}

// Mux dispatches jobs to a backend by the worker's architecture.
type Mux map[topology.Arch]Backend

// Submit implements Backend.
func (m Mux) Submit(ctx context.Context, job Job) <-chan error {
	b, ok := m[job.Worker.Arch]
	if !ok {
		done := make(chan error, 1)
		done <- fmt.Errorf("%w %s", ErrNoBackend, job.Worker.Arch)
		return done
	}
	return b.Submit(ctx, job)
}

// Query implements Backend.
func (m Mux) Query(arch topology.Arch) (Capability, bool) {
	b, ok := m[arch]
	if !ok {
		return Capability{}, false
	}
	return b.Query(arch)
}
