package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/specialistvlad/gridrt/internal/device"
	"github.com/specialistvlad/gridrt/internal/schedctx"
	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/trace"
	"github.com/specialistvlad/gridrt/internal/worker"
)

// loop is the pull loop of one worker: pop, fetch data, execute, release.
// An idle worker sleeps until woken by a push or the poll interval passes.
func (r *Runtime) loop(ctx context.Context, w *worker.Worker) error {
	ctx = ctxlog.With(ctx, "worker", w.ID, "arch", w.Arch)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.")

	idle := time.NewTimer(r.idlePoll)
	defer idle.Stop()
	for {
		if ctx.Err() != nil {
			logger.Debug("Worker finished.")
			return nil
		}
		t, c := r.ctxs.Pop(w)
		if t == nil {
			idle.Reset(r.idlePoll)
			select {
			case <-ctx.Done():
			case <-w.Wakeups():
			case <-idle.C:
			}
			continue
		}
		r.execute(ctx, logger, w, c, t)
	}
}

func (r *Runtime) execute(ctx context.Context, logger *slog.Logger, w *worker.Worker, c *schedctx.Context, t *task.Task) {
	taskLogger := logger.With("task", t.ID, "codelet", t.Codelet.Name, "context", c.Name)
	if err := t.Transition(task.Queued, task.Running); err != nil {
		taskLogger.Error("Popped task in an unexpected state.", "error", err)
		r.tracker.Complete(ctx, t, err)
		return
	}
	t.SetWorker(w.ID)
	r.sink.Emit(trace.Stamp(trace.Event{Kind: trace.TaskStarted, Task: t.ID, Worker: w.ID, Context: c.Name}))

	runner, err := r.ctxs.Combine(c, w, t.Width)
	if err != nil {
		taskLogger.Error("Could not combine workers for task.", "width", t.Width, "error", err)
		r.ctxs.PostExec(c, t, w, 0)
		r.tracker.Complete(ctx, t, err)
		return
	}
	if runner.Combined() {
		taskLogger.Debug("Running task on combined worker.", "members", runner.Members)
	}

	start := time.Now()
	impl, err := r.run(ctx, runner, t)
	elapsed := time.Since(start)

	if err != nil {
		taskLogger.Error("Task execution failed.", "error", err)
	} else {
		r.model.Record(t.Codelet.Name, w.Arch, impl, float64(elapsed.Microseconds()))
		taskLogger.Debug("Task execution succeeded.", "impl", impl, "elapsed", elapsed)
	}
	r.ctxs.PostExec(c, t, w, elapsed)
	r.tracker.Complete(ctx, t, err)
}

// run brings every buffer to w's memory node and runs the kernel there. A
// combined w runs it once per member over the same replicas.
func (r *Runtime) run(ctx context.Context, w *worker.Worker, t *task.Task) (int, error) {
	impl, ok := t.Impl(w.Arch)
	if !ok {
		return -1, fmt.Errorf("codelet %s has no %s implementation", t.Codelet.Name, w.Arch)
	}
	bufs := make([][]byte, len(t.Buffers))
	for i, b := range t.Buffers {
		if err := r.coh.Fetch(ctx, b.Handle, w.MemNode, b.Mode); err != nil {
			return impl, fmt.Errorf("fetching buffer %d: %w", i, err)
		}
		bufs[i] = r.coh.Data(b.Handle, w.MemNode)
	}
	err := <-r.backend.Submit(ctx, device.Job{Task: t, Impl: impl, Worker: w, Buffers: bufs})
	return impl, err
}
