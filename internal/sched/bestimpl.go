package sched

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/specialistvlad/gridrt/internal/perfmodel"
	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/worker"
)

// BestImpl picks, for every pushed task, the worker and implementation
// with the lowest predicted length, annotates the task and forwards it to
// its child. An uncalibrated (NaN) prediction costs zero and is taken at
// once, so every implementation gets measured. The first implementation
// found wins ties; equal lengths on different workers go to the least
// loaded one.
type BestImpl struct {
	name  string
	model perfmodel.Model
	child Component

	mu      sync.RWMutex
	workers []*worker.Worker
}

// NewBestImpl wraps child. A nil model treats every implementation as
// uncalibrated.
func NewBestImpl(name string, model perfmodel.Model, child Component) *BestImpl {
	return &BestImpl{name: name, model: model, child: child}
}

func (b *BestImpl) Name() string { return b.name }

func (b *BestImpl) Init(ctx context.Context) {
	if p, ok := b.child.(Policy); ok {
		p.Init(ctx)
	}
}

func (b *BestImpl) Deinit(ctx context.Context) []*task.Task {
	if p, ok := b.child.(Policy); ok {
		return p.Deinit(ctx)
	}
	return nil
}

func (b *BestImpl) Push(t *task.Task) error {
	if err := b.place(t); err != nil {
		return err
	}
	return b.child.Push(t)
}

func (b *BestImpl) PushPrio(t *task.Task) error {
	if err := b.place(t); err != nil {
		return err
	}
	return b.child.PushPrio(t)
}

type choice struct {
	w      *worker.Worker
	impl   int
	length float64
	load   int
}

func (b *BestImpl) place(t *task.Task) error {
	b.mu.RLock()
	workers := b.workers
	b.mu.RUnlock()

	var best *choice
	ld, _ := b.child.(loader)
search:
	for _, w := range workers {
		for _, i := range t.Codelet.ImplsFor(w.Arch) {
			length := b.predict(t, w, i)
			load := 0
			if ld != nil {
				load = ld.Load(w.ID)
			}
			if math.IsNaN(length) {
				best = &choice{w: w, impl: i, length: 0, load: load}
				break search
			}
			if best == nil || length < best.length || (length == best.length && w != best.w && load < best.load) {
				best = &choice{w: w, impl: i, length: length, load: load}
			}
		}
	}
	if best == nil {
		return ErrNoEligibleWorker
	}

	t.ChosenImpl = best.impl
	t.TargetWorker = best.w.ID
	t.PredictedLength = best.length
	t.PredictedTransfer = b.transfer(t, best.w)
	return nil
}

func (b *BestImpl) predict(t *task.Task, w *worker.Worker, impl int) float64 {
	if b.model == nil {
		return math.NaN()
	}
	return b.model.PredictLength(t.Codelet.Name, w.Arch, impl)
}

// transfer sums the predicted time to bring every buffer to w's node.
func (b *BestImpl) transfer(t *task.Task, w *worker.Worker) float64 {
	if b.model == nil {
		return 0
	}
	var total float64
	for _, buf := range t.Buffers {
		src, needed := buf.Handle.SourceFor(w.MemNode)
		if needed {
			total += b.model.PredictTransferTime(buf.Handle.Size(), src, w.MemNode)
		}
	}
	return total
}

func (b *BestImpl) Pop(w *worker.Worker) *task.Task { return b.child.Pop(w) }

func (b *BestImpl) PopEvery(w *worker.Worker) []*task.Task {
	if p, ok := b.child.(Policy); ok {
		return p.PopEvery(w)
	}
	var out []*task.Task
	for t := b.child.Pop(w); t != nil; t = b.child.Pop(w) {
		out = append(out, t)
	}
	return out
}

func (b *BestImpl) PostExec(t *task.Task, w *worker.Worker, elapsed time.Duration) {
	if p, ok := b.child.(Policy); ok {
		p.PostExec(t, w, elapsed)
	}
}

func (b *BestImpl) AddWorkers(ws ...*worker.Worker) {
	b.mu.Lock()
	for _, w := range ws {
		if !containsWorker(b.workers, w.ID) {
			b.workers = append(b.workers, w)
		}
	}
	b.mu.Unlock()
	b.child.AddWorkers(ws...)
}

func (b *BestImpl) RemoveWorkers(ids ...int) []*task.Task {
	b.mu.Lock()
	kept := make([]*worker.Worker, 0, len(b.workers))
	for _, w := range b.workers {
		if !containsID(ids, w.ID) {
			kept = append(kept, w)
		}
	}
	b.workers = kept
	b.mu.Unlock()
	return b.child.RemoveWorkers(ids...)
}

func (b *BestImpl) Len() int { return b.child.Len() }

func containsWorker(ws []*worker.Worker, id int) bool {
	for _, w := range ws {
		if w.ID == id {
			return true
		}
	}
	return false
}

func containsID(ids []int, id int) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
