package sched

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/worker"
)

// Eager is a single FIFO shared by every worker of the context. For each
// worker it counts the queued tasks that worker could run.
type Eager struct {
	prio bool

	mu      sync.Mutex
	queue   *list.List
	workers map[int]*worker.Worker
	load    map[int]int
}

// NewEager creates an eager policy. With prio false, priority pushes are
// queued like any other.
func NewEager(prio bool) *Eager {
	return &Eager{
		prio:    prio,
		queue:   list.New(),
		workers: make(map[int]*worker.Worker),
		load:    make(map[int]int),
	}
}

func (e *Eager) Name() string {
	if e.prio {
		return "eager"
	}
	return "eager-noprio"
}

func (e *Eager) Init(ctx context.Context) {}

func (e *Eager) Deinit(ctx context.Context) []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*task.Task
	for el := e.queue.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*task.Task))
	}
	e.queue.Init()
	for id := range e.load {
		e.load[id] = 0
	}
	return out
}

func (e *Eager) Push(t *task.Task) error { return e.push(t, false) }

func (e *Eager) PushPrio(t *task.Task) error { return e.push(t, e.prio) }

func (e *Eager) push(t *task.Task, front bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	eligible := 0
	for id, w := range e.workers {
		if runnable(t, w, e.present) {
			e.load[id]++
			eligible++
		}
	}
	if eligible == 0 {
		return ErrNoEligibleWorker
	}
	if front {
		e.queue.PushFront(t)
	} else {
		e.queue.PushBack(t)
	}
	return nil
}

func (e *Eager) Pop(w *worker.Worker) *task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	for el := e.queue.Front(); el != nil; el = el.Next() {
		t := el.Value.(*task.Task)
		if runnable(t, w, e.present) {
			e.remove(el)
			return t
		}
	}
	return nil
}

func (e *Eager) PopEvery(w *worker.Worker) []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*task.Task
	for el := e.queue.Front(); el != nil; {
		next := el.Next()
		if t := el.Value.(*task.Task); runnable(t, w, e.present) {
			e.remove(el)
			out = append(out, t)
		}
		el = next
	}
	return out
}

// remove unlinks el and decrements the counters of its eligible workers.
func (e *Eager) remove(el *list.Element) {
	t := e.queue.Remove(el).(*task.Task)
	for id, w := range e.workers {
		if runnable(t, w, e.present) && e.load[id] > 0 {
			e.load[id]--
		}
	}
}

func (e *Eager) PostExec(t *task.Task, w *worker.Worker, elapsed time.Duration) {}

func (e *Eager) AddWorkers(ws ...*worker.Worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range ws {
		e.workers[w.ID] = w
	}
	e.recount()
}

func (e *Eager) RemoveWorkers(ids ...int) []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.workers, id)
		delete(e.load, id)
	}
	var orphans []*task.Task
	for el := e.queue.Front(); el != nil; {
		next := el.Next()
		t := el.Value.(*task.Task)
		if !e.anyRunnable(t) {
			e.queue.Remove(el)
			orphans = append(orphans, t)
		}
		el = next
	}
	e.recount()
	return orphans
}

func (e *Eager) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// Load returns the number of queued tasks worker id could run.
func (e *Eager) Load(id int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load[id]
}

func (e *Eager) present(id int) bool {
	_, ok := e.workers[id]
	return ok
}

func (e *Eager) anyRunnable(t *task.Task) bool {
	for _, w := range e.workers {
		if runnable(t, w, e.present) {
			return true
		}
	}
	return false
}

func (e *Eager) recount() {
	for id := range e.workers {
		e.load[id] = 0
	}
	for el := e.queue.Front(); el != nil; el = el.Next() {
		t := el.Value.(*task.Task)
		for id, w := range e.workers {
			if runnable(t, w, e.present) {
				e.load[id]++
			}
		}
	}
}
