package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/worker"
)

// loadDecay weighs the previous running average against the current
// length when updating a deque's average load.
const loadDecay = 0.9

// deque is one worker's queue. The owner pops from the head; thieves take
// from the tail.
type deque struct {
	mu    sync.Mutex
	w     *worker.Worker
	tasks []*task.Task
	avg   float64
}

func (d *deque) observe() {
	d.avg = loadDecay*d.avg + (1-loadDecay)*float64(len(d.tasks))
}

// popHead removes the first task. d.mu must be held.
func (d *deque) popHead() *task.Task {
	if len(d.tasks) == 0 {
		return nil
	}
	t := d.tasks[0]
	d.tasks[0] = nil
	d.tasks = d.tasks[1:]
	d.observe()
	return t
}

// stealTail removes the last task thief may run. d.mu must be held.
func (d *deque) stealTail(thief *worker.Worker) *task.Task {
	for i := len(d.tasks) - 1; i >= 0; i-- {
		t := d.tasks[i]
		if t.Codelet.CanRunOn(thief.Arch) {
			d.tasks = append(d.tasks[:i:i], d.tasks[i+1:]...)
			d.observe()
			return t
		}
	}
	return nil
}

// WorkStealing keeps one deque per worker. Idle workers steal from peers,
// choosing victims round-robin or, when loadAware, by highest queue length
// relative to the victim's running average.
type WorkStealing struct {
	loadAware bool

	mu     sync.RWMutex
	order  []int
	deques map[int]*deque

	pushRR   atomic.Uint64
	victimRR atomic.Uint64
	steals   atomic.Uint64
}

// NewWorkStealing creates a work-stealing policy.
func NewWorkStealing(loadAware bool) *WorkStealing {
	return &WorkStealing{loadAware: loadAware, deques: make(map[int]*deque)}
}

func (s *WorkStealing) Name() string {
	if s.loadAware {
		return "lws"
	}
	return "ws"
}

func (s *WorkStealing) Init(ctx context.Context) {}

func (s *WorkStealing) Deinit(ctx context.Context) []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, id := range s.order {
		d := s.deques[id]
		d.mu.Lock()
		out = append(out, d.tasks...)
		d.tasks = nil
		d.mu.Unlock()
	}
	return out
}

func (s *WorkStealing) Push(t *task.Task) error { return s.push(t, false) }

func (s *WorkStealing) PushPrio(t *task.Task) error { return s.push(t, true) }

func (s *WorkStealing) push(t *task.Task, front bool) error {
	s.mu.RLock()
	d := s.target(t)
	s.mu.RUnlock()
	if d == nil {
		return ErrNoEligibleWorker
	}
	d.mu.Lock()
	if front {
		d.tasks = append([]*task.Task{t}, d.tasks...)
	} else {
		d.tasks = append(d.tasks, t)
	}
	d.observe()
	d.mu.Unlock()
	return nil
}

// target picks the deque for t: its target worker if present and able,
// else the next eligible worker round-robin. s.mu must be held.
func (s *WorkStealing) target(t *task.Task) *deque {
	if d, ok := s.deques[t.TargetWorker]; ok && t.Codelet.CanRunOn(d.w.Arch) {
		return d
	}
	n := len(s.order)
	if n == 0 {
		return nil
	}
	start := int(s.pushRR.Add(1)-1) % n
	for i := 0; i < n; i++ {
		d := s.deques[s.order[(start+i)%n]]
		if t.Codelet.CanRunOn(d.w.Arch) {
			return d
		}
	}
	return nil
}

func (s *WorkStealing) Pop(w *worker.Worker) *task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if own, ok := s.deques[w.ID]; ok {
		own.mu.Lock()
		t := own.popHead()
		own.mu.Unlock()
		if t != nil {
			return t
		}
	}
	return s.steal(w)
}

// steal tries each peer once without blocking. s.mu must be held.
func (s *WorkStealing) steal(thief *worker.Worker) *task.Task {
	n := len(s.order)
	if n < 2 {
		return nil
	}
	if s.loadAware {
		if v, at := s.loadiest(thief); v != nil && v.mu.TryLock() {
			t := v.stealTail(thief)
			v.mu.Unlock()
			if t != nil {
				s.victimRR.Store(uint64((at + 1) % n))
				s.steals.Add(1)
				return t
			}
		}
	}
	start := int(s.victimRR.Add(1)-1) % n
	for i := 0; i < n; i++ {
		v := s.deques[s.order[(start+i)%n]]
		if v.w.ID == thief.ID || !v.mu.TryLock() {
			continue
		}
		t := v.stealTail(thief)
		v.mu.Unlock()
		if t != nil {
			s.victimRR.Store(uint64((start + i + 1) % n))
			s.steals.Add(1)
			return t
		}
	}
	return nil
}

// loadiest returns the peer whose queue is longest relative to its running
// average, with its position in s.order. Equal ratios continue round-robin
// from the last victim.
func (s *WorkStealing) loadiest(thief *worker.Worker) (*deque, int) {
	n := len(s.order)
	start := int(s.victimRR.Load()) % n
	var best *deque
	bestAt := -1
	bestRatio := 0.0
	for i := 0; i < n; i++ {
		d := s.deques[s.order[(start+i)%n]]
		if d.w.ID == thief.ID {
			continue
		}
		if !d.mu.TryLock() {
			continue
		}
		l := float64(len(d.tasks))
		ratio := l / (d.avg + 1)
		d.mu.Unlock()
		if l > 0 && ratio > bestRatio {
			best, bestAt, bestRatio = d, (start+i)%n, ratio
		}
	}
	return best, bestAt
}

func (s *WorkStealing) PopEvery(w *worker.Worker) []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deques[w.ID]
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.tasks
	d.tasks = nil
	d.observe()
	return out
}

func (s *WorkStealing) PostExec(t *task.Task, w *worker.Worker, elapsed time.Duration) {}

func (s *WorkStealing) AddWorkers(ws ...*worker.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range ws {
		if _, ok := s.deques[w.ID]; ok {
			continue
		}
		s.deques[w.ID] = &deque{w: w}
		s.order = append(s.order, w.ID)
	}
}

func (s *WorkStealing) RemoveWorkers(ids ...int) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var displaced []*task.Task
	for _, id := range ids {
		d, ok := s.deques[id]
		if !ok {
			continue
		}
		delete(s.deques, id)
		for i, o := range s.order {
			if o == id {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
		displaced = append(displaced, d.tasks...)
	}
	var orphans []*task.Task
	for _, t := range displaced {
		d := s.target(t)
		if d == nil {
			orphans = append(orphans, t)
			continue
		}
		d.tasks = append(d.tasks, t)
		d.observe()
	}
	return orphans
}

func (s *WorkStealing) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.deques {
		d.mu.Lock()
		n += len(d.tasks)
		d.mu.Unlock()
	}
	return n
}

// Load returns the length of worker id's deque.
func (s *WorkStealing) Load(id int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deques[id]
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Steals returns the number of successful steals.
func (s *WorkStealing) Steals() uint64 { return s.steals.Load() }
