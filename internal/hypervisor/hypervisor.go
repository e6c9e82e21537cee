// Package hypervisor measures how fast each scheduling context completes
// tasks and moves workers from contexts with spare capacity to the slowest
// context that has work waiting.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/specialistvlad/gridrt/internal/schedctx"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/worker"
)

// ErrResizeDeclined is returned when a resize would leave the sender below
// the worker floor or there is nothing to move.
var ErrResizeDeclined = errors.New("resize declined")

// Config tunes the hypervisor.
type Config struct {
	Enabled bool
	// MinWorkers is the floor no resize takes a sender below.
	MinWorkers int
	// SampleFraction sizes the velocity window as a fraction of a context's
	// elapsed runtime once it reached steady state.
	SampleFraction float64
	// StartSampleFraction is used until the first window closes.
	StartSampleFraction float64
	// Period is the tick interval and the shortest sample window.
	Period time.Duration
}

// DefaultConfig returns the defaults applied to a machine file that leaves
// hypervisor settings out.
func DefaultConfig() Config {
	return Config{
		Enabled:             false,
		MinWorkers:          1,
		SampleFraction:      0.02,
		StartSampleFraction: 0.1,
		Period:              100 * time.Millisecond,
	}
}

// Contexts is the part of the context manager the hypervisor drives.
type Contexts interface {
	Contexts() []*schedctx.Context
	Lookup(name string) (*schedctx.Context, bool)
	AddWorkers(ctx context.Context, name string, ids []int) error
	RemoveWorkers(ctx context.Context, name string, ids []int) error
}

type sample struct {
	start     time.Time
	completed uint64
	velocity  float64
	measured  bool
	steady    bool
}

// Stats is a snapshot of the hypervisor's counters.
type Stats struct {
	Ticks    uint64
	Resizes  uint64
	Declined uint64
	Moved    uint64
	// Velocities holds the last measured tasks per second by context name.
	Velocities map[string]float64
}

// Hypervisor rebalances workers across contexts.
type Hypervisor struct {
	cfg  Config
	ctxs Contexts

	mu      sync.Mutex
	samples map[string]*sample
	pending []string
	stats   Stats
}

// New creates a hypervisor over the given contexts.
func New(cfg Config, ctxs Contexts) *Hypervisor {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	return &Hypervisor{cfg: cfg, ctxs: ctxs, samples: make(map[string]*sample)}
}

// Run ticks every period until ctx is done. It returns at once when the
// hypervisor is disabled.
func (h *Hypervisor) Run(ctx context.Context) error {
	if !h.cfg.Enabled {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	logger.Info("Hypervisor started.", "period", h.cfg.Period, "minWorkers", h.cfg.MinWorkers)
	ticker := time.NewTicker(h.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Hypervisor stopped.")
			return nil
		case now := <-ticker.C:
			h.Tick(ctx, now)
		}
	}
}

// Tick closes due velocity samples and performs at most one resize.
func (h *Hypervisor) Tick(ctx context.Context, now time.Time) {
	logger := ctxlog.FromContext(ctx)
	cs := h.ctxs.Contexts()

	h.mu.Lock()
	h.stats.Ticks++
	for _, c := range cs {
		h.observeLocked(c, now)
	}
	receiver := h.receiverLocked(cs, now)
	var sender *schedctx.Context
	var deferred bool
	if receiver != nil {
		sender, deferred = h.donorLocked(cs, receiver)
	}
	h.mu.Unlock()

	if receiver == nil || sender == nil {
		return
	}
	if _, err := h.Resize(ctx, sender.Name, receiver.Name, deferred, now); err != nil {
		h.mu.Lock()
		delete(h.samples, sender.Name)
		delete(h.samples, receiver.Name)
		if deferred {
			h.deferLocked(sender.Name)
		}
		h.mu.Unlock()
		logger.Debug("Resize not applied; samples discarded, retrying next period.", "sender", sender.Name, "receiver", receiver.Name, "error", err)
	}
}

// observeLocked closes c's sample window once it is due.
func (h *Hypervisor) observeLocked(c *schedctx.Context, now time.Time) {
	s, ok := h.samples[c.Name]
	if !ok {
		h.samples[c.Name] = &sample{start: now, completed: c.Completed()}
		return
	}
	frac := h.cfg.SampleFraction
	if !s.steady {
		frac = h.cfg.StartSampleFraction
	}
	window := time.Duration(frac * float64(now.Sub(c.Created)))
	window = max(window, h.cfg.Period)
	elapsed := now.Sub(s.start)
	if elapsed < window {
		return
	}
	done := c.Completed()
	s.velocity = float64(done-s.completed) / elapsed.Seconds()
	s.measured = true
	s.steady = true
	s.start = now
	s.completed = done
}

// velocityLocked returns the last measured velocity, or the rate of the
// running window before any window has closed.
func (h *Hypervisor) velocityLocked(c *schedctx.Context, now time.Time) float64 {
	s, ok := h.samples[c.Name]
	if !ok {
		return 0
	}
	if s.measured {
		return s.velocity
	}
	elapsed := now.Sub(s.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.Completed()-s.completed) / elapsed
}

// receiverLocked picks the slowest context that has more work than
// workers. An empty context with work waiting always qualifies.
func (h *Hypervisor) receiverLocked(cs []*schedctx.Context, now time.Time) *schedctx.Context {
	var best *schedctx.Context
	bestV := 0.0
	for _, c := range cs {
		demand, size := c.Demand(), c.Size()
		if demand == 0 || demand <= size {
			continue
		}
		v := h.velocityLocked(c, now)
		if size == 0 {
			v = -1
		}
		if best == nil || v < bestV {
			best, bestV = c, v
		}
	}
	return best
}

// donorLocked prefers senders registered by ResizeToUnknownReceiver, which
// give up workers down to the floor, then the context with the largest idle
// surplus.
func (h *Hypervisor) donorLocked(cs []*schedctx.Context, receiver *schedctx.Context) (*schedctx.Context, bool) {
	for i, name := range h.pending {
		if name == receiver.Name {
			continue
		}
		if c, ok := h.ctxs.Lookup(name); ok && c.Size() > h.cfg.MinWorkers && canGive(c, receiver) {
			h.pending = append(h.pending[:i:i], h.pending[i+1:]...)
			return c, true
		}
	}
	var best *schedctx.Context
	bestSurplus := 0
	for _, c := range cs {
		if c == receiver {
			continue
		}
		surplus := min(c.Size()-c.Demand(), c.Size()-h.cfg.MinWorkers)
		if surplus > bestSurplus && canGive(c, receiver) {
			best, bestSurplus = c, surplus
		}
	}
	return best, false
}

// canGive reports whether sender has a worker the receiver does not.
func canGive(sender, receiver *schedctx.Context) bool {
	return len(pick(sender.Members(), receiver.Members(), 1)) > 0
}

// Resize moves workers from sender to receiver and returns how many moved.
// The count covers the receiver's backlog beyond its current workers,
// bounded by the sender's idle surplus; force ignores the sender's queue
// and only keeps MinWorkers. Workers of an architecture the receiver lacks
// move first.
func (h *Hypervisor) Resize(ctx context.Context, sender, receiver string, force bool, now time.Time) (int, error) {
	from, ok := h.ctxs.Lookup(sender)
	if !ok {
		return 0, fmt.Errorf("%w: %q", schedctx.ErrUnknownContext, sender)
	}
	to, ok := h.ctxs.Lookup(receiver)
	if !ok {
		return 0, fmt.Errorf("%w: %q", schedctx.ErrUnknownContext, receiver)
	}

	members := from.Members()
	surplus := len(members) - h.cfg.MinWorkers
	if !force {
		surplus = min(surplus, len(members)-from.Demand())
	}
	count := min(max(to.Demand()-to.Size(), 1), surplus)
	if count <= 0 {
		h.decline()
		return 0, fmt.Errorf("%w: %q has %d workers, floor is %d", ErrResizeDeclined, sender, len(members), h.cfg.MinWorkers)
	}

	ids := pick(members, to.Members(), count)
	if len(ids) == 0 {
		h.decline()
		return 0, fmt.Errorf("%w: every worker of %q already serves %q", ErrResizeDeclined, sender, receiver)
	}
	if err := h.ctxs.RemoveWorkers(ctx, sender, ids); err != nil {
		h.decline()
		return 0, fmt.Errorf("removing workers from %q: %w", sender, err)
	}
	if err := h.ctxs.AddWorkers(ctx, receiver, ids); err != nil {
		h.decline()
		return 0, fmt.Errorf("adding workers to %q: %w", receiver, err)
	}

	h.mu.Lock()
	h.stats.Resizes++
	h.stats.Moved += uint64(len(ids))
	// Both velocities changed meaning; start fresh windows.
	delete(h.samples, sender)
	delete(h.samples, receiver)
	h.mu.Unlock()

	ctxlog.FromContext(ctx).Info("Moved workers between contexts.",
		"sender", sender, "receiver", receiver, "workers", ids, "force", force, "at", now)
	return len(ids), nil
}

// ResizeToUnknownReceiver marks sender as willing to give up workers. The
// move happens on the first tick that finds a receiver.
func (h *Hypervisor) ResizeToUnknownReceiver(ctx context.Context, sender string, now time.Time) error {
	if _, ok := h.ctxs.Lookup(sender); !ok {
		return fmt.Errorf("%w: %q", schedctx.ErrUnknownContext, sender)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deferLocked(sender)
	ctxlog.FromContext(ctx).Debug("Deferred resize until a receiver appears.", "sender", sender, "at", now)
	return nil
}

func (h *Hypervisor) deferLocked(sender string) {
	for _, p := range h.pending {
		if p == sender {
			return
		}
	}
	h.pending = append(h.pending, sender)
}

// Pending returns the senders waiting for a receiver.
func (h *Hypervisor) Pending() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pending...)
}

// Stats returns a snapshot of the counters and velocities.
func (h *Hypervisor) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Velocities = make(map[string]float64, len(h.samples))
	for name, smp := range h.samples {
		if smp.measured {
			s.Velocities[name] = smp.velocity
		}
	}
	return s
}

func (h *Hypervisor) decline() {
	h.mu.Lock()
	h.stats.Declined++
	h.mu.Unlock()
}

// pick chooses count workers from members that the receiver does not
// already have, architectures the receiver lacks first, higher ids first
// within a group so the sender keeps its low-numbered workers.
func pick(members, receiver []*worker.Worker, count int) []int {
	has := make(map[topology.Arch]bool)
	in := make(map[int]bool)
	for _, w := range receiver {
		has[w.Arch] = true
		in[w.ID] = true
	}
	var cands []*worker.Worker
	for _, w := range members {
		if !in[w.ID] {
			cands = append(cands, w)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		li, lj := !has[cands[i].Arch], !has[cands[j].Arch]
		if li != lj {
			return li
		}
		return cands[i].ID > cands[j].ID
	})
	if len(cands) > count {
		cands = cands[:count]
	}
	ids := make([]int, len(cands))
	for i, w := range cands {
		ids[i] = w.ID
	}
	return ids
}
