package coherence

import (
	"context"
	"sort"
	"sync/atomic"
)

type ticketState int32

const (
	ticketPending ticketState = iota
	ticketGranted
	ticketReleased
	ticketCancelled
)

// Request is one (handle, mode) pair of a request set.
type Request struct {
	Handle *Handle
	Mode   Mode
}

// request is a Request queued on its handle.
type request struct {
	t       *Ticket
	h       *Handle
	mode    Mode
	granted bool
}

// rank is the arbitration position of a ticket. A normal set ranks at
// (seq, 1, 0). A priority set inserted in front of the normal set u ranks at
// (u.seq, 0, seq), so priority sets placed at the same spot keep their
// submission order.
type rank struct {
	at    uint64
	class uint8
	seq   uint64
}

func (r rank) less(o rank) bool {
	if r.at != o.at {
		return r.at < o.at
	}
	if r.class != o.class {
		return r.class < o.class
	}
	return r.seq < o.seq
}

// Ticket is an enqueued request set. It is granted all-or-nothing.
type Ticket struct {
	seq     uint64
	prio    bool
	rank    rank
	reqs    []*request
	handles []*Handle
	onGrant func(*Ticket)
	state   atomic.Int32
}

// Granted reports whether the set has been granted and not yet released.
func (t *Ticket) Granted() bool { return ticketState(t.state.Load()) == ticketGranted }

// Handles returns the handles of the set ordered by id.
func (t *Ticket) Handles() []*Handle { return t.handles }

// Mode returns the merged mode the set requested on h, or 0.
func (t *Ticket) Mode(h *Handle) Mode {
	for _, r := range t.reqs {
		if r.h == h {
			return r.mode
		}
	}
	return 0
}

// ahead reports whether t is arbitrated before u. Ranks are a total order
// shared by every handle, so request sets never wait on each other in a
// cycle.
func (t *Ticket) ahead(u *Ticket) bool { return t.rank.less(u.rank) }

// rankLocked places a new set. A normal set goes last. A priority set moves
// in front of the normal sets queued on its handles, latest first, until it
// meets a priority set or a set that requested a different mode on some
// shared handle; a reader never overtakes an earlier writer or the
// reverse. Every handle of t must be locked.
func (t *Ticket) rankLocked() {
	t.rank = rank{at: t.seq, class: 1}
	if !t.prio {
		return
	}
	t.rank = rank{at: t.seq, seq: t.seq}

	seen := make(map[*Ticket]bool)
	var others []*Ticket
	for _, h := range t.handles {
		for _, o := range h.queue {
			if o.t != t && !seen[o.t] {
				seen[o.t] = true
				others = append(others, o.t)
			}
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[j].ahead(others[i]) })
	for _, u := range others {
		if u.prio || !t.sameModes(u) {
			return
		}
		t.rank = rank{at: u.rank.at, seq: t.seq}
	}
}

// sameModes reports whether t and u requested the same mode on every handle
// they share.
func (t *Ticket) sameModes(u *Ticket) bool {
	for _, r := range t.reqs {
		if m := u.Mode(r.h); m != 0 && m != r.mode {
			return false
		}
	}
	return true
}

// RequestSet enqueues reqs as one set. Modes requested twice on the same
// handle are merged. If the set can be granted immediately onGrant runs
// before RequestSet returns; otherwise it runs later from whichever
// goroutine releases the blocking requests. onGrant is never called with a
// handle lock held.
func (m *Manager) RequestSet(ctx context.Context, reqs []Request, prio bool, onGrant func(*Ticket)) (*Ticket, error) {
	merged := make(map[*Handle]Mode, len(reqs))
	for _, r := range reqs {
		if r.Handle == nil {
			return nil, usage("request", nil, ErrUnregistered)
		}
		merged[r.Handle] = merge(merged[r.Handle], r.Mode)
	}

	t := &Ticket{prio: prio, onGrant: onGrant}
	for h := range merged {
		t.handles = append(t.handles, h)
	}
	sortHandles(t.handles)
	for _, h := range t.handles {
		t.reqs = append(t.reqs, &request{t: t, h: h, mode: merged[h]})
	}

	lockAll(t.handles)
	for _, h := range t.handles {
		if err := h.checkLocked("request"); err != nil {
			unlockAll(t.handles)
			return nil, err
		}
	}
	// Drawn under every lock of the set, so two sets sharing a handle see
	// the same relative order on all of them.
	t.seq = m.seq.Add(1)
	t.rankLocked()
	for _, r := range t.reqs {
		r.h.queue = append(r.h.queue, r)
	}
	granted := t.grantLocked()
	unlockAll(t.handles)

	if granted && t.onGrant != nil {
		t.onGrant(t)
	}
	return t, nil
}

// grantLocked grants t if every request in it is admissible. All of t's
// handles must be locked.
func (t *Ticket) grantLocked() bool {
	if ticketState(t.state.Load()) != ticketPending {
		return false
	}
	for _, r := range t.reqs {
		if !r.h.admitsLocked(r) {
			return false
		}
	}
	for _, r := range t.reqs {
		r.granted = true
	}
	t.state.Store(int32(ticketGranted))
	return true
}

// admitsLocked reports whether r is compatible with every granted request
// and every pending request arbitrated before it.
func (h *Handle) admitsLocked(r *request) bool {
	for _, o := range h.queue {
		if o == r || !conflicts(o.mode, r.mode) {
			continue
		}
		if o.granted || o.t.ahead(r.t) {
			return false
		}
	}
	return true
}

// ReleaseTicket releases a granted set and grants whatever it was blocking.
func (m *Manager) ReleaseTicket(t *Ticket) error {
	lockAll(t.handles)
	if ticketState(t.state.Load()) != ticketGranted {
		unlockAll(t.handles)
		return usage("release", firstHandle(t), ErrNotHeld)
	}
	t.state.Store(int32(ticketReleased))
	waiting := t.dequeueLocked()
	unlockAll(t.handles)

	m.regrant(waiting)
	return nil
}

// Cancel withdraws a set that has not been granted yet.
func (m *Manager) Cancel(t *Ticket) error {
	lockAll(t.handles)
	if ticketState(t.state.Load()) != ticketPending {
		unlockAll(t.handles)
		return ErrGranted
	}
	t.state.Store(int32(ticketCancelled))
	waiting := t.dequeueLocked()
	unlockAll(t.handles)

	m.regrant(waiting)
	return nil
}

// dequeueLocked removes t's requests from their handles and returns the
// other pending sets found on them.
func (t *Ticket) dequeueLocked() []*Ticket {
	seen := make(map[*Ticket]bool)
	var waiting []*Ticket
	for _, r := range t.reqs {
		q := r.h.queue[:0]
		for _, o := range r.h.queue {
			if o.t == t {
				continue
			}
			q = append(q, o)
			if !o.granted && !seen[o.t] {
				seen[o.t] = true
				waiting = append(waiting, o.t)
			}
		}
		for i := len(q); i < len(r.h.queue); i++ {
			r.h.queue[i] = nil
		}
		r.h.queue = q
	}
	return waiting
}

// regrant retries the given sets in arbitration order.
func (m *Manager) regrant(waiting []*Ticket) {
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].ahead(waiting[j]) })
	for _, t := range waiting {
		lockAll(t.handles)
		granted := t.grantLocked()
		unlockAll(t.handles)
		if granted && t.onGrant != nil {
			t.onGrant(t)
		}
	}
}

func firstHandle(t *Ticket) *Handle {
	if len(t.handles) == 0 {
		return nil
	}
	return t.handles[0]
}
