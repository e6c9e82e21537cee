package coherence

import (
	"sort"
	"sync"

	"github.com/specialistvlad/gridrt/internal/topology"
)

// replica is one copy of a handle's bytes on a memory node.
type replica struct {
	state State
	buf   []byte
}

// transfer is an in-flight copy towards one destination node. Waiters block
// on done; err is set before done is closed.
type transfer struct {
	done chan struct{}
	err  error
}

// Handle is a registered data item. All fields below mu are guarded by it.
type Handle struct {
	id     uint64
	layout Layout

	mu          sync.Mutex
	home        topology.NodeID
	registered  bool
	closing     bool
	failed      bool
	replicas    map[topology.NodeID]*replica
	inflight    map[topology.NodeID]*transfer
	queue       []*request
	held        []*Ticket
	partitioned bool
	children    []*Handle

	// Set once at partition time and never mutated afterwards.
	parent  *Handle
	index   int
	extents []Extent
}

func newHandle(id uint64, layout Layout, home topology.NodeID) *Handle {
	return &Handle{
		id:         id,
		layout:     layout,
		home:       home,
		registered: true,
		replicas:   make(map[topology.NodeID]*replica),
		inflight:   make(map[topology.NodeID]*transfer),
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() uint64 { return h.id }

// Layout returns the byte layout the handle was registered with.
func (h *Handle) Layout() Layout { return h.layout }

// Size returns the extent of the handle in bytes.
func (h *Handle) Size() int { return h.layout.Size() }

// Parent returns the handle this one was partitioned from, or nil.
func (h *Handle) Parent() *Handle { return h.parent }

// Index returns the child index within its parent's partition.
func (h *Handle) Index() int { return h.index }

// Home returns the handle's home memory node.
func (h *Handle) Home() topology.NodeID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.home
}

// Children returns the active partition of the handle, or nil.
func (h *Handle) Children() []*Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Handle, len(h.children))
	copy(out, h.children)
	return out
}

// Partitioned reports whether the handle is currently partitioned.
func (h *Handle) Partitioned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.partitioned
}

// State returns the coherence state of the replica on node.
func (h *Handle) State(node topology.NodeID) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.replicas[node]; ok {
		return r.state
	}
	return Invalid
}

// States returns a snapshot of every replica state keyed by node.
func (h *Handle) States() map[topology.NodeID]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[topology.NodeID]State, len(h.replicas))
	for n, r := range h.replicas {
		out[n] = r.state
	}
	return out
}

// SourceFor reports where a copy towards dst would come from. needed is
// false when dst already holds a valid replica.
func (h *Handle) SourceFor(dst topology.NodeID) (src topology.NodeID, needed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.replicas[dst]; ok && r.state.Valid() {
		return dst, false
	}
	src, ok := h.sourceLocked(dst, dst)
	if !ok {
		return h.home, true
	}
	return src, true
}

// Pending returns the number of queued (granted or waiting) requests.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// sourceLocked picks the replica a copy towards dst should read from: the
// owner if any, else the lowest-numbered shared node. exclude is skipped so
// a failed source is not picked twice.
func (h *Handle) sourceLocked(dst, exclude topology.NodeID) (topology.NodeID, bool) {
	nodes := make([]topology.NodeID, 0, len(h.replicas))
	for n, r := range h.replicas {
		if n == dst || n == exclude || !r.state.Valid() {
			continue
		}
		if r.state == Owner {
			return n, true
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return 0, false
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes[0], true
}

// replicaLocked returns the replica on node, allocating an invalid one.
func (h *Handle) replicaLocked(node topology.NodeID) *replica {
	r, ok := h.replicas[node]
	if !ok {
		r = &replica{state: Invalid, buf: make([]byte, h.layout.Size())}
		h.replicas[node] = r
	}
	return r
}

// checkLocked validates that the handle may be accessed directly.
func (h *Handle) checkLocked(op string) error {
	switch {
	case !h.registered || h.closing:
		return usage(op, h, ErrUnregistered)
	case h.partitioned:
		return usage(op, h, ErrPartitioned)
	case h.failed:
		return usage(op, h, ErrInvalid)
	}
	return nil
}

// lockAll locks handles, which must already be sorted by id.
func lockAll(hs []*Handle) {
	for _, h := range hs {
		h.mu.Lock()
	}
}

func unlockAll(hs []*Handle) {
	for i := len(hs) - 1; i >= 0; i-- {
		hs[i].mu.Unlock()
	}
}

func sortHandles(hs []*Handle) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].id < hs[j].id })
}
