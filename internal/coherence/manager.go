package coherence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/trace"
)

// Stats are cumulative transfer counters.
type Stats struct {
	Transfers uint64
	Coalesced uint64
	Retries   uint64
	Failures  uint64
}

// Manager owns every registered handle.
type Manager struct {
	ids atomic.Uint64
	seq atomic.Uint64

	mu      sync.Mutex
	handles map[uint64]*Handle
	byData  map[*byte]*Handle

	xfer Transferer
	sink trace.Sink

	transfers atomic.Uint64
	coalesced atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithTransferer replaces the copy engine. The default is Memcpy.
func WithTransferer(t Transferer) Option {
	return func(m *Manager) { m.xfer = t }
}

// WithSink sets the trace sink for transfer and invalidation events.
func WithSink(s trace.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		handles: make(map[uint64]*Handle),
		byData:  make(map[*byte]*Handle),
		xfer:    Memcpy{},
		sink:    trace.Nop{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register creates a handle whose home replica on node home is data. The
// caller's slice is used in place and holds the latest value again after
// Unregister. A nil data allocates a zeroed buffer.
func (m *Manager) Register(ctx context.Context, home topology.NodeID, layout Layout, data []byte) (*Handle, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	if data == nil {
		data = make([]byte, layout.Size())
	}
	if len(data) != layout.Size() {
		return nil, fmt.Errorf("coherence: buffer is %d bytes, layout needs %d", len(data), layout.Size())
	}

	h := newHandle(m.ids.Add(1), layout, home)
	h.replicas[home] = &replica{state: Owner, buf: data}

	m.mu.Lock()
	if len(data) > 0 {
		key := &data[0]
		if prev, ok := m.byData[key]; ok {
			m.mu.Unlock()
			return nil, usage("register", prev, ErrDoubleRegister)
		}
		m.byData[key] = h
	}
	m.handles[h.id] = h
	m.mu.Unlock()

	ctxlog.FromContext(ctx).Debug("Registered handle.", "handle", h.id, "bytes", layout.Size(), "home", home)
	return h, nil
}

// Unregister writes the latest value back to the home replica and forgets
// the handle. It fails while requests are outstanding or the handle is
// partitioned.
func (m *Manager) Unregister(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	switch {
	case !h.registered || h.closing:
		h.mu.Unlock()
		return usage("unregister", h, ErrUnregistered)
	case h.partitioned:
		h.mu.Unlock()
		return usage("unregister", h, ErrPartitioned)
	case h.parent != nil:
		h.mu.Unlock()
		return usage("unregister", h, ErrPartitioned)
	case len(h.queue) > 0 || len(h.held) > 0:
		h.mu.Unlock()
		return usage("unregister", h, ErrBusy)
	}
	h.closing = true
	failed := h.failed
	home := h.home
	h.mu.Unlock()

	if !failed {
		if err := m.fetch(ctx, h, home, Read); err != nil {
			h.mu.Lock()
			h.closing = false
			h.mu.Unlock()
			return err
		}
	}
	m.forget(h)
	ctxlog.FromContext(ctx).Debug("Unregistered handle.", "handle", h.id)
	return nil
}

// forget drops h from the manager's tables and marks it unregistered.
func (m *Manager) forget(h *Handle) {
	h.mu.Lock()
	h.registered = false
	h.closing = false
	var key *byte
	if r, ok := h.replicas[h.home]; ok && len(r.buf) > 0 {
		key = &r.buf[0]
	}
	h.mu.Unlock()

	m.mu.Lock()
	delete(m.handles, h.id)
	if key != nil && m.byData[key] == h {
		delete(m.byData, key)
	}
	m.mu.Unlock()
}

// Lookup returns a registered handle by id.
func (m *Manager) Lookup(id uint64) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// Len returns the number of registered handles, children included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Data returns the buffer of the valid replica of h on node, or nil when
// node holds no valid copy. Callers must hold a granted request on h.
func (m *Manager) Data(h *Handle, node topology.NodeID) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.replicas[node]
	if !ok || !r.state.Valid() {
		return nil
	}
	return r.buf
}

// Recover clears the failed mark left by a transfer error. The caller
// declares the replica on node authoritative; it becomes Owner and every
// other replica is invalidated.
func (m *Manager) Recover(ctx context.Context, h *Handle, node topology.NodeID) error {
	h.mu.Lock()
	if !h.registered {
		h.mu.Unlock()
		return usage("recover", h, ErrUnregistered)
	}
	if !h.failed {
		h.mu.Unlock()
		return nil
	}
	for _, r := range h.replicas {
		r.state = Invalid
	}
	h.replicaLocked(node).state = Owner
	h.failed = false
	h.mu.Unlock()

	ctxlog.FromContext(ctx).Info("Recovered handle.", "handle", h.id, "node", node)
	return nil
}

// Stats returns a snapshot of the transfer counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Transfers: m.transfers.Load(),
		Coalesced: m.coalesced.Load(),
		Retries:   m.retries.Load(),
		Failures:  m.failures.Load(),
	}
}
