package coherence

import (
	"context"

	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/trace"
)

// Fetch makes the replica of h on node valid for mode. The caller must hold
// a granted request on h covering mode.
//
// A read leaves every valid replica Shared. A write or read-write makes node
// the Owner and invalidates all other replicas; the current value is copied
// in first even for plain writes, since kernels may write only part of the
// buffer.
//
// Concurrent fetches towards the same node share one copy. A failed copy is
// retried once from another valid replica; if that fails too the handle is
// marked invalid and stays so until Recover.
func (m *Manager) Fetch(ctx context.Context, h *Handle, node topology.NodeID, mode Mode) error {
	h.mu.Lock()
	err := h.checkLocked("fetch")
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return m.fetch(ctx, h, node, mode)
}

func (m *Manager) fetch(ctx context.Context, h *Handle, node topology.NodeID, mode Mode) error {
	h.mu.Lock()
	for {
		if !h.registered {
			h.mu.Unlock()
			return usage("fetch", h, ErrUnregistered)
		}
		if h.failed {
			h.mu.Unlock()
			return usage("fetch", h, ErrInvalid)
		}
		if r, ok := h.replicas[node]; ok && r.state.Valid() {
			break
		}

		if tr, ok := h.inflight[node]; ok {
			m.coalesced.Add(1)
			h.mu.Unlock()
			select {
			case <-tr.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			h.mu.Lock()
			continue
		}

		src, ok := h.sourceLocked(node, node)
		if !ok {
			h.mu.Unlock()
			return usage("fetch", h, ErrInvalid)
		}
		dst := h.replicaLocked(node)
		tr := &transfer{done: make(chan struct{})}
		h.inflight[node] = tr
		from := h.replicas[src].buf
		h.mu.Unlock()

		err := m.copyReplica(ctx, h, src, node, from, dst.buf)
		if err != nil && ctx.Err() == nil {
			h.mu.Lock()
			alt, ok := h.sourceLocked(node, src)
			var altBuf []byte
			if ok {
				altBuf = h.replicas[alt].buf
			}
			h.mu.Unlock()
			if ok {
				m.retries.Add(1)
				if err = m.copyReplica(ctx, h, alt, node, altBuf, dst.buf); err == nil {
					src = alt
				}
			}
		}

		h.mu.Lock()
		delete(h.inflight, node)
		tr.err = err
		close(tr.done)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled, not broken: the source replicas are untouched.
				h.mu.Unlock()
				return ctx.Err()
			}
			h.failed = true
			h.mu.Unlock()
			m.failures.Add(1)
			m.sink.Emit(trace.Stamp(trace.Event{Kind: trace.HandleInvalid, Worker: -1, Handle: h.id, Src: int(src), Dst: int(node)}))
			return &TransferError{Handle: h.id, Src: int(src), Dst: int(node), Err: err}
		}
		if s := h.replicas[src]; s.state == Owner {
			s.state = Shared
		}
		dst.state = Shared
		// Loop once more to re-check under the lock.
	}

	if mode.Writes() {
		invalidated := 0
		for n, r := range h.replicas {
			if n != node && r.state.Valid() {
				r.state = Invalid
				invalidated++
			}
		}
		h.replicas[node].state = Owner
		if invalidated > 0 {
			m.sink.Emit(trace.Stamp(trace.Event{
				Kind: trace.HandleInvalid, Worker: -1, Handle: h.id, Dst: int(node),
				Attrs: map[string]any{"replicas": invalidated},
			}))
		}
	}
	h.mu.Unlock()
	return nil
}
