package coherence

import (
	"context"
	"errors"

	"github.com/specialistvlad/gridrt/internal/topology"
)

// Acquire blocks until h may be accessed in mode from node and the replica
// there is valid. Each Acquire must be paired with a Release. If ctx ends
// first the request is withdrawn.
func (m *Manager) Acquire(ctx context.Context, h *Handle, node topology.NodeID, mode Mode) error {
	granted := make(chan struct{})
	t, err := m.RequestSet(ctx, []Request{{Handle: h, Mode: mode}}, false, func(*Ticket) { close(granted) })
	if err != nil {
		return err
	}

	select {
	case <-granted:
	case <-ctx.Done():
		if err := m.Cancel(t); errors.Is(err, ErrGranted) {
			<-granted
			_ = m.ReleaseTicket(t)
		}
		return ctx.Err()
	}

	if err := m.Fetch(ctx, h, node, mode); err != nil {
		_ = m.ReleaseTicket(t)
		return err
	}
	h.mu.Lock()
	h.held = append(h.held, t)
	h.mu.Unlock()
	return nil
}

// AcquireAsync is the non-blocking form of Acquire. cb runs on its own
// goroutine once the replica on node is valid, or with the error that
// prevented it. On error nothing stays held.
func (m *Manager) AcquireAsync(ctx context.Context, h *Handle, node topology.NodeID, mode Mode, cb func(error)) {
	_, err := m.RequestSet(ctx, []Request{{Handle: h, Mode: mode}}, false, func(t *Ticket) {
		go func() {
			if err := m.Fetch(ctx, h, node, mode); err != nil {
				_ = m.ReleaseTicket(t)
				cb(err)
				return
			}
			h.mu.Lock()
			h.held = append(h.held, t)
			h.mu.Unlock()
			cb(nil)
		}()
	})
	if err != nil {
		go cb(err)
	}
}

// Release ends the most recent explicit acquisition of h.
func (m *Manager) Release(h *Handle) error {
	h.mu.Lock()
	if len(h.held) == 0 {
		h.mu.Unlock()
		return usage("release", h, ErrNotHeld)
	}
	t := h.held[len(h.held)-1]
	h.held = h.held[:len(h.held)-1]
	h.mu.Unlock()
	return m.ReleaseTicket(t)
}
