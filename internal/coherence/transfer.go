package coherence

import (
	"context"
	"fmt"

	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/trace"
)

// Copy describes one replica copy.
type Copy struct {
	Handle   uint64
	Src, Dst topology.NodeID
	From, To []byte
}

// Transferer moves bytes between memory nodes.
type Transferer interface {
	Copy(ctx context.Context, c Copy) error
}

// TransferFunc adapts a function to Transferer.
type TransferFunc func(ctx context.Context, c Copy) error

// Copy implements Transferer.
func (f TransferFunc) Copy(ctx context.Context, c Copy) error { return f(ctx, c) }

// Memcpy copies within one address space. Every node of a simulated
// machine lives in host memory, so this is the default engine.
type Memcpy struct{}

// Copy implements Transferer.
func (Memcpy) Copy(ctx context.Context, c Copy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(c.From) != len(c.To) {
		return fmt.Errorf("size mismatch: %d != %d", len(c.From), len(c.To))
	}
	copy(c.To, c.From)
	return nil
}

// copyReplica runs one copy through the transferer and reports it.
func (m *Manager) copyReplica(ctx context.Context, h *Handle, src, dst topology.NodeID, from, to []byte) error {
	m.sink.Emit(trace.Stamp(trace.Event{
		Kind: trace.TransferStarted, Worker: -1, Handle: h.id, Src: int(src), Dst: int(dst),
		Attrs: map[string]any{"bytes": len(from)},
	}))
	err := m.xfer.Copy(ctx, Copy{Handle: h.id, Src: src, Dst: dst, From: from, To: to})
	kind := trace.TransferDone
	if err != nil {
		kind = trace.TransferFailed
	} else {
		m.transfers.Add(1)
	}
	m.sink.Emit(trace.Stamp(trace.Event{
		Kind: kind, Worker: -1, Handle: h.id, Src: int(src), Dst: int(dst),
		Attrs: map[string]any{"bytes": len(from)},
	}))
	return err
}
