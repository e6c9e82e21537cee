package coherence

import (
	"context"
	"fmt"

	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/specialistvlad/gridrt/internal/topology"
)

// Extent is a byte range of a parent buffer.
type Extent struct {
	Offset int
	Len    int
}

// Filter splits a parent layout into children.
type Filter interface {
	// Children is the number of sub-handles produced.
	Children() int
	// Extents returns the parent byte ranges backing child i, in child
	// order, and the child's layout.
	Extents(i int, parent Layout) ([]Extent, Layout)
}

// Block splits a vector into N contiguous chunks. Sizes differ by at most
// one element; leading chunks are the smaller ones.
type Block struct{ N int }

// Children implements Filter.
func (b Block) Children() int { return b.N }

// Extents implements Filter.
func (b Block) Extents(i int, parent Layout) ([]Extent, Layout) {
	lo := i * parent.Count / b.N
	hi := (i + 1) * parent.Count / b.N
	child := Layout{ElemSize: parent.ElemSize, Count: hi - lo}
	return []Extent{{Offset: lo * parent.ElemSize, Len: child.Size()}}, child
}

// Strided deals elements round-robin: child i holds elements i, i+N, i+2N...
type Strided struct{ N int }

// Children implements Filter.
func (s Strided) Children() int { return s.N }

// Extents implements Filter.
func (s Strided) Extents(i int, parent Layout) ([]Extent, Layout) {
	var ext []Extent
	for e := i; e < parent.Count; e += s.N {
		ext = append(ext, Extent{Offset: e * parent.ElemSize, Len: parent.ElemSize})
	}
	return ext, Layout{ElemSize: parent.ElemSize, Count: len(ext)}
}

func gather(src []byte, ext []Extent, size int) []byte {
	out := make([]byte, 0, size)
	for _, e := range ext {
		out = append(out, src[e.Offset:e.Offset+e.Len]...)
	}
	return out
}

func scatter(dst []byte, ext []Extent, src []byte) {
	off := 0
	for _, e := range ext {
		copy(dst[e.Offset:e.Offset+e.Len], src[off:off+e.Len])
		off += e.Len
	}
}

// Partition splits a quiescent handle into sub-handles. While partitioned
// the parent cannot be requested; the children can be, independently.
// Every memory node holding a valid parent copy holds a valid copy of each
// child with the same state.
func (m *Manager) Partition(ctx context.Context, h *Handle, f Filter) ([]*Handle, error) {
	if f == nil || f.Children() <= 0 {
		return nil, fmt.Errorf("coherence: partition needs at least one child")
	}

	h.mu.Lock()
	if err := h.checkLocked("partition"); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if len(h.queue) > 0 || len(h.held) > 0 {
		h.mu.Unlock()
		return nil, usage("partition", h, ErrBusy)
	}

	children := make([]*Handle, f.Children())
	for i := range children {
		ext, layout := f.Extents(i, h.layout)
		c := newHandle(m.ids.Add(1), layout, h.home)
		c.parent, c.index, c.extents = h, i, ext
		for n, r := range h.replicas {
			if r.state.Valid() {
				c.replicas[n] = &replica{state: r.state, buf: gather(r.buf, ext, layout.Size())}
			}
		}
		if r, ok := c.replicas[c.home]; !ok || !r.state.Valid() {
			if src, ok := c.sourceLocked(-1, -1); ok {
				c.home = src
			}
		}
		children[i] = c
	}
	h.partitioned = true
	h.children = children
	h.mu.Unlock()

	m.mu.Lock()
	for _, c := range children {
		m.handles[c.id] = c
	}
	m.mu.Unlock()

	ctxlog.FromContext(ctx).Debug("Partitioned handle.", "handle", h.id, "children", len(children))
	return children, nil
}

// Unpartition collapses the children of h back into it on node. Every child
// must be quiescent. Afterwards the parent replica on node is the Owner and
// holds the latest value of every child; the children are unregistered.
func (m *Manager) Unpartition(ctx context.Context, h *Handle, node topology.NodeID) error {
	h.mu.Lock()
	if !h.registered || h.closing {
		h.mu.Unlock()
		return usage("unpartition", h, ErrUnregistered)
	}
	if !h.partitioned {
		h.mu.Unlock()
		return usage("unpartition", h, ErrNotPartitioned)
	}
	children := h.children
	lockAll(children)
	for _, c := range children {
		if len(c.queue) > 0 || len(c.held) > 0 || c.partitioned || c.closing {
			unlockAll(children)
			h.mu.Unlock()
			return usage("unpartition", c, ErrBusy)
		}
	}
	for _, c := range children {
		c.closing = true
	}
	unlockAll(children)
	h.mu.Unlock()

	for _, c := range children {
		if err := m.fetch(ctx, c, node, Read); err != nil {
			reopen(children)
			return err
		}
	}

	h.mu.Lock()
	lockAll(children)
	dst := h.replicaLocked(node)
	for _, c := range children {
		scatter(dst.buf, c.extents, c.replicas[node].buf)
		c.registered = false
		c.closing = false
	}
	for _, r := range h.replicas {
		r.state = Invalid
	}
	dst.state = Owner
	h.partitioned = false
	h.children = nil
	unlockAll(children)
	h.mu.Unlock()

	m.mu.Lock()
	for _, c := range children {
		delete(m.handles, c.id)
	}
	m.mu.Unlock()

	ctxlog.FromContext(ctx).Debug("Unpartitioned handle.", "handle", h.id, "node", node)
	return nil
}

func reopen(children []*Handle) {
	for _, c := range children {
		c.mu.Lock()
		c.closing = false
		c.mu.Unlock()
	}
}
