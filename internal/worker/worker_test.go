package worker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mk(id int, arch topology.Arch, node topology.NodeID) *Worker {
	return New(topology.Descriptor{ID: id, Arch: arch, MemNode: node, Streams: 1})
}

func ids(ws []*Worker) []int {
	out := make([]int, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}

func TestCombine(t *testing.T) {
	a, b := mk(1, topology.CPU, 0), mk(2, topology.CPU, 3)
	c, err := Combine(100, []*Worker{b, a})
	require.NoError(t, err)
	assert.True(t, c.Combined())
	assert.Equal(t, topology.NodeID(3), c.MemNode, "memory node comes from the first member")
	assert.Equal(t, []int{2, 1}, c.Members)

	_, err = Combine(101, nil)
	require.ErrorIs(t, err, ErrEmptyCombination)
	_, err = Combine(102, []*Worker{a, mk(3, topology.CUDA, 1)})
	require.Error(t, err)
}

func TestWake_Coalesces(t *testing.T) {
	w := mk(1, topology.CPU, 0)
	w.Wake()
	w.Wake()
	<-w.Wakeups()
	select {
	case <-w.Wakeups():
		t.Fatal("second wakeup should have been coalesced")
	default:
	}
}

func TestCollections(t *testing.T) {
	for name, newColl := range map[string]func() Collection{
		"list": func() Collection { return NewList() },
		"tree": func() Collection { return NewTree() },
	} {
		t.Run(name, func(t *testing.T) {
			c := newColl()
			assert.True(t, c.Add(mk(1, topology.CPU, 0)))
			assert.True(t, c.Add(mk(2, topology.CUDA, 1)))
			assert.True(t, c.Add(mk(3, topology.CPU, 0)))
			assert.False(t, c.Add(mk(1, topology.CPU, 0)))
			assert.Equal(t, 3, c.Len())

			it := c.Iterator()
			assert.True(t, c.Remove(3))
			assert.False(t, c.Remove(3))
			assert.Len(t, Slice(it), 3, "iterators work on a snapshot")

			assert.True(t, c.Contains(2))
			assert.False(t, c.Contains(3))
			w, ok := c.Get(2)
			require.True(t, ok)
			assert.Equal(t, topology.CUDA, w.Arch)

			c.Deinit()
			assert.Zero(t, c.Len())
			assert.True(t, c.Add(mk(4, topology.CPU, 0)))
		})
	}
}

func TestTree_DepthFirstOrder(t *testing.T) {
	tr := NewTree()
	tr.Add(mk(5, topology.CUDA, 1))
	tr.Add(mk(1, topology.CPU, 0))
	tr.Add(mk(7, topology.OpenCL, 1))
	tr.Add(mk(2, topology.CPU, 0))
	tr.Add(mk(6, topology.CUDA, 1))

	got := ids(Slice(tr.Iterator()))
	if diff := cmp.Diff([]int{1, 2, 5, 6, 7}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestList_InsertionOrder(t *testing.T) {
	l := NewList()
	for _, id := range []int{4, 2, 9} {
		l.Add(mk(id, topology.CPU, 0))
	}
	l.Remove(2)
	l.Add(mk(2, topology.CPU, 0))
	assert.Equal(t, []int{4, 9, 2}, ids(Slice(l.Iterator())))
}
