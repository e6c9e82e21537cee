package topology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGetWorker(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AddMemoryNode(ctx, MemoryNode{ID: 0, Name: "ram"}))
	require.NoError(t, s.AddWorker(ctx, Descriptor{ID: 7, Arch: CPU, MemNode: 0}))

	d, ok := s.Worker(ctx, 7)
	require.True(t, ok)
	assert.Equal(t, CPU, d.Arch)
	assert.Equal(t, 1, d.Streams, "streams default to one")

	_, ok = s.Worker(ctx, 8)
	assert.False(t, ok)
}

func TestAddWorker_UnknownMemoryNode(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.AddWorker(ctx, Descriptor{ID: 0, Arch: CUDA, MemNode: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown memory node 3")
}

func TestAddWorker_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AddMemoryNode(ctx, MemoryNode{ID: 0}))
	require.NoError(t, s.AddWorker(ctx, Descriptor{ID: 1, Arch: CPU}))
	require.Error(t, s.AddWorker(ctx, Descriptor{ID: 1, Arch: CPU}))
}

func TestWorkers_KeepInsertionOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AddMemoryNode(ctx, MemoryNode{ID: 1, Name: "gpu"}))
	require.NoError(t, s.AddMemoryNode(ctx, MemoryNode{ID: 0, Name: "ram"}))
	require.NoError(t, s.AddWorker(ctx, Descriptor{ID: 5, Arch: CUDA, MemNode: 1}))
	require.NoError(t, s.AddWorker(ctx, Descriptor{ID: 2, Arch: CPU, MemNode: 0}))

	ws := s.Workers(ctx)
	require.Len(t, ws, 2)
	assert.Equal(t, 5, ws[0].ID)
	assert.Equal(t, 2, ws[1].ID)

	nodes := s.MemoryNodes(ctx)
	require.Len(t, nodes, 2)
	assert.Equal(t, NodeID(0), nodes[0].ID)

	assert.Equal(t, []Arch{CUDA, CPU}, Archs(ctx, s))
}

func TestDiscoverLocal(t *testing.T) {
	s, err := DiscoverLocal(context.Background(), 3)
	require.NoError(t, err)
	ws := s.Workers(context.Background())
	require.Len(t, ws, 3)
	for i, d := range ws {
		assert.Equal(t, i, d.ID)
		assert.Equal(t, MainMemory, d.MemNode)
	}
}
