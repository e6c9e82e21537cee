package config

import (
	"context"
	"fmt"

	"github.com/specialistvlad/gridrt/internal/topology"
)

// Topology builds the worker topology described by m. Worker ids are
// assigned in group order starting at zero; the returned map lists the ids
// of every group. A machine without worker groups gets one CPU worker per
// core in a group named "cpu".
func (m *Machine) Topology(ctx context.Context) (*topology.Memory, map[string][]int, error) {
	if len(m.Workers) == 0 {
		store, err := topology.DiscoverLocal(ctx, 0)
		if err != nil {
			return nil, nil, err
		}
		var ids []int
		for _, d := range store.Workers(ctx) {
			ids = append(ids, d.ID)
		}
		return store, map[string][]int{"cpu": ids}, nil
	}

	store := topology.New()
	nodes := m.MemoryNodes
	if len(nodes) == 0 {
		nodes = []MemoryNode{{Name: "ram", ID: int(topology.MainMemory)}}
	}
	for _, n := range nodes {
		err := store.AddMemoryNode(ctx, topology.MemoryNode{
			ID:            topology.NodeID(n.ID),
			Name:          n.Name,
			BandwidthMBps: n.BandwidthMBps,
			LatencyUs:     n.LatencyUs,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	groups := make(map[string][]int, len(m.Workers))
	next := 0
	for _, g := range m.Workers {
		if _, dup := groups[g.Name]; dup {
			return nil, nil, fmt.Errorf("worker group %q declared twice", g.Name)
		}
		ids := make([]int, 0, g.Count)
		for range g.Count {
			d := topology.Descriptor{ID: next, Arch: topology.Arch(g.Arch), MemNode: topology.NodeID(g.MemoryNode), Streams: max(g.Streams, 1)}
			if err := store.AddWorker(ctx, d); err != nil {
				return nil, nil, fmt.Errorf("worker group %q: %w", g.Name, err)
			}
			ids = append(ids, next)
			next++
		}
		groups[g.Name] = ids
	}
	return store, groups, nil
}

// ContextWorkers resolves the worker ids of c against the group ids
// returned by Topology.
func ContextWorkers(c Context, groups map[string][]int) ([]int, error) {
	ids := append([]int(nil), c.Workers...)
	for _, name := range c.Groups {
		g, ok := groups[name]
		if !ok {
			return nil, fmt.Errorf("context %q: unknown worker group %q", c.Name, name)
		}
		ids = append(ids, g...)
	}
	return ids, nil
}
