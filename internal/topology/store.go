package topology

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
)

// Arch is the architecture of an execution unit, e.g. "cpu" or "cuda".
type Arch string

const (
	CPU    Arch = "cpu"
	CUDA   Arch = "cuda"
	OpenCL Arch = "opencl"
)

// NodeID identifies a memory node. Node 0 is main memory by convention.
type NodeID int

// MainMemory is the memory node of host RAM.
const MainMemory NodeID = 0

// MemoryNode describes one physical memory location and the link used to
// reach it from main memory.
type MemoryNode struct {
	ID            NodeID
	Name          string
	BandwidthMBps float64
	LatencyUs     float64
}

// Descriptor is the read-only description of one worker.
type Descriptor struct {
	ID      int
	Arch    Arch
	MemNode NodeID
	// Streams is the number of concurrent device streams; 1 for CPU cores.
	Streams int
}

// Store is the interface for the static machine description.
//
// Implementations MUST be safe for concurrent use: the topology is written
// during startup and read from every worker goroutine afterwards.
type Store interface {
	// AddMemoryNode registers a memory node. Adding the same id twice is an error.
	AddMemoryNode(ctx context.Context, n MemoryNode) error
	// AddWorker appends a worker descriptor. Its memory node must exist.
	AddWorker(ctx context.Context, d Descriptor) error
	// Worker looks up a descriptor by id.
	Worker(ctx context.Context, id int) (Descriptor, bool)
	// Workers returns all descriptors in insertion order.
	Workers(ctx context.Context) []Descriptor
	// MemoryNode looks up a memory node by id.
	MemoryNode(ctx context.Context, id NodeID) (MemoryNode, bool)
	// MemoryNodes returns all memory nodes ordered by id.
	MemoryNodes(ctx context.Context) []MemoryNode
}

// Memory implements Store with maps guarded by a RWMutex.
type Memory struct {
	mu      sync.RWMutex
	nodes   map[NodeID]MemoryNode
	workers []Descriptor
	index   map[int]int // worker id -> position in workers
}

// New creates an empty in-memory topology store.
func New() *Memory {
	return &Memory{
		nodes: make(map[NodeID]MemoryNode),
		index: make(map[int]int),
	}
}

// AddMemoryNode adds a memory node to the store.
func (s *Memory) AddMemoryNode(ctx context.Context, n MemoryNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[n.ID]; exists {
		return fmt.Errorf("memory node %d already registered", n.ID)
	}
	s.nodes[n.ID] = n
	return nil
}

// AddWorker appends a worker descriptor to the store.
func (s *Memory) AddWorker(ctx context.Context, d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[d.ID]; exists {
		return fmt.Errorf("worker %d already registered", d.ID)
	}
	if _, exists := s.nodes[d.MemNode]; !exists {
		return fmt.Errorf("worker %d references unknown memory node %d", d.ID, d.MemNode)
	}
	if d.Streams <= 0 {
		d.Streams = 1
	}
	s.index[d.ID] = len(s.workers)
	s.workers = append(s.workers, d)
	return nil
}

// Worker retrieves a single worker descriptor.
func (s *Memory) Worker(ctx context.Context, id int) (Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[id]
	if !ok {
		return Descriptor{}, false
	}
	return s.workers[pos], true
}

// Workers returns a snapshot of all descriptors in insertion order.
func (s *Memory) Workers(ctx context.Context) []Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Descriptor, len(s.workers))
	copy(out, s.workers)
	return out
}

// MemoryNode retrieves a memory node by id.
func (s *Memory) MemoryNode(ctx context.Context, id NodeID) (MemoryNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	return n, ok
}

// MemoryNodes returns all memory nodes ordered by id.
func (s *Memory) MemoryNodes(ctx context.Context) []MemoryNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MemoryNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Archs returns the distinct architectures present in the store, in the
// order they first appear.
func Archs(ctx context.Context, s Store) []Arch {
	seen := make(map[Arch]struct{})
	var out []Arch
	for _, d := range s.Workers(ctx) {
		if _, ok := seen[d.Arch]; ok {
			continue
		}
		seen[d.Arch] = struct{}{}
		out = append(out, d.Arch)
	}
	return out
}

// DiscoverLocal builds a topology with one CPU worker per logical core on
// main memory. A non-positive count means runtime.NumCPU().
func DiscoverLocal(ctx context.Context, count int) (*Memory, error) {
	if count <= 0 {
		count = runtime.NumCPU()
	}
	s := New()
	if err := s.AddMemoryNode(ctx, MemoryNode{ID: MainMemory, Name: "ram"}); err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		if err := s.AddWorker(ctx, Descriptor{ID: i, Arch: CPU, MemNode: MainMemory, Streams: 1}); err != nil {
			return nil, err
		}
	}
	return s, nil
}
