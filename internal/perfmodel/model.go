// Package perfmodel predicts task lengths and transfer times.
//
// The History model keeps a running mean per (codelet, arch, implementation)
// and reports NaN until an entry has enough samples, which schedulers read
// as "uncalibrated". Static values from the machine file stand in until
// measurements take over. Measurements can be snapshotted to CBOR and
// reloaded on the next run.
package perfmodel

import (
	"math"
	"sync"

	"github.com/specialistvlad/gridrt/internal/topology"
)

// Model is the performance model interface the schedulers consume. All
// times are in microseconds.
type Model interface {
	// PredictLength returns the expected execution time, or NaN when the
	// model has no calibrated value.
	PredictLength(codelet string, arch topology.Arch, impl int) float64
	// PredictTransferTime returns the expected time to copy size bytes.
	PredictTransferTime(size int, src, dst topology.NodeID) float64
	// Record feeds back a measured execution time.
	Record(codelet string, arch topology.Arch, impl int, us float64)
}

// Key identifies one history entry.
type Key struct {
	Codelet string        `cbor:"1,keyasint"`
	Arch    topology.Arch `cbor:"2,keyasint"`
	Impl    int           `cbor:"3,keyasint"`
}

// entry is a Welford running mean.
type entry struct {
	n    uint64
	mean float64
	m2   float64
}

func (e *entry) add(x float64) {
	e.n++
	d := x - e.mean
	e.mean += d / float64(e.n)
	e.m2 += d * (x - e.mean)
}

func (e *entry) stddev() float64 {
	if e.n < 2 {
		return 0
	}
	return math.Sqrt(e.m2 / float64(e.n-1))
}

// Link describes the path between two memory nodes.
type Link struct {
	BandwidthMBps float64 `cbor:"1,keyasint"`
	LatencyUs     float64 `cbor:"2,keyasint"`
}

// Micros returns the time to move size bytes over the link. One MB/s moves
// one byte per microsecond.
func (l Link) Micros(size int) float64 {
	if l.BandwidthMBps <= 0 {
		return l.LatencyUs
	}
	return l.LatencyUs + float64(size)/l.BandwidthMBps
}

type linkKey struct{ src, dst topology.NodeID }

// History is the default Model.
type History struct {
	mu        sync.RWMutex
	threshold uint64
	entries   map[Key]*entry
	static    map[Key]float64
	links     map[linkKey]Link
}

// DefaultThreshold is the number of samples after which an entry is
// considered calibrated.
const DefaultThreshold = 10

// NewHistory creates a history model that reports NaN until an entry has
// at least threshold samples.
func NewHistory(threshold int) *History {
	if threshold < 1 {
		threshold = 1
	}
	return &History{
		threshold: uint64(threshold),
		entries:   make(map[Key]*entry),
		static:    make(map[Key]float64),
		links:     make(map[linkKey]Link),
	}
}

// SetStatic seeds a prediction used until the entry is calibrated.
func (h *History) SetStatic(codelet string, arch topology.Arch, impl int, us float64) {
	h.mu.Lock()
	h.static[Key{codelet, arch, impl}] = us
	h.mu.Unlock()
}

// SetLink sets the link between two nodes in both directions.
func (h *History) SetLink(a, b topology.NodeID, l Link) {
	h.mu.Lock()
	h.links[linkKey{a, b}] = l
	h.links[linkKey{b, a}] = l
	h.mu.Unlock()
}

// PredictLength implements Model.
func (h *History) PredictLength(codelet string, arch topology.Arch, impl int) float64 {
	k := Key{codelet, arch, impl}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.entries[k]; ok && e.n >= h.threshold {
		return e.mean
	}
	if v, ok := h.static[k]; ok {
		return v
	}
	return math.NaN()
}

// PredictTransferTime implements Model. Nodes without a direct link are
// assumed to route through main memory.
func (h *History) PredictTransferTime(size int, src, dst topology.NodeID) float64 {
	if src == dst || size == 0 {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if l, ok := h.links[linkKey{src, dst}]; ok {
		return l.Micros(size)
	}
	var total float64
	if src != topology.MainMemory {
		total += h.links[linkKey{src, topology.MainMemory}].Micros(size)
	}
	if dst != topology.MainMemory {
		total += h.links[linkKey{topology.MainMemory, dst}].Micros(size)
	}
	return total
}

// Record implements Model.
func (h *History) Record(codelet string, arch topology.Arch, impl int, us float64) {
	if math.IsNaN(us) || us < 0 {
		return
	}
	k := Key{codelet, arch, impl}
	h.mu.Lock()
	e, ok := h.entries[k]
	if !ok {
		e = &entry{}
		h.entries[k] = e
	}
	e.add(us)
	h.mu.Unlock()
}

// Stat is a read-only view of one entry.
type Stat struct {
	Key     Key
	Samples uint64
	Mean    float64
	StdDev  float64
}

// Stats returns every measured entry.
func (h *History) Stats() []Stat {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Stat, 0, len(h.entries))
	for k, e := range h.entries {
		out = append(out, Stat{Key: k, Samples: e.n, Mean: e.mean, StdDev: e.stddev()})
	}
	sortStats(out)
	return out
}
