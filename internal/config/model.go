package config

import (
	"context"
	"time"
)

// Loader reads machine files and merges them into one Machine.
type Loader interface {
	Load(ctx context.Context, paths ...string) (*Machine, error)
}

// Machine is the unified description of the hardware and how the runtime
// should use it.
type Machine struct {
	MemoryNodes []MemoryNode
	Workers     []WorkerGroup
	Contexts    []Context
	Hypervisor  Hypervisor
	Models      []StaticModel
	PerfModel   PerfModel
	Trace       Trace
}

// MemoryNode is one memory location. Node 0 is main memory.
type MemoryNode struct {
	Name          string
	ID            int
	BandwidthMBps float64
	LatencyUs     float64
}

// WorkerGroup declares Count identical workers.
type WorkerGroup struct {
	Name       string
	Arch       string
	Count      int
	MemoryNode int
	Streams    int
	// Latency is the launch latency of a simulated accelerator. It is
	// ignored for CPU groups.
	Latency time.Duration
}

// Context is a scheduling context created at startup.
type Context struct {
	Name   string
	Policy string
	// Groups names worker groups whose workers join the context.
	Groups []string
	// Workers lists extra worker ids.
	Workers []int
	Tree    bool
}

// Hypervisor tunes worker rebalancing.
type Hypervisor struct {
	Enabled             bool
	MinWorkers          int
	SampleFraction      float64
	StartSampleFraction float64
	Period              time.Duration
}

// StaticModel seeds a predicted kernel length before calibration.
type StaticModel struct {
	Codelet  string
	Arch     string
	Impl     int
	LengthUs float64
}

// PerfModel configures the history performance model.
type PerfModel struct {
	Path      string
	Threshold int
}

// Trace selects the trace sink: "nop", "slog" or "socketio".
type Trace struct {
	Kind      string
	URL       string
	Namespace string
	Buffer    int
}
