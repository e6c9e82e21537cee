package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block a machine file may contain.
type fileRoot struct {
	MemoryNodes []*memoryNodeBlock `hcl:"memory_node,block"`
	Workers     []*workersBlock    `hcl:"workers,block"`
	Contexts    []*contextBlock    `hcl:"context,block"`
	Models      []*modelBlock      `hcl:"model,block"`
	Hypervisor  *settingsBlock     `hcl:"hypervisor,block"`
	PerfModel   *settingsBlock     `hcl:"perfmodel,block"`
	Trace       *settingsBlock     `hcl:"trace,block"`
	Remain      hcl.Body           `hcl:",remain"`
}

type memoryNodeBlock struct {
	Name          string  `hcl:"name,label"`
	ID            int     `hcl:"id"`
	BandwidthMBps float64 `hcl:"bandwidth_mbps,optional"`
	LatencyUs     float64 `hcl:"latency_us,optional"`
}

type workersBlock struct {
	Name       string `hcl:"name,label"`
	Arch       string `hcl:"arch"`
	Count      int    `hcl:"count,optional"`
	MemoryNode int    `hcl:"memory_node,optional"`
	Streams    int    `hcl:"streams,optional"`
	Latency    string `hcl:"latency,optional"`
}

type contextBlock struct {
	Name    string   `hcl:"name,label"`
	Policy  string   `hcl:"policy,optional"`
	Groups  []string `hcl:"groups,optional"`
	Workers []int    `hcl:"workers,optional"`
	Tree    bool     `hcl:"tree,optional"`
}

type modelBlock struct {
	Codelet  string  `hcl:"codelet,label"`
	Arch     string  `hcl:"arch"`
	Impl     int     `hcl:"impl,optional"`
	LengthUs float64 `hcl:"length_us"`
}

// settingsBlock keeps its body raw so bind can apply cty defaults for
// attributes the file leaves out.
type settingsBlock struct {
	Body hcl.Body `hcl:",remain"`
}
