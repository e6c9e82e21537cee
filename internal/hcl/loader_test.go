package hcl

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/gridrt/internal/config"
	"github.com/specialistvlad/gridrt/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func TestLoad_Machine(t *testing.T) {
	ctx, _ := testutil.Context(t)
	t.Setenv("GRIDRT_TEST_GPUS", "3")
	root := write(t, map[string]string{
		"machine/nodes.hcl": `
memory_node "ram" { id = 0 }
memory_node "gpu0" {
  id             = 1
  bandwidth_mbps = 12000
  latency_us     = 10
}
`,
		"machine/workers.hcl": `
workers "cpu" {
  arch  = "cpu"
  count = max(ncpu - 1, 1)
}
workers "gpu" {
  arch        = "cuda"
  count       = tonumber(env("GRIDRT_TEST_GPUS", "2"))
  memory_node = 1
  latency     = "2ms"
}
context "main" {
  policy = "best-impl"
  groups = ["cpu", "gpu"]
  tree   = true
}
model "scale" {
  arch      = "cpu"
  length_us = 20
}
hypervisor {
  enabled = true
  period  = "50ms"
}
trace { kind = "slog" }
`,
		"machine/README.md": "ignored",
	})

	m, err := NewLoader().Load(ctx, filepath.Join(root, "machine"), filepath.Join(root, "missing"))
	require.NoError(t, err)

	want := &config.Machine{
		MemoryNodes: []config.MemoryNode{{Name: "ram", ID: 0}, {Name: "gpu0", ID: 1, BandwidthMBps: 12000, LatencyUs: 10}},
		Workers: []config.WorkerGroup{
			{Name: "cpu", Arch: "cpu", Count: max(runtime.NumCPU()-1, 1)},
			{Name: "gpu", Arch: "cuda", Count: 3, MemoryNode: 1, Latency: 2 * time.Millisecond},
		},
		Contexts: []config.Context{{Name: "main", Policy: "best-impl", Groups: []string{"cpu", "gpu"}, Tree: true}},
		Models:   []config.StaticModel{{Codelet: "scale", Arch: "cpu", LengthUs: 20}},
		Hypervisor: config.Hypervisor{
			Enabled:             true,
			MinWorkers:          1,
			SampleFraction:      0.02,
			StartSampleFraction: 0.1,
			Period:              50 * time.Millisecond,
		},
		PerfModel: config.PerfModel{Threshold: 10},
		Trace:     config.Trace{Kind: "slog", URL: "http://127.0.0.1:8080", Namespace: "/trace", Buffer: 1024},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("machine mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_DefaultsWithoutFiles(t *testing.T) {
	ctx, buf := testutil.Context(t)
	m, err := NewLoader().Load(ctx)
	require.NoError(t, err)
	assert.False(t, m.Hypervisor.Enabled)
	assert.Equal(t, 100*time.Millisecond, m.Hypervisor.Period)
	assert.Equal(t, "nop", m.Trace.Kind)
	testutil.AssertLogged(t, buf, "Applied default setting.")
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"syntax":          `workers "cpu" {`,
		"unknown setting": `hypervisor { speed = 3 }`,
		"bad period":      `hypervisor { period = "soon" }`,
		"bad fraction":    `hypervisor { sample_fraction = 2 }`,
		"bad trace":       `trace { kind = "kafka" }`,
		"bad latency":     `workers "gpu" { arch = "cuda" latency = "fast" }`,
		"wrong type":      `hypervisor { min_workers = "many" }`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			ctx, _ := testutil.Context(t)
			root := write(t, map[string]string{"m.hcl": src})
			_, err := NewLoader().Load(ctx, root)
			require.Error(t, err)
		})
	}
}
