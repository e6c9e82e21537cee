package hcl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/gridrt/internal/config"
	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
)

// Loader is the HCL implementation of config.Loader.
type Loader struct{}

// NewLoader creates a new HCL machine loader.
func NewLoader() *Loader {
	return &Loader{}
}

var _ config.Loader = (*Loader)(nil)

type hypervisorSettings struct {
	Enabled             bool    `cfg:"enabled"`
	MinWorkers          int     `cfg:"min_workers"`
	SampleFraction      float64 `cfg:"sample_fraction"`
	StartSampleFraction float64 `cfg:"start_sample_fraction"`
	Period              string  `cfg:"period"`
}

var hypervisorDefaults = map[string]cty.Value{
	"enabled":               cty.False,
	"min_workers":           cty.NumberIntVal(1),
	"sample_fraction":       cty.NumberFloatVal(0.02),
	"start_sample_fraction": cty.NumberFloatVal(0.1),
	"period":                cty.StringVal("100ms"),
}

type perfModelSettings struct {
	Path      string `cfg:"path"`
	Threshold int    `cfg:"threshold"`
}

var perfModelDefaults = map[string]cty.Value{
	"path":      cty.StringVal(""),
	"threshold": cty.NumberIntVal(10),
}

type traceSettings struct {
	Kind      string `cfg:"kind"`
	URL       string `cfg:"url"`
	Namespace string `cfg:"namespace"`
	Buffer    int    `cfg:"buffer"`
}

var traceDefaults = map[string]cty.Value{
	"kind":      cty.StringVal("nop"),
	"url":       cty.StringVal("http://127.0.0.1:8080"),
	"namespace": cty.StringVal("/trace"),
	"buffer":    cty.NumberIntVal(1024),
}

// Load parses every .hcl file under paths and merges them into one machine.
// List blocks accumulate across files; for singleton settings blocks the
// last file wins. Paths that do not exist are skipped.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Machine, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	evalCtx := evalContext()
	m := &config.Machine{}
	var hv, pm, tr hcl.Body

	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(f.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		for _, b := range root.MemoryNodes {
			m.MemoryNodes = append(m.MemoryNodes, config.MemoryNode{Name: b.Name, ID: b.ID, BandwidthMBps: b.BandwidthMBps, LatencyUs: b.LatencyUs})
		}
		for _, b := range root.Workers {
			g, err := translateWorkers(b)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			m.Workers = append(m.Workers, g)
		}
		for _, b := range root.Contexts {
			m.Contexts = append(m.Contexts, config.Context{Name: b.Name, Policy: b.Policy, Groups: b.Groups, Workers: b.Workers, Tree: b.Tree})
		}
		for _, b := range root.Models {
			m.Models = append(m.Models, config.StaticModel{Codelet: b.Codelet, Arch: b.Arch, Impl: b.Impl, LengthUs: b.LengthUs})
		}
		if root.Hypervisor != nil {
			hv = root.Hypervisor.Body
		}
		if root.PerfModel != nil {
			pm = root.PerfModel.Body
		}
		if root.Trace != nil {
			tr = root.Trace.Body
		}
	}

	if err := l.settings(ctx, m, evalCtx, hv, pm, tr); err != nil {
		return nil, err
	}
	logger.Debug("HCL loading complete.", "memory_nodes", len(m.MemoryNodes), "worker_groups", len(m.Workers), "contexts", len(m.Contexts), "models", len(m.Models))
	return m, nil
}

func (l *Loader) settings(ctx context.Context, m *config.Machine, evalCtx *hcl.EvalContext, hv, pm, tr hcl.Body) error {
	var h hypervisorSettings
	if err := bind(ctx, hv, evalCtx, &h, hypervisorDefaults); err != nil {
		return fmt.Errorf("hypervisor block: %w", err)
	}
	period, err := time.ParseDuration(h.Period)
	if err != nil {
		return fmt.Errorf("hypervisor block: period: %w", err)
	}
	if h.SampleFraction <= 0 || h.SampleFraction > 1 || h.StartSampleFraction <= 0 || h.StartSampleFraction > 1 {
		return fmt.Errorf("hypervisor block: sample fractions must be in (0, 1]")
	}
	m.Hypervisor = config.Hypervisor{
		Enabled:             h.Enabled,
		MinWorkers:          h.MinWorkers,
		SampleFraction:      h.SampleFraction,
		StartSampleFraction: h.StartSampleFraction,
		Period:              period,
	}

	var p perfModelSettings
	if err := bind(ctx, pm, evalCtx, &p, perfModelDefaults); err != nil {
		return fmt.Errorf("perfmodel block: %w", err)
	}
	m.PerfModel = config.PerfModel(p)

	var t traceSettings
	if err := bind(ctx, tr, evalCtx, &t, traceDefaults); err != nil {
		return fmt.Errorf("trace block: %w", err)
	}
	switch t.Kind {
	case "nop", "slog", "socketio":
	default:
		return fmt.Errorf("trace block: unknown kind %q", t.Kind)
	}
	m.Trace = config.Trace(t)
	return nil
}

func translateWorkers(b *workersBlock) (config.WorkerGroup, error) {
	g := config.WorkerGroup{Name: b.Name, Arch: b.Arch, Count: b.Count, MemoryNode: b.MemoryNode, Streams: b.Streams}
	if g.Count < 0 {
		return g, fmt.Errorf("workers %q: negative count %d", b.Name, b.Count)
	}
	if b.Latency != "" {
		d, err := time.ParseDuration(b.Latency)
		if err != nil {
			return g, fmt.Errorf("workers %q: latency: %w", b.Name, err)
		}
		g.Latency = d
	}
	return g, nil
}

// findAllHCLFiles walks all given paths and returns a flat list of all .hcl files found.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				add(path)
			}
			continue
		}
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return allFiles, nil
}
