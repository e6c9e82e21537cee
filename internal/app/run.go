package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/specialistvlad/gridrt/internal/config"
	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/specialistvlad/gridrt/internal/device"
	"github.com/specialistvlad/gridrt/internal/hypervisor"
	"github.com/specialistvlad/gridrt/internal/perfmodel"
	"github.com/specialistvlad/gridrt/internal/runtime"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/trace"
)

// Report summarizes one Run.
type Report struct {
	Workload  string
	Tasks     int
	Elapsed   time.Duration
	Transfers uint64
	Resizes   uint64
}

// Run starts the runtime described by the machine, executes the configured
// workload, verifies its result and shuts the runtime down.
func (a *App) Run(ctx context.Context) (Report, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.")

	a.healthCheckServer()
	defer a.closeHealthCheckServer()

	opts, closeSink, err := a.runtimeOptions(ctx)
	if err != nil {
		return Report{}, err
	}
	defer closeSink()

	rt, err := runtime.New(ctx, opts)
	if err != nil {
		return Report{}, fmt.Errorf("failed to start runtime: %w", err)
	}
	a.setRuntime(rt)
	defer a.setRuntime(nil)

	rep := Report{Workload: a.config.Workload}
	start := time.Now()
	runErr := a.workload(ctx, rt, &rep)
	rep.Elapsed = time.Since(start)

	shutdownErr := rt.Shutdown(ctx)
	rep.Transfers = rt.Coherence().Stats().Transfers
	rep.Resizes = rt.Hypervisor().Stats().Resizes
	if err := errors.Join(runErr, shutdownErr); err != nil {
		return rep, err
	}

	a.logger.Info("Workload finished.", "workload", rep.Workload, "tasks", rep.Tasks, "elapsed", rep.Elapsed, "transfers", rep.Transfers, "resizes", rep.Resizes)
	a.logger.Debug("App.Run method finished.")
	return rep, nil
}

// runtimeOptions translates the machine description into runtime options.
func (a *App) runtimeOptions(ctx context.Context) (runtime.Options, func(), error) {
	m := a.machine
	noop := func() {}

	var (
		topo   topology.Store
		groups map[string][]int
		err    error
	)
	if len(m.Workers) == 0 && a.config.Workers > 0 {
		var local *topology.Memory
		local, err = topology.DiscoverLocal(ctx, a.config.Workers)
		topo = local
	} else {
		topo, groups, err = m.Topology(ctx)
	}
	if err != nil {
		return runtime.Options{}, noop, fmt.Errorf("failed to build topology: %w", err)
	}

	backend := device.Mux{topology.CPU: device.CPU{}}
	for _, g := range m.Workers {
		arch := topology.Arch(g.Arch)
		if arch == topology.CPU {
			continue
		}
		backend[arch] = device.Simulated{Arch: arch, Streams: g.Streams, Latency: g.Latency}
	}

	model := perfmodel.NewHistory(m.PerfModel.Threshold)
	for _, s := range m.Models {
		model.SetStatic(s.Codelet, topology.Arch(s.Arch), s.Impl, s.LengthUs)
	}

	var specs []runtime.ContextSpec
	for _, c := range m.Contexts {
		ids, err := config.ContextWorkers(c, groups)
		if err != nil {
			return runtime.Options{}, noop, err
		}
		specs = append(specs, runtime.ContextSpec{Name: c.Name, Policy: c.Policy, Workers: ids, Tree: c.Tree})
	}

	sink, closeSink, err := a.traceSink(ctx)
	if err != nil {
		return runtime.Options{}, noop, err
	}

	return runtime.Options{
		Topology:      topo,
		Contexts:      specs,
		DefaultPolicy: a.config.Policy,
		Backend:       backend,
		Model:         model,
		ModelPath:     m.PerfModel.Path,
		Hypervisor:    hypervisorConfig(m.Hypervisor),
		Sink:          sink,
	}, closeSink, nil
}

func hypervisorConfig(h config.Hypervisor) hypervisor.Config {
	return hypervisor.Config{
		Enabled:             h.Enabled,
		MinWorkers:          h.MinWorkers,
		SampleFraction:      h.SampleFraction,
		StartSampleFraction: h.StartSampleFraction,
		Period:              h.Period,
	}
}

func (a *App) traceSink(ctx context.Context) (trace.Sink, func(), error) {
	t := a.machine.Trace
	switch t.Kind {
	case "slog":
		return trace.NewSlog(a.logger), func() {}, nil
	case "socketio":
		s, err := trace.NewSocketIO(ctx, trace.SocketIOOptions{URL: t.URL, Namespace: t.Namespace, Buffer: t.Buffer})
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to start trace sink: %w", err)
		}
		return s, func() {
			s.Close()
			a.logger.Info("Trace sink closed.", "sent", s.Sent(), "dropped", s.Dropped())
		}, nil
	default:
		return trace.Nop{}, func() {}, nil
	}
}
