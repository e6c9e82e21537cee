package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/specialistvlad/gridrt/internal/coherence"
	"github.com/specialistvlad/gridrt/internal/runtime"
	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/topology"
)

// increment adds one to every element. On a combined worker each member
// takes a contiguous share of the block.
func increment(ctx context.Context, bufs [][]byte, _ any) error {
	b := bufs[0]
	if m, ok := task.MemberOf(ctx); ok {
		b = b[m.Rank*len(b)/m.Width : (m.Rank+1)*len(b)/m.Width]
	}
	for i := range b {
		b[i]++
	}
	return nil
}

// incrementCodelet runs on every architecture; accelerators run the same
// kernel through the simulated backend.
var incrementCodelet = &task.Codelet{Name: "increment", Impls: []task.Implementation{
	{Arch: topology.CPU, Name: "loop", Kernel: increment},
	{Arch: topology.CUDA, Name: "loop", Kernel: increment},
	{Arch: topology.OpenCL, Name: "loop", Kernel: increment},
}}

func scaleLoop(_ context.Context, bufs [][]byte, arg any) error {
	f := arg.(float64)
	b := bufs[0]
	for i := 0; i+8 <= len(b); i += 8 {
		v := math.Float64frombits(binary.LittleEndian.Uint64(b[i:]))
		binary.LittleEndian.PutUint64(b[i:], math.Float64bits(v*f))
	}
	return nil
}

func scaleUnrolled(_ context.Context, bufs [][]byte, arg any) error {
	f := arg.(float64)
	b := bufs[0]
	i := 0
	for ; i+32 <= len(b); i += 32 {
		for j := i; j < i+32; j += 8 {
			v := math.Float64frombits(binary.LittleEndian.Uint64(b[j:]))
			binary.LittleEndian.PutUint64(b[j:], math.Float64bits(v*f))
		}
	}
	for ; i+8 <= len(b); i += 8 {
		v := math.Float64frombits(binary.LittleEndian.Uint64(b[i:]))
		binary.LittleEndian.PutUint64(b[i:], math.Float64bits(v*f))
	}
	return nil
}

// scaleCodelet has two CPU implementations so the best-implementation
// policies have a choice to calibrate.
var scaleCodelet = &task.Codelet{Name: "scale", Impls: []task.Implementation{
	{Arch: topology.CPU, Name: "loop", Kernel: scaleLoop},
	{Arch: topology.CPU, Name: "unrolled", Kernel: scaleUnrolled},
	{Arch: topology.CUDA, Name: "loop", Kernel: scaleLoop},
}}

func (a *App) workload(ctx context.Context, rt *runtime.Runtime, rep *Report) error {
	switch a.config.Workload {
	case "increment":
		return a.runIncrement(ctx, rt, rep)
	case "scale":
		return a.runScale(ctx, rt, rep)
	default:
		return nil
	}
}

// runIncrement splits a byte vector into blocks and increments every block
// Iterations times. Each element must end up equal to Iterations mod 256.
func (a *App) runIncrement(ctx context.Context, rt *runtime.Runtime, rep *Report) error {
	cfg := a.config
	h, err := rt.Register(ctx, coherence.Vector(cfg.Elements, 1), nil)
	if err != nil {
		return err
	}
	blocks, err := rt.Coherence().Partition(ctx, h, coherence.Block{N: cfg.Blocks})
	if err != nil {
		return err
	}
	for range cfg.Iterations {
		for _, b := range blocks {
			t := task.New(incrementCodelet, task.Access{Handle: b, Mode: coherence.ReadWrite})
			t.Width = cfg.Width
			if err := rt.Submit(ctx, t); err != nil {
				return err
			}
			rep.Tasks++
		}
	}
	if err := rt.WaitAll(ctx); err != nil {
		return err
	}
	if err := rt.Coherence().Unpartition(ctx, h, topology.MainMemory); err != nil {
		return err
	}

	data, err := rt.Acquire(ctx, h, coherence.Read)
	if err != nil {
		return err
	}
	want := byte(cfg.Iterations % 256)
	for i, v := range data {
		if v != want {
			_ = rt.Release(h)
			return fmt.Errorf("increment: element %d is %d, want %d", i, v, want)
		}
	}
	if err := rt.Release(h); err != nil {
		return err
	}
	return rt.Unregister(ctx, h)
}

// runScale doubles a float64 vector Iterations times over strided blocks.
func (a *App) runScale(ctx context.Context, rt *runtime.Runtime, rep *Report) error {
	cfg := a.config
	buf := make([]byte, cfg.Elements*8)
	for i := range cfg.Elements {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(float64(i)))
	}
	h, err := rt.Register(ctx, coherence.Vector(cfg.Elements, 8), buf)
	if err != nil {
		return err
	}
	blocks, err := rt.Coherence().Partition(ctx, h, coherence.Strided{N: cfg.Blocks})
	if err != nil {
		return err
	}
	for range cfg.Iterations {
		for _, b := range blocks {
			t := task.New(scaleCodelet, task.Access{Handle: b, Mode: coherence.ReadWrite})
			t.Arg = 2.0
			if err := rt.Submit(ctx, t); err != nil {
				return err
			}
			rep.Tasks++
		}
	}
	if err := rt.WaitAll(ctx); err != nil {
		return err
	}
	if err := rt.Coherence().Unpartition(ctx, h, topology.MainMemory); err != nil {
		return err
	}

	data, err := rt.Acquire(ctx, h, coherence.Read)
	if err != nil {
		return err
	}
	defer rt.Release(h)
	factor := math.Pow(2, float64(cfg.Iterations))
	for i := range cfg.Elements {
		got := math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		if want := float64(i) * factor; got != want {
			return fmt.Errorf("scale: element %d is %g, want %g", i, got, want)
		}
	}
	return nil
}
