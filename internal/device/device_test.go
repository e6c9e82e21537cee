package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func job(arch topology.Arch, k task.Kernel, bufs ...[]byte) Job {
	c := &task.Codelet{Name: "k", Impls: []task.Implementation{{Arch: arch, Kernel: k}}}
	return Job{
		Task:    task.New(c),
		Worker:  worker.New(topology.Descriptor{ID: 1, Arch: arch}),
		Buffers: bufs,
	}
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("job did not complete")
		return nil
	}
}

func TestCPU_RunsKernel(t *testing.T) {
	buf := []byte{1, 2}
	j := job(topology.CPU, func(_ context.Context, bufs [][]byte, _ any) error {
		bufs[0][0] = 9
		return nil
	}, buf)
	require.NoError(t, wait(t, CPU{}.Submit(context.Background(), j)))
	assert.Equal(t, byte(9), buf[0])
}

func TestCPU_RecoversPanics(t *testing.T) {
	j := job(topology.CPU, func(context.Context, [][]byte, any) error { panic("oops") })
	err := wait(t, CPU{}.Submit(context.Background(), j))
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "oops", pe.Value)
}

func TestSimulated_LatencyAndCancel(t *testing.T) {
	sim := Simulated{Arch: topology.CUDA, Latency: 20 * time.Millisecond}
	want := errors.New("device error")
	j := job(topology.CUDA, func(context.Context, [][]byte, any) error { return want })

	start := time.Now()
	require.ErrorIs(t, wait(t, sim.Submit(context.Background(), j)), want)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, wait(t, sim.Submit(ctx, j)), context.Canceled)

	c, ok := sim.Query(topology.CUDA)
	require.True(t, ok)
	assert.True(t, c.Simulated)
	assert.Equal(t, 1, c.Streams)
}

func TestMux(t *testing.T) {
	m := Mux{topology.CPU: CPU{}}
	_, ok := m.Query(topology.CPU)
	assert.True(t, ok)
	_, ok = m.Query(topology.OpenCL)
	assert.False(t, ok)

	j := job(topology.OpenCL, func(context.Context, [][]byte, any) error { return nil })
	require.ErrorIs(t, wait(t, m.Submit(context.Background(), j)), ErrNoBackend)
}

func TestCPU_CombinedWorkerRunsKernelPerMember(t *testing.T) {
	members := []*worker.Worker{
		worker.New(topology.Descriptor{ID: 4, Arch: topology.CPU}),
		worker.New(topology.Descriptor{ID: 2, Arch: topology.CPU}),
		worker.New(topology.Descriptor{ID: 7, Arch: topology.CPU}),
	}
	cw, err := worker.Combine(10, members)
	require.NoError(t, err)

	buf := make([]byte, 3)
	var mu sync.Mutex
	var seen []task.Member
	j := job(topology.CPU, func(ctx context.Context, bufs [][]byte, _ any) error {
		m, ok := task.MemberOf(ctx)
		if !ok {
			return errors.New("kernel call has no member")
		}
		bufs[0][m.Rank] = byte(m.Worker)
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
		return nil
	}, buf)
	j.Worker = cw

	require.NoError(t, wait(t, CPU{}.Submit(context.Background(), j)))
	assert.Equal(t, []byte{4, 2, 7}, buf)
	assert.Len(t, seen, 3)
	for _, m := range seen {
		assert.Equal(t, 3, m.Width)
	}
}

func TestCPU_CombinedWorkerReportsMemberFailure(t *testing.T) {
	cw, err := worker.Combine(10, []*worker.Worker{
		worker.New(topology.Descriptor{ID: 0, Arch: topology.CPU}),
		worker.New(topology.Descriptor{ID: 1, Arch: topology.CPU}),
	})
	require.NoError(t, err)
	j := job(topology.CPU, func(ctx context.Context, _ [][]byte, _ any) error {
		if m, _ := task.MemberOf(ctx); m.Rank == 1 {
			panic("member down")
		}
		return nil
	})
	j.Worker = cw

	err = wait(t, CPU{}.Submit(context.Background(), j))
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "worker 1")
}
