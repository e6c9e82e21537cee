package hypervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/specialistvlad/gridrt/internal/sched"
	"github.com/specialistvlad/gridrt/internal/schedctx"
	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/testutil"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, [][]byte, any) error { return nil }

var anywhere = &task.Codelet{Name: "any", Impls: []task.Implementation{
	{Arch: topology.CPU, Kernel: noop},
	{Arch: topology.CUDA, Kernel: noop},
}}

func setup(t *testing.T) (context.Context, *schedctx.Manager) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	m := schedctx.NewManager(sched.Env{}, []*worker.Worker{
		worker.New(topology.Descriptor{ID: 0, Arch: topology.CPU}),
		worker.New(topology.Descriptor{ID: 1, Arch: topology.CPU}),
		worker.New(topology.Descriptor{ID: 2, Arch: topology.CUDA, MemNode: 1}),
		worker.New(topology.Descriptor{ID: 3, Arch: topology.CPU}),
	})
	return ctx, m
}

func submit(t *testing.T, ctx context.Context, m *schedctx.Manager, name string, n int) {
	t.Helper()
	for range n {
		require.NoError(t, m.SubmitToCtx(ctx, task.New(anywhere), name))
	}
}

func cfg() Config {
	c := DefaultConfig()
	c.Enabled = true
	c.Period = 10 * time.Millisecond
	return c
}

func TestResize_DeclinedAtFloor(t *testing.T) {
	ctx, m := setup(t)
	_, err := m.Create(ctx, "a", schedctx.Options{Policy: "eager", Workers: []int{0}})
	require.NoError(t, err)
	_, err = m.Create(ctx, "b", schedctx.Options{Policy: "eager"})
	require.NoError(t, err)

	h := New(cfg(), m)
	_, err = h.Resize(ctx, "a", "b", true, time.Now())
	require.ErrorIs(t, err, ErrResizeDeclined)
	assert.Equal(t, uint64(1), h.Stats().Declined)

	_, err = h.Resize(ctx, "a", "missing", false, time.Now())
	require.ErrorIs(t, err, schedctx.ErrUnknownContext)
}

func TestResize_MovesMissingArchitectureFirst(t *testing.T) {
	ctx, m := setup(t)
	a, err := m.Create(ctx, "a", schedctx.Options{Policy: "eager", Workers: []int{0, 1, 2}})
	require.NoError(t, err)
	b, err := m.Create(ctx, "b", schedctx.Options{Policy: "eager", Workers: []int{3}})
	require.NoError(t, err)
	submit(t, ctx, m, "b", 5)

	h := New(cfg(), m)
	n, err := h.Resize(ctx, "a", "b", true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{0}, a.Workers())
	assert.ElementsMatch(t, []int{3, 2, 1}, b.Workers())
}

func TestTick_FeedsEmptyContext(t *testing.T) {
	ctx, m := setup(t)
	_, err := m.Create(ctx, "a", schedctx.Options{Policy: "ws", Workers: []int{0, 1, 3}})
	require.NoError(t, err)
	b, err := m.Create(ctx, "b", schedctx.Options{Policy: "eager"})
	require.NoError(t, err)
	submit(t, ctx, m, "b", 3)
	require.Equal(t, 3, b.Parked())

	h := New(cfg(), m)
	h.Tick(ctx, time.Now())

	assert.Equal(t, 2, b.Size())
	assert.Zero(t, b.Parked())
	st := h.Stats()
	assert.Equal(t, uint64(1), st.Resizes)
	assert.Equal(t, uint64(2), st.Moved)
}

func TestResizeToUnknownReceiver(t *testing.T) {
	ctx, m := setup(t)
	_, err := m.Create(ctx, "a", schedctx.Options{Policy: "eager", Workers: []int{0, 1}})
	require.NoError(t, err)
	busy, err := m.Create(ctx, "busy", schedctx.Options{Policy: "eager", Workers: []int{2, 3}})
	require.NoError(t, err)
	// busy has no spare capacity of its own, so only a deferred resize can
	// make it a sender.
	submit(t, ctx, m, "busy", 2)
	b, err := m.Create(ctx, "b", schedctx.Options{Policy: "eager"})
	require.NoError(t, err)

	h := New(cfg(), m)
	require.NoError(t, h.ResizeToUnknownReceiver(ctx, "busy", time.Now()))
	require.ErrorIs(t, h.ResizeToUnknownReceiver(ctx, "nope", time.Now()), schedctx.ErrUnknownContext)

	h.Tick(ctx, time.Now())
	assert.Equal(t, []string{"busy"}, h.Pending())
	assert.Zero(t, b.Size())

	submit(t, ctx, m, "b", 1)
	h.Tick(ctx, time.Now())
	assert.Empty(t, h.Pending())
	assert.Equal(t, 1, busy.Size())
	assert.Equal(t, 1, b.Size())
}

func TestTick_SkipsDonorWithNothingToGive(t *testing.T) {
	ctx, m := setup(t)
	a, err := m.Create(ctx, "a", schedctx.Options{Policy: "eager", Workers: []int{0, 1}})
	require.NoError(t, err)
	b, err := m.Create(ctx, "b", schedctx.Options{Policy: "eager", Workers: []int{0, 1, 3}})
	require.NoError(t, err)
	submit(t, ctx, m, "b", 10)

	h := New(cfg(), m)
	t0 := time.Now()
	h.Tick(ctx, t0)
	h.Tick(ctx, t0.Add(time.Second))

	stats := h.Stats()
	assert.Zero(t, stats.Declined, "every worker of a already serves b")
	assert.Zero(t, stats.Resizes)
	assert.Equal(t, 2, a.Size())
	assert.Equal(t, 3, b.Size())
}

// lockedMembership refuses every membership change.
type lockedMembership struct{ *schedctx.Manager }

func (lockedMembership) RemoveWorkers(context.Context, string, []int) error {
	return errors.New("membership locked")
}

func TestTick_DiscardsSamplesWhenResizeFails(t *testing.T) {
	ctx, m := setup(t)
	_, err := m.Create(ctx, "a", schedctx.Options{Policy: "eager", Workers: []int{0, 1, 2}})
	require.NoError(t, err)
	b, err := m.Create(ctx, "b", schedctx.Options{Policy: "eager", Workers: []int{3}})
	require.NoError(t, err)
	submit(t, ctx, m, "b", 5)
	w, _ := m.Worker(3)

	h := New(cfg(), lockedMembership{m})
	t0 := time.Now()
	h.Tick(ctx, t0)
	for range 10 {
		m.PostExec(b, task.New(anywhere), w, time.Millisecond)
	}
	h.Tick(ctx, t0.Add(time.Second))

	stats := h.Stats()
	assert.Equal(t, uint64(2), stats.Declined)
	assert.Zero(t, stats.Resizes)
	assert.Empty(t, stats.Velocities, "a failed resize starts fresh windows")
	assert.Equal(t, 1, b.Size())
}

func TestTick_MeasuresVelocity(t *testing.T) {
	ctx, m := setup(t)
	a, err := m.Create(ctx, "a", schedctx.Options{Policy: "eager", Workers: []int{0}})
	require.NoError(t, err)
	w, _ := m.Worker(0)

	h := New(cfg(), m)
	t0 := time.Now()
	h.Tick(ctx, t0)
	for range 10 {
		m.PostExec(a, task.New(anywhere), w, time.Millisecond)
	}
	h.Tick(ctx, t0.Add(time.Second))

	assert.InDelta(t, 10.0, h.Stats().Velocities["a"], 0.001)
	assert.Equal(t, uint64(2), h.Stats().Ticks)
}

func TestRun(t *testing.T) {
	ctx, m := setup(t)
	off := New(DefaultConfig(), m)
	require.NoError(t, off.Run(ctx))

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	h := New(cfg(), m)
	require.NoError(t, h.Run(runCtx))
	assert.NotZero(t, h.Stats().Ticks)
}
