package schedctx

import (
	"context"
	"testing"

	"github.com/specialistvlad/gridrt/internal/sched"
	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/specialistvlad/gridrt/internal/testutil"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/specialistvlad/gridrt/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, [][]byte, any) error { return nil }

var (
	cpuOnly  = &task.Codelet{Name: "cpu", Impls: []task.Implementation{{Arch: topology.CPU, Kernel: noop}}}
	cudaOnly = &task.Codelet{Name: "cuda", Impls: []task.Implementation{{Arch: topology.CUDA, Kernel: noop}}}
)

func pool() []*worker.Worker {
	return []*worker.Worker{
		worker.New(topology.Descriptor{ID: 0, Arch: topology.CPU}),
		worker.New(topology.Descriptor{ID: 1, Arch: topology.CPU}),
		worker.New(topology.Descriptor{ID: 2, Arch: topology.CUDA, MemNode: 1}),
	}
}

func drain(m *Manager, w *worker.Worker) []*task.Task {
	var out []*task.Task
	for {
		t, _ := m.Pop(w)
		if t == nil {
			return out
		}
		out = append(out, t)
	}
}

func TestCreate(t *testing.T) {
	ctx, buf := testutil.Context(t)
	m := NewManager(sched.Env{}, pool())

	c, err := m.Create(ctx, "main", Options{Policy: "eager", Workers: []int{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, c.Workers())

	initial, ok := m.Lookup("")
	require.True(t, ok)
	assert.Same(t, c, initial)

	_, err = m.Create(ctx, "main", Options{Policy: "eager"})
	require.ErrorIs(t, err, ErrDuplicateContext)
	_, err = m.Create(ctx, "other", Options{Policy: "nope"})
	require.Error(t, err)
	_, err = m.Create(ctx, "other", Options{Policy: "eager", Workers: []int{7}})
	require.ErrorIs(t, err, ErrUnknownWorker)

	testutil.AssertLogged(t, buf, "Created scheduling context.")
}

func TestZeroWorkerContextParksTasks(t *testing.T) {
	ctx, _ := testutil.Context(t)
	ws := pool()
	m := NewManager(sched.Env{}, ws)
	_, err := m.Create(ctx, "main", Options{Policy: "eager", Workers: []int{0}})
	require.NoError(t, err)
	empty, err := m.Create(ctx, "empty", Options{Policy: "ws"})
	require.NoError(t, err)

	ts := []*task.Task{task.New(cpuOnly), task.New(cpuOnly)}
	for _, tk := range ts {
		tk.Context = "empty"
		m.PushReady(tk)
	}
	assert.Equal(t, 2, empty.Parked())
	assert.Zero(t, empty.Policy().Len())
	assert.Zero(t, empty.Pushed())

	require.NoError(t, m.AddWorkers(ctx, "empty", []int{1}))
	assert.Zero(t, empty.Parked())
	assert.Len(t, drain(m, ws[1]), 2)
}

func TestRemoveWorkersParksOrphans(t *testing.T) {
	ctx, _ := testutil.Context(t)
	ws := pool()
	m := NewManager(sched.Env{}, ws)
	c, err := m.Create(ctx, "main", Options{Policy: "eager", Workers: []int{0, 2}})
	require.NoError(t, err)

	tk := task.New(cudaOnly)
	require.NoError(t, m.SubmitToCtx(ctx, tk, "main"))
	require.NoError(t, m.RemoveWorkers(ctx, "main", []int{2}))
	assert.Equal(t, []int{0}, c.Workers())
	assert.Equal(t, 1, c.Parked())

	// The removed worker no longer pops from the context.
	assert.Empty(t, drain(m, ws[2]))
	assert.Empty(t, drain(m, ws[0]))

	ok, err := m.CanRun("main", task.New(cudaOnly))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.AddWorkers(ctx, "main", []int{2}))
	got := drain(m, ws[2])
	require.Len(t, got, 1)
	assert.Same(t, tk, got[0])
}

func TestPushWakesMembers(t *testing.T) {
	ctx, _ := testutil.Context(t)
	ws := pool()
	m := NewManager(sched.Env{}, ws)
	_, err := m.Create(ctx, "main", Options{Policy: "eager", Workers: []int{0}})
	require.NoError(t, err)
	select {
	case <-ws[0].Wakeups():
	default:
	}

	m.PushReady(task.New(cpuOnly))
	select {
	case <-ws[0].Wakeups():
	default:
		t.Fatal("member was not woken")
	}
}

func TestPopFollowsMembershipOrder(t *testing.T) {
	ctx, _ := testutil.Context(t)
	ws := pool()
	m := NewManager(sched.Env{}, ws)
	_, err := m.Create(ctx, "a", Options{Policy: "eager", Workers: []int{0}})
	require.NoError(t, err)
	b, err := m.Create(ctx, "b", Options{Policy: "eager", Workers: []int{0}, Tree: true})
	require.NoError(t, err)

	inB := task.New(cpuOnly)
	inA := task.New(cpuOnly)
	require.NoError(t, m.SubmitToCtx(ctx, inB, "b"))
	require.NoError(t, m.SubmitToCtx(ctx, inA, "a"))

	got, from := m.Pop(ws[0])
	assert.Same(t, inA, got)
	assert.Equal(t, "a", from.Name)
	got, from = m.Pop(ws[0])
	assert.Same(t, inB, got)
	assert.Same(t, b, from)

	m.PostExec(from, got, ws[0], 0)
	assert.Equal(t, uint64(1), b.Completed())
}

func TestDeleteMovesTasksToInitial(t *testing.T) {
	ctx, _ := testutil.Context(t)
	ws := pool()
	m := NewManager(sched.Env{}, ws)
	main, err := m.Create(ctx, "main", Options{Policy: "eager", Workers: []int{0}})
	require.NoError(t, err)
	_, err = m.Create(ctx, "side", Options{Policy: "lws", Workers: []int{1}})
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, m.SubmitToCtx(ctx, task.New(cpuOnly), "side"))
	}
	parked := task.New(cpuOnly)
	require.NoError(t, m.RemoveWorkers(ctx, "side", []int{1}))
	require.NoError(t, m.SubmitToCtx(ctx, parked, "side"))

	require.ErrorIs(t, m.Delete(ctx, "main"), ErrInitialContext)
	require.NoError(t, m.Delete(ctx, "side"))
	_, ok := m.Lookup("side")
	assert.False(t, ok)
	assert.Equal(t, 4, main.Demand())

	// Late pushes for the deleted context land in the initial one.
	late := task.New(cpuOnly)
	late.Context = "side"
	m.PushReady(late)
	assert.Len(t, drain(m, ws[0]), 5)
	assert.Empty(t, drain(m, ws[1]))

	require.ErrorIs(t, m.AddWorkers(ctx, "side", []int{1}), ErrUnknownContext)
}

func TestCombine_GroupsPeersOfLead(t *testing.T) {
	ctx, _ := testutil.Context(t)
	ws := append(pool(), worker.New(topology.Descriptor{ID: 3, Arch: topology.CPU}))
	m := NewManager(sched.Env{}, ws)
	c, err := m.Create(ctx, "main", Options{Policy: "eager", Workers: []int{0, 1, 2, 3}})
	require.NoError(t, err)

	cw, err := m.Combine(c, ws[1], 2)
	require.NoError(t, err)
	assert.True(t, cw.Combined())
	assert.Equal(t, []int{1, 0}, cw.Members, "lead first, then peers in context order")
	assert.Equal(t, 4, cw.ID)

	cw, err = m.Combine(c, ws[0], 8)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3}, cw.Members, "the accelerator is not a peer")
	assert.Equal(t, 5, cw.ID)

	single, err := m.Combine(c, ws[2], 4)
	require.NoError(t, err)
	assert.Same(t, ws[2], single)
	single, err = m.Combine(c, ws[0], 1)
	require.NoError(t, err)
	assert.Same(t, ws[0], single)
}
