package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/specialistvlad/gridrt/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGetStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Unknown tasks are pending.
	status, err := s.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, status)

	require.NoError(t, s.SetStatus(ctx, "t1", task.StatusRunning))
	status, err = s.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, status)
}

func TestSetAndGetError(t *testing.T) {
	s := New()
	ctx := context.Background()

	got, err := s.GetError(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)

	want := errors.New("kernel failed")
	require.NoError(t, s.SetError(ctx, "t1", want))
	got, err = s.GetError(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			status := task.StatusCompleted
			if i%4 == 0 {
				status = task.StatusFailed
				_ = s.SetError(ctx, id, fmt.Errorf("task %d failed", i))
			}
			_ = s.SetStatus(ctx, id, status)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, map[task.Status]int{
		task.StatusCompleted: 75,
		task.StatusFailed:    25,
	}, s.Counts(ctx))
	got, err := s.GetError(ctx, "t8")
	require.NoError(t, err)
	assert.EqualError(t, got, "task 8 failed")
}
