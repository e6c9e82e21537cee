package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ExecutionRecord holds the start and end times of one kernel run.
type ExecutionRecord struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two runs were in flight at the same time.
func (r ExecutionRecord) Overlaps(o ExecutionRecord) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Recorder wraps kernels so tests can check when they ran.
type Recorder struct {
	mu      sync.Mutex
	records map[string][]ExecutionRecord
	sleep   time.Duration
}

// NewRecorder returns a recorder whose kernels sleep for d before returning.
func NewRecorder(d time.Duration) *Recorder {
	return &Recorder{records: make(map[string][]ExecutionRecord), sleep: d}
}

// Sleeper returns a kernel that sleeps and records itself under name.
func (r *Recorder) Sleeper(name string) func(context.Context, [][]byte, any) error {
	return func(ctx context.Context, _ [][]byte, _ any) error {
		start := time.Now()
		select {
		case <-time.After(r.sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		r.records[name] = append(r.records[name], ExecutionRecord{Start: start, End: time.Now()})
		r.mu.Unlock()
		return nil
	}
}

// Records returns the runs recorded under name.
func (r *Recorder) Records(name string) []ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecutionRecord(nil), r.records[name]...)
}

// Total returns the number of recorded runs across all names.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rs := range r.records {
		n += len(rs)
	}
	return n
}

// AssertLogged fails the test unless the captured log contains substr.
func AssertLogged(t *testing.T, buf *SafeBuffer, substr string) {
	t.Helper()
	require.True(t, strings.Contains(buf.String(), substr),
		"expected log output to contain %q", substr)
}
