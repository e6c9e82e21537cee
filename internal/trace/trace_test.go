package trace

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestSlog_WritesDebugRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewSlog(logger).Emit(Event{Kind: TaskDone, Task: "t1", Worker: 3, Context: "main"})

	out := buf.String()
	assert.Contains(t, out, "kind=task.done")
	assert.Contains(t, out, "task=t1")
	assert.Contains(t, out, "worker=3")
	assert.Contains(t, out, "context=main")
}

func TestSlog_SkipsWhenDebugDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	NewSlog(logger).Emit(Event{Kind: TaskDone})
	assert.Empty(t, buf.String())
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	s.Emit(Event{Kind: TaskStarted})
}

func TestPayload(t *testing.T) {
	ts := time.Unix(0, 42)
	got := payload(Event{
		Kind:   TransferDone,
		Time:   ts,
		Worker: -1,
		Handle: 9,
		Src:    0,
		Dst:    1,
		Attrs:  map[string]any{"bytes": 4096},
	})
	want := map[string]any{
		"kind":   "transfer.done",
		"time":   int64(42),
		"worker": -1,
		"handle": uint64(9),
		"src":    0,
		"dst":    1,
		"bytes":  4096,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestStamp(t *testing.T) {
	e := Stamp(Event{})
	assert.False(t, e.Time.IsZero())

	fixed := time.Unix(10, 0)
	assert.Equal(t, fixed, Stamp(Event{Time: fixed}).Time)
}
