// Package trace defines the fire-and-forget event sink the runtime reports
// to. Emitting never blocks and never fails; an unconfigured runtime uses Nop.
package trace

import (
	"context"
	"log/slog"
	"time"
)

// Kind names an event type.
type Kind string

const (
	TaskSubmitted   Kind = "task.submitted"
	TaskReady       Kind = "task.ready"
	TaskStarted     Kind = "task.started"
	TaskDone        Kind = "task.done"
	TaskFailed      Kind = "task.failed"
	TransferStarted Kind = "transfer.started"
	TransferDone    Kind = "transfer.done"
	TransferFailed  Kind = "transfer.failed"
	HandleInvalid   Kind = "handle.invalidated"
	ContextResized  Kind = "context.resized"
	WorkerIdle      Kind = "worker.idle"
)

// Event is a single trace record. Zero-valued fields are omitted by sinks
// that serialize.
type Event struct {
	Kind    Kind           `json:"kind"`
	Time    time.Time      `json:"time"`
	Task    string         `json:"task,omitempty"`
	Worker  int            `json:"worker"`
	Context string         `json:"context,omitempty"`
	Handle  uint64         `json:"handle,omitempty"`
	Src     int            `json:"src"`
	Dst     int            `json:"dst"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Sink receives trace events.
type Sink interface {
	Emit(e Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(Event) {}

// Slog writes every event as a debug record on a logger.
type Slog struct {
	Logger *slog.Logger
}

// NewSlog returns a sink writing to logger.
func NewSlog(logger *slog.Logger) *Slog {
	return &Slog{Logger: logger}
}

// Emit implements Sink.
func (s *Slog) Emit(e Event) {
	if s.Logger == nil || !s.Logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{"kind", string(e.Kind), "worker", e.Worker}
	if e.Task != "" {
		attrs = append(attrs, "task", e.Task)
	}
	if e.Context != "" {
		attrs = append(attrs, "context", e.Context)
	}
	if e.Handle != 0 {
		attrs = append(attrs, "handle", e.Handle, "src", e.Src, "dst", e.Dst)
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, k, v)
	}
	s.Logger.Debug("Trace event.", attrs...)
}

// Stamp fills in the event time if unset.
func Stamp(e Event) Event {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return e
}
