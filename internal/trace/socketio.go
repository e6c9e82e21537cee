package trace

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// SocketIOOptions configures a SocketIO sink.
type SocketIOOptions struct {
	URL                string
	Namespace          string
	Event              string
	Buffer             int
	InsecureSkipVerify bool
}

// SocketIO streams events to a socket.io server. Emit only enqueues; a
// background goroutine forwards events while the socket is connected, and
// events that do not fit in the buffer are dropped.
type SocketIO struct {
	io        *socket.Socket
	event     string
	events    chan Event
	connected atomic.Bool
	dropped   atomic.Uint64
	sent      atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
}

// NewSocketIO connects to the server described by opts and starts the
// forwarding goroutine. The connection is established asynchronously;
// events emitted before it is up are buffered.
func NewSocketIO(ctx context.Context, opts SocketIOOptions) (*SocketIO, error) {
	logger := ctxlog.FromContext(ctx).With("sink", "socketio", "url", opts.URL)

	parsedURL, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trace URL: %w", err)
	}
	if opts.Event == "" {
		opts.Event = "trace"
	}
	if opts.Namespace == "" {
		opts.Namespace = "/"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	sopts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		sopts.SetPath(parsedURL.Path)
	}
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification for trace sink")
		sopts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sopts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, sopts)
	io := manager.Socket(opts.Namespace, sopts)

	s := &SocketIO{
		io:     io,
		event:  opts.Event,
		events: make(chan Event, opts.Buffer),
		done:   make(chan struct{}),
	}

	io.On(types.EventName("connect"), func(...any) {
		s.connected.Store(true)
		logger.Info("Trace sink connected", "namespace", opts.Namespace, "sid", io.Id())
	})
	io.On(types.EventName("disconnect"), func(...any) {
		s.connected.Store(false)
		logger.Debug("Trace sink disconnected")
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		if len(errs) > 0 {
			logger.Warn("Trace sink connection error", "error", errs[0])
		}
	})

	io.Connect()
	go s.forward()
	return s, nil
}

// Emit implements Sink. It never blocks.
func (s *SocketIO) Emit(e Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- Stamp(e):
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full
// or the socket was not connected.
func (s *SocketIO) Dropped() uint64 {
	return s.dropped.Load()
}

// Sent returns how many events were handed to the socket.
func (s *SocketIO) Sent() uint64 {
	return s.sent.Load()
}

// Close stops forwarding and disconnects the socket.
func (s *SocketIO) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.io.Disconnect()
	})
}

func (s *SocketIO) forward() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.events:
			if !s.connected.Load() {
				s.dropped.Add(1)
				continue
			}
			s.io.Emit(s.event, payload(e))
			s.sent.Add(1)
		}
	}
}

// payload flattens an event into the map form socket.io serializes.
func payload(e Event) map[string]any {
	m := map[string]any{
		"kind":   string(e.Kind),
		"time":   e.Time.UnixNano(),
		"worker": e.Worker,
	}
	if e.Task != "" {
		m["task"] = e.Task
	}
	if e.Context != "" {
		m["context"] = e.Context
	}
	if e.Handle != 0 {
		m["handle"] = e.Handle
		m["src"] = e.Src
		m["dst"] = e.Dst
	}
	for k, v := range e.Attrs {
		m[k] = v
	}
	return m
}
