package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/specialistvlad/gridrt/internal/ctxlog"
)

// Context returns a context carrying a debug logger that writes into buf.
// With GRIDRT_TEST_LOGS=true the captured output is dumped when the test
// finishes.
func Context(t testing.TB) (context.Context, *SafeBuffer) {
	t.Helper()
	buf := &SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx, cancel := context.WithCancel(ctxlog.WithLogger(context.Background(), logger))
	t.Cleanup(func() {
		cancel()
		if os.Getenv("GRIDRT_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), buf.String())
		}
	})
	return ctx, buf
}
