package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/specialistvlad/gridrt/internal/config"
	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/specialistvlad/gridrt/internal/runtime"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	logCloser  io.Closer
	config     *Config
	machine    *config.Machine
	httpServer *http.Server

	mu sync.Mutex
	rt *runtime.Runtime
}

// NewApp is the constructor for the main application. It loads the machine
// description with loader; a machine that cannot be loaded is a fatal
// startup error and panics.
func NewApp(ctx context.Context, outW io.Writer, cfg *Config, loader config.Loader) *App {
	logger, closer := newLogger(cfg.LogLevel, cfg.LogFormat, outW, cfg.LogFile)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	var paths []string
	if cfg.MachinePath != "" {
		paths = append(paths, cfg.MachinePath)
	}
	machine, err := loader.Load(ctx, paths...)
	if err != nil {
		panic(fmt.Errorf("failed to load machine description: %w", err))
	}
	logger.Debug("Machine description loaded.", "worker_groups", len(machine.Workers), "contexts", len(machine.Contexts))

	return &App{
		ctx:       ctx,
		outW:      outW,
		logger:    logger,
		logCloser: closer,
		config:    cfg,
		machine:   machine,
	}
}

// Machine returns the loaded machine description.
func (a *App) Machine() *config.Machine { return a.machine }

// Runtime returns the runtime while Run is executing, else nil.
func (a *App) Runtime() *runtime.Runtime {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rt
}

func (a *App) setRuntime(rt *runtime.Runtime) {
	a.mu.Lock()
	a.rt = rt
	a.mu.Unlock()
}

// Close releases the log file, if any.
func (a *App) Close() error {
	if a.logCloser != nil {
		return a.logCloser.Close()
	}
	return nil
}
