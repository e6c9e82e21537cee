package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/specialistvlad/gridrt/internal/app"
	"github.com/specialistvlad/gridrt/internal/cli"
	"github.com/specialistvlad/gridrt/internal/hcl"
)

// main is the entrypoint for the gridrt application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The real main function handles errors and exit codes.
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(outW io.Writer, args []string) (err error) {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	// The app panics on a machine file it cannot load; turn that into an
	// error so main can report it and pick the exit code.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("application startup panicked: %v", r)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gridApp := app.NewApp(ctx, outW, appConfig, hcl.NewLoader())
	defer gridApp.Close()

	rep, err := gridApp.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(outW, "%s: %d tasks in %s, %d transfers, %d resizes\n",
		rep.Workload, rep.Tasks, rep.Elapsed, rep.Transfers, rep.Resizes)
	return nil
}
