package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/specialistvlad/gridrt/internal/app"
	"github.com/specialistvlad/gridrt/internal/sched"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("gridrt", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
gridrt - a task runtime for heterogeneous workers with coherent data.

Usage:
  gridrt [options] [MACHINE_PATH]

Arguments:
  MACHINE_PATH
    Path to a single .hcl file or a directory of .hcl files describing
    memory nodes, worker groups and scheduling contexts. Without one the
    runtime uses one CPU worker per core.

Options:
`)
		flagSet.PrintDefaults()
	}

	machineFlag := flagSet.String("machine", "", "Path to the machine file or directory.")
	mFlag := flagSet.String("m", "", "Path to the machine file or directory (shorthand).")
	workloadFlag := flagSet.String("workload", "increment", fmt.Sprintf("Demo workload to run. Options: %s.", strings.Join(app.Workloads, ", ")))
	elementsFlag := flagSet.Int("elements", 1024, "Number of vector elements the workload registers.")
	blocksFlag := flagSet.Int("blocks", 8, "Number of blocks the vector is partitioned into.")
	iterationsFlag := flagSet.Int("iterations", 100, "Tasks submitted per block.")
	widthFlag := flagSet.Int("width", 1, "Workers each increment task runs on together.")
	workersFlag := flagSet.Int("workers", 0, "CPU workers when the machine declares none. 0 is one per core.")
	policyFlag := flagSet.String("policy", "eager", fmt.Sprintf("Policy of the default context. Options: %s.", strings.Join(sched.Names(), ", ")))
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	logFileFlag := flagSet.String("log-file", "", "Also write logs to this size-rotated file.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *machineFlag != "" {
		path = *machineFlag
	} else if *mFlag != "" {
		path = *mFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Machine path determined.", "path", path)

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	policy := strings.ToLower(*policyFlag)
	known := false
	for _, name := range sched.Names() {
		if name == policy {
			known = true
		}
	}
	if !known {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("invalid policy %q: must be one of %s", policy, strings.Join(sched.Names(), ", "))}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		MachinePath:     path,
		Workload:        strings.ToLower(*workloadFlag),
		Elements:        *elementsFlag,
		Blocks:          *blocksFlag,
		Iterations:      *iterationsFlag,
		Width:           *widthFlag,
		Workers:         *workersFlag,
		Policy:          policy,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		LogFile:         *logFileFlag,
		HealthcheckPort: *healthPortFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
