package app

import (
	"errors"
	"fmt"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	MachinePath string // hcl file or directory; empty means the local host

	Workload   string
	Elements   int
	Blocks     int
	Iterations int
	Width      int    // workers each increment task runs on together
	Workers    int    // CPU workers when the machine declares none
	Policy     string // policy of the default context

	LogFormat       string
	LogLevel        string
	LogFile         string
	HealthcheckPort int
}

// Workloads lists the demo workloads Run knows.
var Workloads = []string{"increment", "scale", "none"}

// NewConfig validates cfg and returns a copy.
func NewConfig(cfg Config) (*Config, error) {
	known := false
	for _, w := range Workloads {
		if cfg.Workload == w {
			known = true
		}
	}
	if !known {
		return nil, fmt.Errorf("unknown workload %q (known: %v)", cfg.Workload, Workloads)
	}
	if cfg.Workload != "none" {
		if cfg.Elements <= 0 || cfg.Blocks <= 0 || cfg.Iterations <= 0 {
			return nil, errors.New("elements, blocks and iterations must be positive")
		}
		if cfg.Blocks > cfg.Elements {
			return nil, fmt.Errorf("cannot split %d elements into %d blocks", cfg.Elements, cfg.Blocks)
		}
	}
	if cfg.Width < 0 {
		return nil, errors.New("width cannot be negative")
	}
	if cfg.Workers < 0 {
		return nil, errors.New("workers cannot be negative")
	}
	return &cfg, nil
}
