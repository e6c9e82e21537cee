package cli

import (
	"bytes"
	"testing"

	"github.com/specialistvlad/gridrt/internal/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	out := &bytes.Buffer{}
	cfg, exit, err := Parse(nil, out)
	require.NoError(t, err)
	require.False(t, exit)

	assert.Equal(t, &app.Config{
		Workload:   "increment",
		Elements:   1024,
		Blocks:     8,
		Iterations: 100,
		Width:      1,
		Policy:     "eager",
		LogFormat:  "json",
		LogLevel:   "info",
	}, cfg)
}

func TestParse_MachinePath(t *testing.T) {
	cases := map[string][]string{
		"long flag":  {"-machine", "m.hcl"},
		"short flag": {"-m", "m.hcl"},
		"positional": {"m.hcl"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, _, err := Parse(args, &bytes.Buffer{})
			require.NoError(t, err)
			assert.Equal(t, "m.hcl", cfg.MachinePath)
		})
	}
}

func TestParse_Overrides(t *testing.T) {
	cfg, _, err := Parse([]string{
		"-workload", "scale", "-elements", "64", "-blocks", "4", "-iterations", "3",
		"-width", "2", "-workers", "2", "-policy", "LWS", "-log-format", "text", "-log-level", "debug",
		"-log-file", "/tmp/gridrt.log", "-healthcheck-port", "8081",
	}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "scale", cfg.Workload)
	assert.Equal(t, 64, cfg.Elements)
	assert.Equal(t, 4, cfg.Blocks)
	assert.Equal(t, 3, cfg.Iterations)
	assert.Equal(t, 2, cfg.Width)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "lws", cfg.Policy)
	assert.Equal(t, "/tmp/gridrt.log", cfg.LogFile)
	assert.Equal(t, 8081, cfg.HealthcheckPort)
}

func TestParse_Help(t *testing.T) {
	out := &bytes.Buffer{}
	cfg, exit, err := Parse([]string{"-h"}, out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Nil(t, cfg)
	assert.Contains(t, out.String(), "Usage:")
	assert.Contains(t, out.String(), "best-impl")
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string][]string{
		"unknown flag": {"-bogus"},
		"log format":   {"-log-format", "xml"},
		"log level":    {"-log-level", "trace"},
		"policy":       {"-policy", "random"},
		"workload":     {"-workload", "sort"},
		"blocks":       {"-elements", "4", "-blocks", "8"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, exit, err := Parse(args, &bytes.Buffer{})
			require.False(t, exit)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}
