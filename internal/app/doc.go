// Package app ties a machine description to a running task runtime. It owns
// the logger and the health endpoints, translates the machine model into
// runtime options and drives the demo workloads, independent of the CLI that
// starts it.
package app
