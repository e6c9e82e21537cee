// Package config defines the format-agnostic machine model: memory nodes,
// worker groups, scheduling contexts, hypervisor tuning, static performance
// seeds and the trace sink. Concrete loaders, such as the HCL one, live in
// separate packages.
package config
