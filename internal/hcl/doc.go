// Package hcl provides the HCL implementation of config.Loader. It parses
// machine files, evaluates expressions against an evaluation context that
// exposes the host's core count and environment, and binds settings blocks
// onto Go structs with typed cty defaults.
package hcl
