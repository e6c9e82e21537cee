// Package topology describes the machine the runtime schedules on: the
// memory nodes that hold data replicas and the ordered sequence of worker
// descriptors (id, architecture, home memory node) produced at startup.
//
// # Why Topology Store Exists
//
// The topology is read-only input for the rest of the runtime. It is
// populated once (from a machine file or from local discovery) and then
// queried concurrently by the coherence manager, the scheduling contexts and
// the hypervisor. Keeping it behind the Store interface isolates the static
// machine description from the mutable scheduling state.
package topology
