// Package task defines codelets, their per-architecture implementations and
// the Task that binds a codelet to data handles.
//
// A task moves through Created, BlockedOnData, Ready, Queued, Running and
// Done. Every change goes through Transition, which validates the edge and
// swaps the state atomically so concurrent pushers and workers cannot both
// claim a task.
package task
