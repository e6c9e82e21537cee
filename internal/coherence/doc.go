// Package coherence tracks where valid copies of each registered data item
// live and arbitrates concurrent access to it.
//
// # Model
//
// A Handle owns one replica per memory node that has ever held its data.
// Each replica is Invalid, Shared or Owner. At most one replica is Owner;
// while one is, every other replica is Invalid. Several replicas may be
// Shared only while none is Owner.
//
// Access is split in two phases:
//
//  1. Arbitration. Callers enqueue request sets (one (handle, mode) pair per
//     handle) with RequestSet. A set is granted all-or-nothing once every
//     request in it is compatible with what is already granted and with every
//     earlier pending request on the same handle. Reads share; Write and
//     ReadWrite are exclusive.
//  2. Placement. A granted holder calls Fetch to make the replica on its
//     memory node valid for its mode. Fetch performs the replica state
//     transitions and the copies, coalescing concurrent copies to the same
//     destination.
//
// Acquire and AcquireAsync bundle both phases for explicit callers; the
// dependency tracker drives them separately for tasks.
//
// # Locking
//
// Each handle has its own mutex. Request sets lock their handles in id order
// so that requests land in the same relative order on every shared handle.
// Copies run with the handle unlocked; callbacks are never invoked while a
// handle lock is held.
package coherence
