// Package rooms holds the signaling core: rooms, the registry that owns them,
// per-connection sessions and the router that moves sessions through join,
// relay and leave.
//
// Each room is guarded by its own mutex. Policies (broadcast or paired) run
// under that mutex and only touch room bookkeeping; direct deliveries are
// non-blocking transport enqueues made in order under the same lock, and
// fanout publications happen after it is released.
package rooms
