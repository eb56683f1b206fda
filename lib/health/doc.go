// Package health implements the heartbeat and failure detection
// subsystem. Every node pings every peer each heartbeat interval; a peer
// whose last heartbeat is older than the heartbeat timeout is marked
// DOWN. Transitions are published as events, and the loss of the current
// coordinator (while no election is in progress) raises the
// coordinator-lost signal that drives the election engine.
//
// Only the monotonic local clock is consulted; heartbeat timestamps from
// peers are never compared across nodes.
package health
