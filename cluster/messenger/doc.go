// Package messenger is the inter-node messaging fabric: length-prefixed,
// checksum-verified frames over TCP stream sockets.
//
// Each node runs one accepting listener. Outbound connections are dialled
// lazily per peer with a bounded dial timeout and kept open; a send failure
// closes the connection and reports the peer unreachable, the next send
// re-dials. Per-peer writes are serialized under a mutex so frames never
// interleave on the wire, which gives per-peer FIFO delivery over a single
// TCP connection. There is no ordering guarantee across peers.
//
// Inbound frames are decoded, their payload checksum verified, and then
// dispatched to the registered handler on a bounded worker pool. Frames
// whose checksum does not match are dropped silently.
//
// The messenger never retries a send. Retry policy belongs to the callers:
// the heartbeat monitor retries implicitly on its next tick and the
// transaction coordinator counts an unreachable participant as a NO vote.
package messenger
