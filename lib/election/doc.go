// Package election implements Bully leader election over the messenger
// fabric. Numeric node ID is the sole priority: on coordinator loss a
// node challenges every higher-ID peer with ELECTION, defers when any of
// them answers ALIVE, and declares itself coordinator when none does.
// Concurrent elections converge because the highest live ID never
// receives an ALIVE.
//
// Terms are monotonically non-decreasing on every node; a COORDINATOR
// announcement with a stale term is ignored. The resulting view
// (coordinator, term, election-in-progress) is published atomically and
// consumed by the transaction coordinator, which rejects writes while an
// election settles.
package election
