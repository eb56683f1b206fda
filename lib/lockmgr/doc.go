// Package lockmgr implements per-table shared/exclusive locking with
// strict FIFO waiter queues and timeouts.
//
// The manager is local to each node, but writes are serialized globally
// because only the coordinator initiates them; contention is therefore
// between concurrent write sessions on the same coordinator and local
// reads dispatched to this node.
//
// Compatibility: SHARED/SHARED is compatible, every other pair conflicts.
// Waiters are granted strictly in arrival order - a blocked exclusive
// waiter also blocks later shared requests, so writers cannot starve.
// There is no deadlock detection; a waiter blocked past the wait budget
// gets ErrTimeout and is removed from the queue, which in 2PC becomes a
// NO vote and aborts the transaction holding the lock conflict open.
package lockmgr
