// Package txn contains the transaction plane: statement classification,
// the read load balancer, the two-phase-commit coordinator and the
// participant state machine with its transactions_log bookkeeping.
//
// Control flow for a write: the coordinator logs PREPARING, fans PREPARE
// out to the UP set (itself included, via an in-process call), gathers
// votes within the prepare budget - any missing vote counts as NO - and
// broadcasts the decision. Participants pin a backend session from
// successful prepare until the decision, guarded by a watchdog that
// aborts unilaterally when the coordinator dies without deciding.
//
// Reads skip all of this: the balancer picks one UP replica and the
// query runs there with whatever isolation the backend provides.
//
// Writes are serialized per table by the lock manager only; writes on
// disjoint tables run concurrently.
package txn
