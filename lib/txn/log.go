package txn

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSQL/lib/backend"
)

// transactionsLogSchema is the per-node bookkeeping table. The primary
// key rides the auto-increment stride/offset convention, so rows created
// on different nodes never collide.
const transactionsLogSchema = `
CREATE TABLE IF NOT EXISTS transactions_log (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	txn_id VARCHAR(64) NOT NULL,
	query_type VARCHAR(16) NOT NULL,
	query_text TEXT NOT NULL,
	status VARCHAR(16) NOT NULL,
	node_id INT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	INDEX idx_txn_id (txn_id),
	INDEX idx_status (status)
)`

// Log records every 2PC phase transition of this participant in the
// local transactions_log table. One row is appended per transition, so
// the full history of a transaction stays queryable.
type Log struct {
	be     backend.IBackend
	nodeID int
}

// NewLog creates the log writer for this node.
func NewLog(be backend.IBackend, nodeID int) *Log {
	return &Log{be: be, nodeID: nodeID}
}

// EnsureSchema creates the bookkeeping table if it is missing.
func (l *Log) EnsureSchema(ctx context.Context) error {
	if _, err := l.be.Execute(ctx, transactionsLogSchema); err != nil {
		return fmt.Errorf("failed to ensure transactions_log: %v", err)
	}
	return nil
}

// Record appends one phase row for the transaction.
func (l *Log) Record(ctx context.Context, txnID string, kind Kind, statement, status string) error {
	_, err := l.be.Execute(ctx,
		"INSERT INTO transactions_log (txn_id, query_type, query_text, status, node_id) VALUES (?, ?, ?, ?, ?)",
		txnID, kind.String(), statement, status, l.nodeID)
	return err
}

// UnresolvedEntry is a PREPARING row without a terminal sibling.
type UnresolvedEntry struct {
	TxnID     string
	Statement string
}

// Unresolved returns the transactions this node prepared but never saw a
// decision for. Replayed at startup via TXN_STATUS.
func (l *Log) Unresolved(ctx context.Context) ([]UnresolvedEntry, error) {
	rows, err := l.be.Query(ctx,
		`SELECT t.txn_id, t.query_text FROM transactions_log t
		 WHERE t.status = ? AND t.node_id = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM transactions_log d
		     WHERE d.txn_id = t.txn_id AND d.node_id = t.node_id AND d.status IN (?, ?)
		   )`,
		PhasePreparing, l.nodeID, PhaseCommitted, PhaseAborted)
	if err != nil {
		return nil, err
	}

	entries := make([]UnresolvedEntry, 0, len(rows.Values))
	for _, row := range rows.Values {
		if len(row) == 2 {
			entries = append(entries, UnresolvedEntry{TxnID: row[0], Statement: row[1]})
		}
	}
	return entries, nil
}

// Outcome looks up the terminal status of a transaction on this node.
func (l *Log) Outcome(ctx context.Context, txnID string) (string, bool, error) {
	rows, err := l.be.Query(ctx,
		"SELECT status FROM transactions_log WHERE txn_id = ? AND status IN (?, ?) LIMIT 1",
		txnID, PhaseCommitted, PhaseAborted)
	if err != nil {
		return "", false, err
	}
	if len(rows.Values) == 0 || len(rows.Values[0]) == 0 {
		return "", false, nil
	}
	return rows.Values[0][0], true, nil
}
