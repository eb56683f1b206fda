package backend

import (
	"context"
	"errors"
)

// ErrPoolExhausted is returned when no connection becomes free within the
// pool acquire timeout. Pinned prepare sessions count against capacity.
var ErrPoolExhausted = errors.New("backend connection pool exhausted")

// Rows is a JSON-friendly result set: column names plus stringified values.
type Rows struct {
	Columns []string   `json:"columns"`
	Values  [][]string `json:"values"`
}

// ISession is one write transaction on the local backend. After a
// successful Prepare the underlying connection stays pinned until Commit
// or Rollback.
type ISession interface {
	// Execute runs a statement inside the open transaction and returns
	// the number of affected rows.
	Execute(ctx context.Context, statement string) (int64, error)

	// Prepare validates the session for commit: the statement has run,
	// no constraint or lock violation occurred, and the connection is
	// still usable. Nothing is committed.
	Prepare(ctx context.Context) error

	// Commit makes the transaction durable and unpins the connection.
	Commit() error

	// Rollback discards the transaction and unpins the connection.
	Rollback() error
}

// IBackend is the narrow interface the control plane consumes. The
// relational engine behind it is an external collaborator reached over its
// native client protocol.
type IBackend interface {
	// Begin opens a new session. Blocks until a pooled connection is
	// free or the context expires.
	Begin(ctx context.Context) (ISession, error)

	// Query runs a read statement outside any session.
	Query(ctx context.Context, statement string, args ...interface{}) (*Rows, error)

	// Execute runs a statement in autocommit mode (bookkeeping writes).
	Execute(ctx context.Context, statement string, args ...interface{}) (int64, error)

	// PoolHealth reports whether the backend answers a ping.
	PoolHealth(ctx context.Context) bool

	// Close drains the pool.
	Close() error
}
