package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"

	_ "github.com/go-sql-driver/mysql"
)

var logger = common.GetLogger("backend")

// sqlBackend implements IBackend over database/sql with the MySQL driver.
type sqlBackend struct {
	db             *sql.DB
	acquireTimeout time.Duration
}

// NewMySQLBackend opens a pooled connection to the co-located MySQL
// replica. The pool is fixed-size; acquiring blocks up to acquireTimeout.
//
// Every connection is configured with auto_increment_increment equal to
// the cluster size and auto_increment_offset equal to the node ID, so
// locally generated primary keys never collide across replicas.
func NewMySQLBackend(dsn string, nodeID, clusterSize, poolSize int, acquireTimeout time.Duration) (IBackend, error) {
	if poolSize < 1 {
		poolSize = 5
	}

	db, err := sql.Open("mysql", withStrideParams(dsn, nodeID, clusterSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %v", err)
	}

	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(time.Hour)

	logger.Infof("backend pool created for node %d (size %d, stride %d/offset %d)",
		nodeID, poolSize, clusterSize, nodeID)

	return &sqlBackend{db: db, acquireTimeout: acquireTimeout}, nil
}

// withStrideParams appends the auto-increment stride session variables to
// the DSN. The driver applies DSN system variables on every connection it
// opens, which is exactly the per-connection hook the pool needs.
func withStrideParams(dsn string, nodeID, clusterSize int) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sauto_increment_increment=%d&auto_increment_offset=%d",
		dsn, sep, clusterSize, nodeID)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see backend.IBackend)
// --------------------------------------------------------------------------

func (b *sqlBackend) Begin(ctx context.Context) (ISession, error) {
	ctx, cancel := context.WithTimeout(ctx, b.acquireTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrPoolExhausted)
		}
		return nil, err
	}
	return &sqlSession{tx: tx}, nil
}

func (b *sqlBackend) Query(ctx context.Context, statement string, args ...interface{}) (*Rows, error) {
	rows, err := b.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows)
}

func (b *sqlBackend) Execute(ctx context.Context, statement string, args ...interface{}) (int64, error) {
	res, err := b.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (b *sqlBackend) PoolHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return b.db.PingContext(ctx) == nil
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// sqlSession wraps one open *sql.Tx. The transaction pins its connection
// in the pool until Commit or Rollback.
type sqlSession struct {
	tx *sql.Tx
}

func (s *sqlSession) Execute(ctx context.Context, statement string) (int64, error) {
	res, err := s.tx.ExecContext(ctx, statement)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (s *sqlSession) Prepare(ctx context.Context) error {
	// The statement already ran inside the transaction, so constraint
	// violations surfaced in Execute. What remains to validate is that
	// the pinned connection survived until the vote.
	var one int
	return s.tx.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *sqlSession) Commit() error {
	return s.tx.Commit()
}

func (s *sqlSession) Rollback() error {
	return s.tx.Rollback()
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// collectRows drains a result set into the wire representation.
func collectRows(rows *sql.Rows) (*Rows, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Rows{Columns: columns, Values: [][]string{}}
	raw := make([]sql.RawBytes, len(columns))
	scan := make([]interface{}, len(columns))
	for i := range raw {
		scan[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		value := make([]string, len(columns))
		for i, cell := range raw {
			if cell == nil {
				value[i] = "NULL"
			} else {
				value[i] = string(cell)
			}
		}
		result.Values = append(result.Values, value)
	}
	return result, rows.Err()
}
