package lockmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
)

var logger = common.GetLogger("lockmgr")

// NewLockManager creates a lock manager with the given default wait
// budget per acquisition.
func NewLockManager(defaultTimeout time.Duration) ILockManager {
	return &lockMgrImpl{
		timeout: defaultTimeout,
		tables:  make(map[string]*tableLock),
		byTxn:   make(map[string]map[string]struct{}),
	}
}

// waiter is one queued request. granted is written under the manager
// mutex before ready is closed, so the timeout path can distinguish a
// race between grant and expiry.
type waiter struct {
	txnID   string
	table   string
	mode    Mode
	granted bool
	ready   chan struct{}
}

// tableLock is the held-set plus FIFO waiter queue of one table.
type tableLock struct {
	holders map[string]Mode
	waiters []*waiter
}

type lockMgrImpl struct {
	mu      sync.Mutex
	timeout time.Duration
	tables  map[string]*tableLock
	byTxn   map[string]map[string]struct{} // txnID -> tables held
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr.ILockManager)
// --------------------------------------------------------------------------

func (m *lockMgrImpl) Acquire(ctx context.Context, txnID, table string, mode Mode) error {
	m.mu.Lock()
	tl, ok := m.tables[table]
	if !ok {
		tl = &tableLock{holders: make(map[string]Mode)}
		m.tables[table] = tl
	}

	_, reentrant := tl.holders[txnID]

	// Immediate grant only when compatible and nobody queued ahead
	// (re-acquisition by a holder bypasses the queue).
	if tl.canGrant(txnID, mode) && (len(tl.waiters) == 0 || reentrant) {
		tl.grant(txnID, mode)
		m.track(txnID, table)
		m.mu.Unlock()
		return nil
	}

	w := &waiter{txnID: txnID, table: table, mode: mode, ready: make(chan struct{})}
	tl.waiters = append(tl.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	// Expired - but the grant may have raced the timer.
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.granted {
		return nil
	}
	tl.removeWaiter(w)
	if len(tl.holders) == 0 && len(tl.waiters) == 0 {
		delete(m.tables, table)
	}
	logger.Warnf("txn %s timed out waiting for %s lock on %s", txnID, mode, table)
	return ErrTimeout
}

func (m *lockMgrImpl) ReleaseAll(txnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for table := range m.byTxn[txnID] {
		tl := m.tables[table]
		if tl == nil {
			continue
		}
		delete(tl.holders, txnID)
		tl.grantWaiters(m)
		if len(tl.holders) == 0 && len(tl.waiters) == 0 {
			delete(m.tables, table)
		}
	}
	delete(m.byTxn, txnID)
}

func (m *lockMgrImpl) Holders(table string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tl := m.tables[table]
	if tl == nil {
		return nil
	}
	holders := make([]string, 0, len(tl.holders))
	for txnID := range tl.holders {
		holders = append(holders, txnID)
	}
	sort.Strings(holders)
	return holders
}

// --------------------------------------------------------------------------
// Helper Methods (all called with the manager mutex held)
// --------------------------------------------------------------------------

func (m *lockMgrImpl) track(txnID, table string) {
	tables, ok := m.byTxn[txnID]
	if !ok {
		tables = make(map[string]struct{})
		m.byTxn[txnID] = tables
	}
	tables[table] = struct{}{}
}

// canGrant implements the compatibility matrix: SHARED/SHARED is the only
// compatible pair, and holders may re-acquire (upgrade only when sole
// holder).
func (tl *tableLock) canGrant(txnID string, mode Mode) bool {
	if len(tl.holders) == 0 {
		return true
	}
	if held, ok := tl.holders[txnID]; ok {
		if held == ModeExclusive || mode == ModeShared {
			return true
		}
		return len(tl.holders) == 1 // shared -> exclusive upgrade
	}
	if mode == ModeExclusive {
		return false
	}
	for _, held := range tl.holders {
		if held == ModeExclusive {
			return false
		}
	}
	return true
}

func (tl *tableLock) grant(txnID string, mode Mode) {
	if held, ok := tl.holders[txnID]; ok && held == ModeExclusive {
		return // never downgrade
	}
	tl.holders[txnID] = mode
}

// grantWaiters pops the queue head while it is grantable. FIFO order is
// strict: the first incompatible waiter blocks everything behind it.
func (tl *tableLock) grantWaiters(m *lockMgrImpl) {
	for len(tl.waiters) > 0 {
		w := tl.waiters[0]
		if !tl.canGrant(w.txnID, w.mode) {
			return
		}
		tl.waiters = tl.waiters[1:]
		tl.grant(w.txnID, w.mode)
		m.track(w.txnID, w.table)
		w.granted = true
		close(w.ready)
	}
}

func (tl *tableLock) removeWaiter(target *waiter) {
	for i, w := range tl.waiters {
		if w == target {
			tl.waiters = append(tl.waiters[:i], tl.waiters[i+1:]...)
			return
		}
	}
}
