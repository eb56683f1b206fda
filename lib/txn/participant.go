package txn

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/lib/backend"
	"github.com/ValentinKolb/dSQL/lib/lockmgr"
	"github.com/puzpuzpuz/xsync/v3"
)

var participantLogger = common.GetLogger("txn/participant")

// preparedTxn is one transaction that voted YES and now pins a backend
// session until the decision arrives. The watchdog aborts unilaterally if
// the coordinator dies without deciding.
type preparedTxn struct {
	statement string
	table     string
	kind      Kind
	affected  int64
	session   backend.ISession
	watchdog  *time.Timer
}

// ActiveTxn is a snapshot row for the status surface.
type ActiveTxn struct {
	TxnID     string `json:"txn_id"`
	Table     string `json:"table"`
	Statement string `json:"statement"`
}

// Participant is this node's side of 2PC: it prepares statements inside
// pinned backend sessions, votes, and finalizes on decision. The local
// coordinator participates through in-process calls to the same methods
// its peers reach via PREPARE/COMMIT/ABORT messages.
type Participant struct {
	cfg      common.ClusterConfig
	be       backend.IBackend
	locks    lockmgr.ILockManager
	log      *Log
	prepared *xsync.MapOf[string, *preparedTxn]
}

// NewParticipant creates the participant.
func NewParticipant(cfg common.ClusterConfig, be backend.IBackend, locks lockmgr.ILockManager, log *Log) *Participant {
	return &Participant{
		cfg:      cfg,
		be:       be,
		locks:    locks,
		log:      log,
		prepared: xsync.NewMapOf[string, *preparedTxn](),
	}
}

// Prepare runs phase one for a single transaction: log PREPARING, take
// the exclusive table lock, execute the statement inside a fresh session
// and validate it - without committing. A nil error is a YES vote.
func (p *Participant) Prepare(ctx context.Context, txnID, statement string) (int64, error) {
	kind := Classify(statement)
	if !kind.IsWrite() {
		return 0, fmt.Errorf("%w: %s is not a write", ErrBadStatement, kind)
	}

	table, err := TableOf(statement)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadStatement, err)
	}

	if err := p.log.Record(ctx, txnID, kind, statement, PhasePreparing); err != nil {
		return 0, fmt.Errorf("failed to log PREPARING: %v", err)
	}

	if err := p.locks.Acquire(ctx, txnID, table, lockmgr.ModeExclusive); err != nil {
		p.abortLogged(ctx, txnID, kind, statement)
		return 0, err
	}

	session, err := p.be.Begin(ctx)
	if err != nil {
		p.locks.ReleaseAll(txnID)
		p.abortLogged(ctx, txnID, kind, statement)
		return 0, err
	}

	affected, err := session.Execute(ctx, statement)
	if err == nil {
		err = session.Prepare(ctx)
	}
	if err != nil {
		_ = session.Rollback()
		p.locks.ReleaseAll(txnID)
		p.abortLogged(ctx, txnID, kind, statement)
		return 0, err
	}

	pt := &preparedTxn{
		statement: statement,
		table:     table,
		kind:      kind,
		affected:  affected,
		session:   session,
	}
	pt.watchdog = time.AfterFunc(p.cfg.TxnPhaseTimeout, func() { p.selfAbort(txnID) })
	p.prepared.Store(txnID, pt)

	participantLogger.Infof("prepared txn %s on table %s (%d rows)", txnID, table, affected)
	return affected, nil
}

// Commit finalizes a prepared transaction: commit the pinned session, log
// COMMITTED, release locks.
func (p *Participant) Commit(ctx context.Context, txnID string) (int64, error) {
	pt, ok := p.prepared.LoadAndDelete(txnID)
	if !ok {
		return 0, fmt.Errorf("txn %s is not prepared on this node", txnID)
	}
	pt.watchdog.Stop()

	if err := pt.session.Commit(); err != nil {
		p.locks.ReleaseAll(txnID)
		return 0, fmt.Errorf("commit of txn %s failed: %v", txnID, err)
	}

	if err := p.log.Record(ctx, txnID, pt.kind, pt.statement, PhaseCommitted); err != nil {
		participantLogger.Errorf("committed txn %s but failed to log it: %v", txnID, err)
	}
	p.locks.ReleaseAll(txnID)

	participantLogger.Infof("committed txn %s", txnID)
	return pt.affected, nil
}

// Abort rolls a transaction back. Unknown transactions are fine - the
// prepare may have failed locally or the watchdog already fired.
func (p *Participant) Abort(ctx context.Context, txnID string) error {
	pt, ok := p.prepared.LoadAndDelete(txnID)
	if ok {
		pt.watchdog.Stop()
		_ = pt.session.Rollback()
		if err := p.log.Record(ctx, txnID, pt.kind, pt.statement, PhaseAborted); err != nil {
			participantLogger.Errorf("aborted txn %s but failed to log it: %v", txnID, err)
		}
		participantLogger.Infof("aborted txn %s", txnID)
	}
	p.locks.ReleaseAll(txnID)
	return nil
}

// Read runs a dispatched read statement on the local backend.
func (p *Participant) Read(ctx context.Context, statement string) (*backend.Rows, error) {
	return p.be.Query(ctx, statement)
}

// Recover replays transactions this node prepared but never resolved
// (crash between vote and decision). The resolver asks the coordinator
// via TXN_STATUS; COMMITTED outcomes are re-applied because the pinned
// session did not survive the restart.
func (p *Participant) Recover(ctx context.Context, resolve func(ctx context.Context, txnID string) (string, error)) {
	entries, err := p.log.Unresolved(ctx)
	if err != nil {
		participantLogger.Errorf("failed to load unresolved transactions: %v", err)
		return
	}

	for _, entry := range entries {
		outcome, err := resolve(ctx, entry.TxnID)
		if err != nil {
			participantLogger.Warnf("cannot resolve txn %s: %v", entry.TxnID, err)
			outcome = PhaseUnknown
		}

		kind := Classify(entry.Statement)
		switch outcome {
		case PhaseCommitted:
			if _, err := p.be.Execute(ctx, entry.Statement); err != nil {
				participantLogger.Errorf("failed to re-apply committed txn %s: %v", entry.TxnID, err)
				continue
			}
			_ = p.log.Record(ctx, entry.TxnID, kind, entry.Statement, PhaseCommitted)
			participantLogger.Infof("recovered txn %s as COMMITTED", entry.TxnID)
		default:
			// ABORTED and UNKNOWN both resolve to abort: the prepare's
			// transaction died with the process, nothing was applied.
			_ = p.log.Record(ctx, entry.TxnID, kind, entry.Statement, PhaseAborted)
			participantLogger.Infof("recovered txn %s as ABORTED (outcome %s)", entry.TxnID, outcome)
		}
	}
}

// Active returns a snapshot of the currently prepared transactions.
func (p *Participant) Active() []ActiveTxn {
	active := make([]ActiveTxn, 0)
	p.prepared.Range(func(txnID string, pt *preparedTxn) bool {
		active = append(active, ActiveTxn{TxnID: txnID, Table: pt.table, Statement: pt.statement})
		return true
	})
	sort.Slice(active, func(i, j int) bool { return active[i].TxnID < active[j].TxnID })
	return active
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// abortLogged records the ABORTED row for a prepare that failed before a
// session was pinned.
func (p *Participant) abortLogged(ctx context.Context, txnID string, kind Kind, statement string) {
	if err := p.log.Record(ctx, txnID, kind, statement, PhaseAborted); err != nil {
		participantLogger.Errorf("failed to log ABORTED for txn %s: %v", txnID, err)
	}
}

// selfAbort fires when a prepared transaction held its locks past the
// phase timeout without a decision - the coordinator is presumed dead.
func (p *Participant) selfAbort(txnID string) {
	if _, ok := p.prepared.Load(txnID); !ok {
		return
	}
	participantLogger.Warnf("txn %s held prepare past %s without a decision, aborting unilaterally",
		txnID, p.cfg.TxnPhaseTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.Abort(ctx, txnID)
}

// AbortAll aborts every prepared transaction (cooperative shutdown).
func (p *Participant) AbortAll(ctx context.Context) {
	p.prepared.Range(func(txnID string, _ *preparedTxn) bool {
		_ = p.Abort(ctx, txnID)
		return true
	})
}
