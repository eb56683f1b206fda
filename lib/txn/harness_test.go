package txn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/messenger/messengertest"
	"github.com/ValentinKolb/dSQL/lib/backend"
	"github.com/ValentinKolb/dSQL/lib/election"
	"github.com/ValentinKolb/dSQL/lib/health"
	"github.com/ValentinKolb/dSQL/lib/lockmgr"
)

// --------------------------------------------------------------------------
// Fake Backend
// --------------------------------------------------------------------------

type fakeLogRow struct {
	txnID  string
	qtype  string
	text   string
	status string
}

// fakeBackend implements backend.IBackend in memory. The transactions_log
// statements of the real schema are interpreted so the Log type runs
// unchanged; everything else is recorded as applied on commit.
type fakeBackend struct {
	mu           sync.Mutex
	nodeID       int
	failContains string // session statements containing this fail (constraint violation)
	applied      []string
	logRows      []fakeLogRow
	selectRows   *backend.Rows
}

func newFakeBackend(nodeID int) *fakeBackend {
	return &fakeBackend{
		nodeID:     nodeID,
		selectRows: &backend.Rows{Columns: []string{"value"}, Values: [][]string{}},
	}
}

func (b *fakeBackend) Begin(ctx context.Context) (backend.ISession, error) {
	return &fakeSession{be: b}, nil
}

func (b *fakeBackend) Execute(ctx context.Context, statement string, args ...interface{}) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case strings.HasPrefix(statement, "\nCREATE TABLE IF NOT EXISTS transactions_log"),
		strings.HasPrefix(statement, "CREATE TABLE IF NOT EXISTS transactions_log"):
		return 0, nil
	case strings.HasPrefix(statement, "INSERT INTO transactions_log"):
		b.logRows = append(b.logRows, fakeLogRow{
			txnID:  fmt.Sprint(args[0]),
			qtype:  fmt.Sprint(args[1]),
			text:   fmt.Sprint(args[2]),
			status: fmt.Sprint(args[3]),
		})
		return 1, nil
	default:
		if b.failContains != "" && strings.Contains(statement, b.failContains) {
			return 0, fmt.Errorf("Duplicate entry for key 'email'")
		}
		b.applied = append(b.applied, statement)
		return 1, nil
	}
}

func (b *fakeBackend) Query(ctx context.Context, statement string, args ...interface{}) (*backend.Rows, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case strings.Contains(statement, "FROM transactions_log t"):
		// Unresolved PREPARING rows
		rows := &backend.Rows{Columns: []string{"txn_id", "query_text"}}
		terminal := make(map[string]bool)
		for _, row := range b.logRows {
			if row.status == PhaseCommitted || row.status == PhaseAborted {
				terminal[row.txnID] = true
			}
		}
		for _, row := range b.logRows {
			if row.status == PhasePreparing && !terminal[row.txnID] {
				rows.Values = append(rows.Values, []string{row.txnID, row.text})
			}
		}
		return rows, nil

	case strings.Contains(statement, "SELECT status FROM transactions_log"):
		rows := &backend.Rows{Columns: []string{"status"}}
		txnID := fmt.Sprint(args[0])
		for _, row := range b.logRows {
			if row.txnID == txnID && (row.status == PhaseCommitted || row.status == PhaseAborted) {
				rows.Values = append(rows.Values, []string{row.status})
				break
			}
		}
		return rows, nil

	default:
		return b.selectRows, nil
	}
}

func (b *fakeBackend) PoolHealth(ctx context.Context) bool { return true }
func (b *fakeBackend) Close() error                        { return nil }

// logCount returns the number of log rows for a txn with the status.
func (b *fakeBackend) logCount(txnID, status string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, row := range b.logRows {
		if row.txnID == txnID && row.status == status {
			count++
		}
	}
	return count
}

// hasApplied reports whether a statement was committed on this backend.
func (b *fakeBackend) hasApplied(statement string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.applied {
		if s == statement {
			return true
		}
	}
	return false
}

// fakeSession buffers statements until Commit.
type fakeSession struct {
	be      *fakeBackend
	pending []string
}

func (s *fakeSession) Execute(ctx context.Context, statement string) (int64, error) {
	s.be.mu.Lock()
	fail := s.be.failContains != "" && strings.Contains(statement, s.be.failContains)
	s.be.mu.Unlock()
	if fail {
		return 0, fmt.Errorf("Duplicate entry for key 'email'")
	}
	s.pending = append(s.pending, statement)
	return 1, nil
}

func (s *fakeSession) Prepare(ctx context.Context) error { return nil }

func (s *fakeSession) Commit() error {
	s.be.mu.Lock()
	defer s.be.mu.Unlock()
	s.be.applied = append(s.be.applied, s.pending...)
	s.pending = nil
	return nil
}

func (s *fakeSession) Rollback() error {
	s.pending = nil
	return nil
}

// --------------------------------------------------------------------------
// Mini Cluster
// --------------------------------------------------------------------------

// miniNode is a node without sockets: fake backend, real lock manager,
// participant and coordinator, wired over the in-memory bus.
type miniNode struct {
	id      int
	be      *fakeBackend
	locks   lockmgr.ILockManager
	monitor *health.Monitor
	coord   *Coordinator
	part    *Participant
}

// miniCluster wires n nodes with a fixed coordinator view.
type miniCluster struct {
	bus   *messengertest.Bus
	nodes map[int]*miniNode

	mu          sync.Mutex
	coordinator int
	electing    bool
}

func testClusterConfig(nodeID, size int) common.ClusterConfig {
	cfg := common.DefaultConfig()
	cfg.NodeID = nodeID
	cfg.LockTimeout = 500 * time.Millisecond
	cfg.PrepareTimeout = time.Second
	cfg.TxnPhaseTimeout = 5 * time.Second
	cfg.ClientReplyTimeout = 2 * time.Second
	cfg.Nodes = make(map[int]common.NodeDescriptor)
	for id := 1; id <= size; id++ {
		cfg.Nodes[id] = common.NodeDescriptor{ID: id, Addr: fmt.Sprintf("node-%d", id)}
	}
	return cfg
}

func newMiniCluster(size, coordinator int) *miniCluster {
	mc := &miniCluster{
		bus:         messengertest.NewBus(),
		nodes:       make(map[int]*miniNode),
		coordinator: coordinator,
	}

	for id := 1; id <= size; id++ {
		id := id
		cfg := testClusterConfig(id, size)
		msgr := mc.bus.Endpoint(id)

		be := newFakeBackend(id)
		locks := lockmgr.NewLockManager(cfg.LockTimeout)
		log := NewLog(be, id)
		part := NewParticipant(cfg, be, locks, log)
		monitor := health.NewMonitor(cfg, msgr)
		coord := NewCoordinator(cfg, msgr, part, monitor, func() election.View {
			mc.mu.Lock()
			defer mc.mu.Unlock()
			return election.View{CoordinatorID: mc.coordinator, Term: 1, Electing: mc.electing}
		})

		n := &miniNode{id: id, be: be, locks: locks, monitor: monitor, coord: coord, part: part}
		mc.nodes[id] = n

		msgr.RegisterHandler(func(msg *common.Message) { mc.dispatch(n, msg) })
	}
	return mc
}

// dispatch mirrors the node package's switch for the transaction plane.
func (mc *miniCluster) dispatch(n *miniNode, msg *common.Message) {
	switch msg.MsgType {
	case common.MsgTClientRequest:
		var p common.ClientRequestPayload
		if msg.DecodePayload(&p) == nil {
			n.coord.HandleClientRequest(msg.SenderID, p)
		}
	case common.MsgTClientReply:
		var p common.Reply
		if msg.DecodePayload(&p) == nil {
			n.coord.OnClientReply(p)
		}
	case common.MsgTPrepare:
		var p common.PreparePayload
		if msg.DecodePayload(&p) == nil {
			n.coord.HandlePrepare(msg.SenderID, p)
		}
	case common.MsgTVote:
		var p common.VotePayload
		if msg.DecodePayload(&p) == nil {
			n.coord.OnVote(msg.SenderID, p)
		}
	case common.MsgTCommit:
		var p common.DecisionPayload
		if msg.DecodePayload(&p) == nil {
			n.coord.HandleCommit(msg.SenderID, p)
		}
	case common.MsgTAbort:
		var p common.DecisionPayload
		if msg.DecodePayload(&p) == nil {
			n.coord.HandleAbort(msg.SenderID, p)
		}
	case common.MsgTAck:
		var p common.AckPayload
		if msg.DecodePayload(&p) == nil {
			n.coord.OnAck(msg.SenderID, p)
		}
	case common.MsgTExecuteRead:
		var p common.ExecuteReadPayload
		if msg.DecodePayload(&p) == nil {
			n.coord.HandleExecuteRead(msg.SenderID, p)
		}
	case common.MsgTReadResult:
		var p common.ReadResultPayload
		if msg.DecodePayload(&p) == nil {
			n.coord.OnReadResult(p)
		}
	case common.MsgTTxnStatus:
		var p common.TxnStatusPayload
		if msg.DecodePayload(&p) == nil {
			n.coord.HandleTxnStatus(msg.SenderID, p)
		}
	case common.MsgTTxnStatusReply:
		var p common.TxnStatusReplyPayload
		if msg.DecodePayload(&p) == nil {
			n.coord.OnTxnStatusReply(p)
		}
	}
}

func (mc *miniCluster) setElecting(electing bool) {
	mc.mu.Lock()
	mc.electing = electing
	mc.mu.Unlock()
}
