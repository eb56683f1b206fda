package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/messenger"
	"github.com/ValentinKolb/dSQL/cluster/serializer"
	"github.com/ValentinKolb/dSQL/lib/backend"
	"github.com/ValentinKolb/dSQL/lib/election"
	"github.com/ValentinKolb/dSQL/lib/health"
	"github.com/ValentinKolb/dSQL/lib/lockmgr"
	"github.com/ValentinKolb/dSQL/lib/txn"
)

var logger = common.GetLogger("node")

// Node is one middleware process: the messenger fabric, the local backend
// adapter, lock manager, heartbeat monitor, election engine and the
// transaction coordinator, wired together.
type Node struct {
	cfg common.ClusterConfig

	msgr    messenger.IMessenger
	be      backend.IBackend
	locks   lockmgr.ILockManager
	txnLog  *txn.Log
	part    *txn.Participant
	monitor *health.Monitor
	engine  *election.Engine
	coord   *txn.Coordinator

	clientLn net.Listener

	stopOnce sync.Once
	stop     chan struct{}
}

// New wires a node from its configuration and backend.
func New(cfg common.ClusterConfig, be backend.IBackend, s serializer.IWireSerializer) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:  cfg,
		be:   be,
		stop: make(chan struct{}),
	}

	n.msgr = messenger.New(cfg, s)
	n.locks = lockmgr.NewLockManager(cfg.LockTimeout)
	n.txnLog = txn.NewLog(be, cfg.NodeID)
	n.part = txn.NewParticipant(cfg, be, n.locks, n.txnLog)
	n.monitor = health.NewMonitor(cfg, n.msgr)
	n.engine = election.NewEngine(cfg, n.msgr)
	n.coord = txn.NewCoordinator(cfg, n.msgr, n.part, n.monitor, n.engine.View)

	n.monitor.SetCoordinatorProbe(func() (int, uint64, bool) {
		v := n.engine.View()
		return v.CoordinatorID, v.Term, v.Electing
	})
	n.engine.OnChange(func(v election.View) {
		if v.CoordinatorID == cfg.NodeID && !v.Electing {
			logger.Infof("this node is now coordinator (term %d)", v.Term)
		}
	})
	n.msgr.RegisterHandler(n.dispatch)

	return n, nil
}

// Run starts all components and blocks until the context is cancelled,
// then shuts down cooperatively: in-flight transactions are aborted,
// sockets closed, the pool drained.
func (n *Node) Run(ctx context.Context) error {
	logger.Infof("starting node %d", n.cfg.NodeID)
	logger.Infof(n.cfg.String())

	if !n.be.PoolHealth(ctx) {
		logger.Warnf("backend not answering pings yet, continuing anyway")
	}
	if err := n.txnLog.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("backend bootstrap failed: %v", err)
	}

	listenErr := make(chan error, 1)
	go func() { listenErr <- n.msgr.Listen() }()

	n.monitor.Start()
	go n.engine.Run(n.monitor.Events())
	go n.recoverUnresolved(ctx)

	if n.cfg.Self().ClientAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.Self().ClientAddr)
		if err != nil {
			return fmt.Errorf("failed to open client socket on %s: %v", n.cfg.Self().ClientAddr, err)
		}
		n.clientLn = ln
		go n.serveClients(ctx)
		logger.Infof("client socket on %s", n.cfg.Self().ClientAddr)
	}

	select {
	case <-ctx.Done():
	case err := <-listenErr:
		if err != nil {
			n.shutdown()
			return err
		}
	}

	n.shutdown()
	return nil
}

// recoverUnresolved waits for a coordinator to be known, then replays the
// PREPARING rows of a previous run. A node that comes up into a cluster
// with no coordinator resolves them as UNKNOWN, which aborts.
func (n *Node) recoverUnresolved(ctx context.Context) {
	deadline := time.Now().Add(n.cfg.CoordWaitTimeout + n.cfg.ElectionTimeout)
	for time.Now().Before(deadline) {
		if v := n.engine.View(); v.CoordinatorID != 0 && !v.Electing {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	n.part.Recover(ctx, n.coord.ResolveRemote)
}

func (n *Node) shutdown() {
	n.stopOnce.Do(func() {
		close(n.stop)
		logger.Infof("shutting down node %d", n.cfg.NodeID)

		if n.clientLn != nil {
			n.clientLn.Close()
		}
		n.engine.Stop()
		n.monitor.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		n.part.AbortAll(ctx)
		cancel()

		n.msgr.Close()
		if err := n.be.Close(); err != nil {
			logger.Warnf("backend close: %v", err)
		}
	})
}

// Coordinator exposes the transaction entry point (used by the client
// server and by tests).
func (n *Node) Coordinator() *txn.Coordinator {
	return n.coord
}
