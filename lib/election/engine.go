package election

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/messenger"
	"github.com/ValentinKolb/dSQL/lib/health"
	"github.com/VictoriaMetrics/metrics"
)

var logger = common.GetLogger("election")

var (
	electionsStarted = metrics.NewCounter("dsql_election_started_total")
	electionsWon     = metrics.NewCounter("dsql_election_won_total")
)

// --------------------------------------------------------------------------
// States and View
// --------------------------------------------------------------------------

// State is the engine's position in the Bully protocol.
type State uint8

const (
	// StateFollower means a coordinator is known (or none yet).
	StateFollower State = iota
	// StateElecting means ELECTION messages are out, waiting for ALIVE.
	StateElecting
	// StateWaitingForHigher means a higher node answered ALIVE and this
	// node waits for its COORDINATOR announcement.
	StateWaitingForHigher
	// StateCoordinator means this node won the election.
	StateCoordinator
)

// String returns the display name of a State.
func (s State) String() string {
	switch s {
	case StateElecting:
		return "ELECTING"
	case StateWaitingForHigher:
		return "WAITING_FOR_HIGHER"
	case StateCoordinator:
		return "COORDINATOR"
	default:
		return "FOLLOWER"
	}
}

// View is the atomically published coordinator view. CoordinatorID 0
// means no coordinator is known.
type View struct {
	CoordinatorID int
	Term          uint64
	Electing      bool
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine implements the Bully algorithm: the highest-ID live node becomes
// coordinator. Driven by the health monitor's coordinator-lost events and
// by inbound ELECTION/ALIVE/COORDINATOR messages.
type Engine struct {
	cfg  common.ClusterConfig
	msgr messenger.IMessenger

	mu            sync.Mutex
	state         State
	term          uint64 // local_term, monotonically non-decreasing
	pendingTerm   uint64 // highest election term seen, floor for the next round
	coordinatorID int

	aliveCh chan struct{}
	adoptCh chan struct{}

	onChange func(View)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewEngine creates the election engine. Run must be called to start it.
func NewEngine(cfg common.ClusterConfig, msgr messenger.IMessenger) *Engine {
	return &Engine{
		cfg:     cfg,
		msgr:    msgr,
		aliveCh: make(chan struct{}, 1),
		adoptCh: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// OnChange registers the callback invoked (outside the engine lock) each
// time the published view changes.
func (e *Engine) OnChange(fn func(View)) {
	e.onChange = fn
}

// View returns a snapshot of the current coordinator view.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) viewLocked() View {
	return View{
		CoordinatorID: e.coordinatorID,
		Term:          e.term,
		Electing:      e.state == StateElecting || e.state == StateWaitingForHigher,
	}
}

// Run starts the engine: with no known coordinator it opens an election
// immediately, then it reacts to health events until Stop.
func (e *Engine) Run(events <-chan health.Event) {
	e.StartElection()

	for {
		select {
		case <-e.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == health.EventCoordinatorLost {
				logger.Warnf("coordinator %d lost at term %d, opening election", ev.NodeID, ev.Term)
				e.StartElection()
			}
		}
	}
}

// Stop terminates the engine.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// --------------------------------------------------------------------------
// Message Handlers (called from the node's dispatch switch)
// --------------------------------------------------------------------------

// HandleElection answers a lower node's ELECTION with ALIVE and joins the
// round if this node is idle.
func (e *Engine) HandleElection(senderID int, term uint64) {
	if senderID < e.cfg.NodeID {
		if err := e.msgr.Send(senderID, common.NewAlive(e.cfg.NodeID, term)); err != nil {
			logger.Debugf("failed to send ALIVE to node %d: %v", senderID, err)
		}
	}

	e.mu.Lock()
	if term > e.pendingTerm {
		e.pendingTerm = term
	}
	idle := e.state == StateFollower || e.state == StateCoordinator
	e.mu.Unlock()

	if idle {
		e.StartElection()
	}
}

// HandleAlive signals that a higher node is alive in the current round.
func (e *Engine) HandleAlive(term uint64) {
	select {
	case e.aliveCh <- struct{}{}:
	default:
	}
}

// HandleCoordinator adopts an announcement unless its term is stale.
func (e *Engine) HandleCoordinator(coordinatorID int, term uint64) {
	e.mu.Lock()
	if term < e.term {
		logger.Warnf("ignoring stale COORDINATOR(%d) for term %d (local term %d)",
			coordinatorID, term, e.term)
		e.mu.Unlock()
		return
	}

	e.term = term
	if term > e.pendingTerm {
		e.pendingTerm = term
	}
	e.coordinatorID = coordinatorID
	if coordinatorID == e.cfg.NodeID {
		e.state = StateCoordinator
	} else {
		e.state = StateFollower
	}
	view := e.viewLocked()
	e.mu.Unlock()

	select {
	case e.adoptCh <- struct{}{}:
	default:
	}

	logger.Infof("node %d announced as coordinator (term %d)", coordinatorID, term)
	e.notify(view)
}

// --------------------------------------------------------------------------
// Election Rounds
// --------------------------------------------------------------------------

// StartElection opens a round unless one is already in progress.
func (e *Engine) StartElection() {
	e.mu.Lock()
	if e.state == StateElecting || e.state == StateWaitingForHigher {
		e.mu.Unlock()
		return
	}
	e.state = StateElecting
	if e.pendingTerm < e.term+1 {
		e.pendingTerm = e.term + 1
	}
	term := e.pendingTerm
	view := e.viewLocked()
	e.mu.Unlock()

	// Drain signals of previous rounds
	select {
	case <-e.aliveCh:
	default:
	}
	select {
	case <-e.adoptCh:
	default:
	}

	e.notify(view)
	go e.runElection(term)
}

// runElection executes one Bully round at the given term.
func (e *Engine) runElection(term uint64) {
	electionsStarted.Inc()
	logger.Infof("node %d starting election (term %d)", e.cfg.NodeID, term)

	higher := 0
	for _, peer := range e.cfg.Peers() {
		if peer.ID > e.cfg.NodeID {
			higher++
			if err := e.msgr.Send(peer.ID, common.NewElection(e.cfg.NodeID, term)); err != nil {
				logger.Debugf("ELECTION to node %d failed: %v", peer.ID, err)
			}
		}
	}

	// Highest ID in the cluster never waits: nobody outranks it.
	if higher == 0 {
		e.declareSelf(term)
		return
	}

	electTimer := time.NewTimer(e.cfg.ElectionTimeout)
	defer electTimer.Stop()

	select {
	case <-e.stop:
		return
	case <-electTimer.C:
		// No higher node answered within T_elect
		e.declareSelf(term)
		return
	case <-e.aliveCh:
	}

	// A higher node is alive - defer and wait for its announcement,
	// unless that announcement was already adopted before the ALIVE.
	e.mu.Lock()
	if e.state != StateElecting {
		e.mu.Unlock()
		return
	}
	e.state = StateWaitingForHigher
	e.mu.Unlock()

	coordTimer := time.NewTimer(e.cfg.CoordWaitTimeout)
	defer coordTimer.Stop()

	select {
	case <-e.stop:
		return
	case <-e.adoptCh:
		return
	case <-coordTimer.C:
		e.mu.Lock()
		if e.state != StateWaitingForHigher {
			// An announcement was adopted while the timer raced it
			e.mu.Unlock()
			return
		}
		e.state = StateFollower
		e.mu.Unlock()

		// The higher node went quiet without announcing - start over.
		logger.Warnf("no COORDINATOR announcement within %s, restarting election", e.cfg.CoordWaitTimeout)
		e.StartElection()
	}
}

// declareSelf makes this node coordinator for term and broadcasts it.
func (e *Engine) declareSelf(term uint64) {
	e.mu.Lock()
	if term < e.term {
		// A higher term was adopted while this round ran
		e.mu.Unlock()
		return
	}
	e.term = term
	e.coordinatorID = e.cfg.NodeID
	e.state = StateCoordinator
	view := e.viewLocked()
	e.mu.Unlock()

	electionsWon.Inc()
	logger.Infof("node %d declares itself coordinator (term %d)", e.cfg.NodeID, term)

	for _, peer := range e.cfg.Peers() {
		if err := e.msgr.Send(peer.ID, common.NewCoordinator(e.cfg.NodeID, e.cfg.NodeID, term)); err != nil {
			logger.Debugf("COORDINATOR announcement to node %d failed: %v", peer.ID, err)
		}
	}
	e.notify(view)
}

func (e *Engine) notify(view View) {
	if e.onChange != nil {
		e.onChange(view)
	}
}
