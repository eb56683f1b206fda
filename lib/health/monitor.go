package health

import (
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/messenger"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

var logger = common.GetLogger("health")

var (
	heartbeatsSent  = metrics.NewCounter("dsql_health_heartbeats_sent_total")
	peerUpEvents    = metrics.NewCounter("dsql_health_peer_up_total")
	peerDownEvents  = metrics.NewCounter("dsql_health_peer_down_total")
	coordinatorLost = metrics.NewCounter("dsql_health_coordinator_lost_total")
)

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// EventType tags a health event.
type EventType uint8

const (
	// EventPeerUp fires when a peer transitions DOWN -> UP.
	EventPeerUp EventType = iota
	// EventPeerDown fires when a peer transitions UP -> DOWN.
	EventPeerDown
	// EventCoordinatorLost fires when the current coordinator goes DOWN
	// and no election is in progress. Term is the term the coordinator
	// held.
	EventCoordinatorLost
)

// Event is one health transition.
type Event struct {
	Type   EventType
	NodeID int
	Term   uint64
}

// CoordinatorProbe returns the current coordinator view. It is wired in
// by the node so the monitor has no dependency on the election engine.
type CoordinatorProbe func() (coordinatorID int, term uint64, electing bool)

// --------------------------------------------------------------------------
// Monitor
// --------------------------------------------------------------------------

// peerEntry is the liveness state of one peer. The monitor owns it;
// readers get value snapshots.
type peerEntry struct {
	mu       sync.Mutex
	up       bool
	lastSeen time.Time
}

// PeerState is a read-only snapshot of one peer.
type PeerState struct {
	NodeID   int
	Up       bool
	LastSeen time.Time
}

// Monitor sends heartbeats to every peer, tracks their last-heartbeat
// times on a monotonic local clock and publishes UP/DOWN transitions.
type Monitor struct {
	cfg   common.ClusterConfig
	msgr  messenger.IMessenger
	probe CoordinatorProbe

	peers  *xsync.MapOf[int, *peerEntry]
	events chan Event

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMonitor creates the heartbeat monitor. All peers start UP with the
// clock at now, so a freshly booted cluster does not flap DOWN before the
// first heartbeats arrive.
func NewMonitor(cfg common.ClusterConfig, msgr messenger.IMessenger) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		msgr:   msgr,
		peers:  xsync.NewMapOf[int, *peerEntry](),
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
	}
	now := time.Now()
	for _, peer := range cfg.Peers() {
		m.peers.Store(peer.ID, &peerEntry{up: true, lastSeen: now})
	}
	return m
}

// SetCoordinatorProbe wires the election engine's view accessor in.
func (m *Monitor) SetCoordinatorProbe(probe CoordinatorProbe) {
	m.probe = probe
}

// Events returns the channel UP/DOWN and coordinator-lost transitions are
// published on.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Start launches the sender and checker loops.
func (m *Monitor) Start() {
	go m.sendLoop()
	go m.checkLoop()
	logger.Infof("heartbeat monitor started (interval %s, timeout %s)",
		m.cfg.HeartbeatInterval, m.cfg.HeartbeatTimeout)
}

// Stop terminates both loops.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Observe records a heartbeat (or heartbeat ack) from a peer. A DOWN
// peer that heartbeats again is immediately marked UP.
func (m *Monitor) Observe(nodeID int) {
	entry, ok := m.peers.Load(nodeID)
	if !ok {
		return // not part of the static topology
	}

	entry.mu.Lock()
	wasDown := !entry.up
	entry.up = true
	entry.lastSeen = time.Now()
	entry.mu.Unlock()

	if wasDown {
		peerUpEvents.Inc()
		logger.Infof("node %d recovered", nodeID)
		m.publish(Event{Type: EventPeerUp, NodeID: nodeID})
	}
}

// IsUp reports whether a node is currently UP. The local node is always
// up from its own point of view.
func (m *Monitor) IsUp(nodeID int) bool {
	if nodeID == m.cfg.NodeID {
		return true
	}
	entry, ok := m.peers.Load(nodeID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.up
}

// UpSet returns the IDs of all UP nodes including self, ascending.
func (m *Monitor) UpSet() []int {
	up := []int{m.cfg.NodeID}
	m.peers.Range(func(id int, entry *peerEntry) bool {
		entry.mu.Lock()
		if entry.up {
			up = append(up, id)
		}
		entry.mu.Unlock()
		return true
	})
	sort.Ints(up)
	return up
}

// Snapshot returns the state of every peer for the status surface.
func (m *Monitor) Snapshot() []PeerState {
	states := make([]PeerState, 0)
	m.peers.Range(func(id int, entry *peerEntry) bool {
		entry.mu.Lock()
		states = append(states, PeerState{NodeID: id, Up: entry.up, LastSeen: entry.lastSeen})
		entry.mu.Unlock()
		return true
	})
	sort.Slice(states, func(i, j int) bool { return states[i].NodeID < states[j].NodeID })
	return states
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sendLoop fans a heartbeat out to every peer each interval. Send errors
// are ignored: an unreachable peer is detected by the checker via its
// silent heartbeat clock.
func (m *Monitor) sendLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			for _, peer := range m.cfg.Peers() {
				msg := common.NewHeartbeat(m.cfg.NodeID, time.Now().UnixMilli())
				if err := m.msgr.Send(peer.ID, msg); err != nil {
					logger.Debugf("heartbeat to node %d failed: %v", peer.ID, err)
					continue
				}
				heartbeatsSent.Inc()
			}
		}
	}
}

// checkLoop flips peers DOWN when their heartbeat clock exceeds the
// timeout and raises the coordinator-lost signal.
func (m *Monitor) checkLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkOnce()
		}
	}
}

func (m *Monitor) checkOnce() {
	now := time.Now()
	m.peers.Range(func(id int, entry *peerEntry) bool {
		entry.mu.Lock()
		expired := entry.up && now.Sub(entry.lastSeen) > m.cfg.HeartbeatTimeout
		if expired {
			entry.up = false
		}
		entry.mu.Unlock()

		if !expired {
			return true
		}

		peerDownEvents.Inc()
		logger.Warnf("node %d failed (no heartbeat for more than %s)", id, m.cfg.HeartbeatTimeout)
		m.publish(Event{Type: EventPeerDown, NodeID: id})

		if m.probe != nil {
			if coordID, term, electing := m.probe(); coordID == id && !electing {
				coordinatorLost.Inc()
				logger.Warnf("coordinator %d lost (term %d)", id, term)
				m.publish(Event{Type: EventCoordinatorLost, NodeID: id, Term: term})
			}
		}
		return true
	})
}

// publish never blocks the monitor loops; if the consumer lags, the
// oldest transition is the one that matters least.
func (m *Monitor) publish(e Event) {
	for {
		select {
		case m.events <- e:
			return
		default:
		}
		select {
		case old := <-m.events:
			logger.Warnf("health event channel full, dropping event %d for node %d", old.Type, old.NodeID)
		default:
		}
	}
}
