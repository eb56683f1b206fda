package health

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/messenger/messengertest"
)

func testConfig(nodeID int) common.ClusterConfig {
	cfg := common.DefaultConfig()
	cfg.NodeID = nodeID
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond
	cfg.Nodes = map[int]common.NodeDescriptor{
		1: {ID: 1, Addr: "node-1"},
		2: {ID: 2, Addr: "node-2"},
		3: {ID: 3, Addr: "node-3"},
	}
	return cfg
}

func newTestMonitor(nodeID int) *Monitor {
	bus := messengertest.NewBus()
	return NewMonitor(testConfig(nodeID), bus.Endpoint(nodeID))
}

// drainEvents collects whatever is queued right now.
func drainEvents(m *Monitor) []Event {
	var events []Event
	for {
		select {
		case e := <-m.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

// TestAllPeersStartUp tests the boot state: no DOWN flapping before the
// first heartbeat round.
func TestAllPeersStartUp(t *testing.T) {
	m := newTestMonitor(1)

	up := m.UpSet()
	if len(up) != 3 {
		t.Fatalf("expected 3 UP nodes at boot, got %v", up)
	}
	if !m.IsUp(1) {
		t.Error("the local node must always be UP")
	}
}

// TestSilentPeerGoesDown tests the UP -> DOWN transition after the
// heartbeat timeout.
func TestSilentPeerGoesDown(t *testing.T) {
	m := newTestMonitor(1)

	m.Observe(2) // node 3 stays silent
	time.Sleep(80 * time.Millisecond)
	m.Observe(2) // keep node 2 fresh
	m.checkOnce()

	if m.IsUp(3) {
		t.Error("silent node 3 should be DOWN")
	}
	if !m.IsUp(2) {
		t.Error("heartbeating node 2 should be UP")
	}

	var sawDown bool
	for _, e := range drainEvents(m) {
		if e.Type == EventPeerDown && e.NodeID == 3 {
			sawDown = true
		}
		if e.Type == EventPeerDown && e.NodeID == 2 {
			t.Error("node 2 must not be reported DOWN")
		}
	}
	if !sawDown {
		t.Error("no PeerDown event for node 3")
	}
}

// TestPeerRecovers tests DOWN -> UP on a fresh heartbeat.
func TestPeerRecovers(t *testing.T) {
	m := newTestMonitor(1)

	time.Sleep(80 * time.Millisecond)
	m.checkOnce()
	if m.IsUp(3) {
		t.Fatal("node 3 should be DOWN")
	}
	drainEvents(m)

	m.Observe(3)
	if !m.IsUp(3) {
		t.Error("node 3 should be UP again after a heartbeat")
	}

	var sawUp bool
	for _, e := range drainEvents(m) {
		if e.Type == EventPeerUp && e.NodeID == 3 {
			sawUp = true
		}
	}
	if !sawUp {
		t.Error("no PeerUp event for node 3")
	}
}

// TestCoordinatorLostEvent tests that losing the coordinator (and only
// the coordinator, and only outside elections) raises the signal.
func TestCoordinatorLostEvent(t *testing.T) {
	m := newTestMonitor(1)
	electing := false
	m.SetCoordinatorProbe(func() (int, uint64, bool) { return 3, 7, electing })

	time.Sleep(80 * time.Millisecond)
	m.Observe(2)
	m.checkOnce()

	var lost *Event
	for _, e := range drainEvents(m) {
		if e.Type == EventCoordinatorLost {
			e := e
			lost = &e
		}
	}
	if lost == nil {
		t.Fatal("no coordinator-lost event")
	}
	if lost.NodeID != 3 || lost.Term != 7 {
		t.Errorf("wrong event contents: %+v", lost)
	}
}

// TestNoCoordinatorLostDuringElection tests the suppression while an
// election is already in progress.
func TestNoCoordinatorLostDuringElection(t *testing.T) {
	m := newTestMonitor(1)
	m.SetCoordinatorProbe(func() (int, uint64, bool) { return 3, 7, true })

	time.Sleep(80 * time.Millisecond)
	m.checkOnce()

	for _, e := range drainEvents(m) {
		if e.Type == EventCoordinatorLost {
			t.Fatal("coordinator-lost must not fire during an election")
		}
	}
}

// TestUpSetSorted tests the stable ordering the balancer relies on.
func TestUpSetSorted(t *testing.T) {
	m := newTestMonitor(2)
	up := m.UpSet()
	for i := 1; i < len(up); i++ {
		if up[i-1] >= up[i] {
			t.Fatalf("UP set not strictly ascending: %v", up)
		}
	}
}
