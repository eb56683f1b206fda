package messenger

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/serializer"
)

// freeAddr reserves a loopback address for a test node.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testCluster builds a two-node topology on loopback addresses.
func testCluster(t *testing.T) common.ClusterConfig {
	t.Helper()
	cfg := common.DefaultConfig()
	cfg.DialTimeout = time.Second
	cfg.Nodes = map[int]common.NodeDescriptor{
		1: {ID: 1, Addr: freeAddr(t)},
		2: {ID: 2, Addr: freeAddr(t)},
	}
	return cfg
}

// startMessenger runs Listen in the background and waits until the
// listener accepts connections.
func startMessenger(t *testing.T, m IMessenger) {
	t.Helper()
	go func() {
		if err := m.Listen(); err != nil {
			t.Errorf("listen failed: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
}

// TestSendAndReceive tests one frame travelling between two nodes.
func TestSendAndReceive(t *testing.T) {
	cfg := testCluster(t)
	s := serializer.NewJSONSerializer()

	cfg1 := cfg
	cfg1.NodeID = 1
	cfg2 := cfg
	cfg2.NodeID = 2

	m1 := New(cfg1, s)
	m2 := New(cfg2, s)
	defer m1.Close()
	defer m2.Close()

	received := make(chan *common.Message, 1)
	m1.RegisterHandler(func(msg *common.Message) {})
	m2.RegisterHandler(func(msg *common.Message) { received <- msg })

	startMessenger(t, m1)
	startMessenger(t, m2)

	sent := common.NewElection(1, 3)
	if err := m1.Send(2, sent); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.MsgType != common.MsgTElection || msg.SenderID != 1 {
			t.Errorf("wrong message delivered: %+v", msg)
		}
		var p common.ElectionPayload
		if err := msg.DecodePayload(&p); err != nil || p.Term != 3 {
			t.Errorf("payload mangled: %+v err=%v", p, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

// TestChecksumMismatchDropped tests that a corrupted frame is dropped
// before dispatch and no acknowledgment of any kind is produced.
func TestChecksumMismatchDropped(t *testing.T) {
	cfg := testCluster(t)
	s := serializer.NewJSONSerializer()

	cfg1 := cfg
	cfg1.NodeID = 1
	cfg2 := cfg
	cfg2.NodeID = 2

	m1 := New(cfg1, s)
	m2 := New(cfg2, s)
	defer m1.Close()
	defer m2.Close()

	received := make(chan *common.Message, 2)
	m1.RegisterHandler(func(msg *common.Message) {})
	m2.RegisterHandler(func(msg *common.Message) { received <- msg })

	startMessenger(t, m1)
	startMessenger(t, m2)

	// Flip one byte of the payload after sealing - the receiver must
	// recompute the digest and drop the frame. The flipped byte is the
	// 'x' inside VALUES('x') (it becomes 'y'), so the payload stays valid
	// JSON and the frame can still be encoded and sent.
	corrupted := common.NewPrepare(1, "TXN-1-abc", "INSERT INTO users(name) VALUES('x')")
	tampered := make([]byte, len(corrupted.Payload))
	copy(tampered, corrupted.Payload)
	tampered[len(tampered)-5] ^= 0x01
	corrupted.Payload = tampered

	if err := m1.Send(2, corrupted); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// A healthy frame on the same connection must still get through.
	if err := m1.Send(2, common.NewHeartbeat(1, time.Now().UnixMilli())); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.MsgType != common.MsgTHeartbeat {
			t.Fatalf("corrupted %s frame was dispatched", msg.MsgType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy frame never arrived")
	}

	select {
	case msg := <-received:
		t.Fatalf("unexpected second delivery: %s", msg.MsgType)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestUnreachablePeer tests the error contract for dead peers.
func TestUnreachablePeer(t *testing.T) {
	cfg := testCluster(t)
	cfg.NodeID = 1

	m1 := New(cfg, serializer.NewJSONSerializer())
	defer m1.Close()

	// Node 2 never started listening
	err := m1.Send(2, common.NewHeartbeat(1, time.Now().UnixMilli()))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	// Unknown peers are unreachable too
	err = m1.Send(99, common.NewHeartbeat(1, time.Now().UnixMilli()))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for unknown peer, got %v", err)
	}
}
