// Package messengertest provides an in-memory messenger for tests: a bus
// that routes messages between per-node endpoints without sockets, with
// links that can be cut to simulate partitions and dead peers.
package messengertest

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/messenger"
)

// Bus routes messages between endpoints. Delivery is asynchronous (one
// goroutine per message) like the real fabric's worker pool.
type Bus struct {
	mu       sync.Mutex
	handlers map[int]messenger.Handler
	cut      map[[2]int]bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]messenger.Handler),
		cut:      make(map[[2]int]bool),
	}
}

// Cut drops the link from one node to another (one direction).
func (b *Bus) Cut(from, to int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cut[[2]int{from, to}] = true
}

// CutAll isolates a node in both directions.
func (b *Bus) CutAll(node int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.handlers {
		b.cut[[2]int{node, id}] = true
		b.cut[[2]int{id, node}] = true
	}
}

// Restore re-establishes the link from one node to another.
func (b *Bus) Restore(from, to int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cut, [2]int{from, to})
}

// Endpoint returns the messenger of one node.
func (b *Bus) Endpoint(nodeID int) messenger.IMessenger {
	return &endpoint{bus: b, nodeID: nodeID}
}

type endpoint struct {
	bus    *Bus
	nodeID int
}

func (e *endpoint) RegisterHandler(handler messenger.Handler) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	e.bus.handlers[e.nodeID] = handler
}

func (e *endpoint) Listen() error { return nil }

func (e *endpoint) Send(peerID int, msg *common.Message) error {
	e.bus.mu.Lock()
	handler, ok := e.bus.handlers[peerID]
	isCut := e.bus.cut[[2]int{e.nodeID, peerID}]
	e.bus.mu.Unlock()

	if !ok || isCut {
		return fmt.Errorf("node %d: %w", peerID, messenger.ErrUnreachable)
	}

	// Receivers verify integrity exactly like the real fabric.
	if !msg.VerifyChecksum() {
		return nil // silently dropped on the "wire"
	}

	go handler(msg)
	return nil
}

func (e *endpoint) Close() error { return nil }
