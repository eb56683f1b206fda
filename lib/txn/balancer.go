package txn

import (
	"sort"
	"sync"
	"sync/atomic"
)

// IBalancer picks the replica a read is dispatched to. Start/Finish
// bracket every dispatched session (reads and writes) so LEAST_LOADED
// sees the true in-flight count.
type IBalancer interface {
	// Pick selects a node from the UP set. ok is false when the set is
	// empty.
	Pick(up []int) (nodeID int, ok bool)
	// Start records a session beginning on a node.
	Start(nodeID int)
	// Finish records a session ending on a node.
	Finish(nodeID int)
}

// NewBalancer creates the configured strategy (round_robin or
// least_loaded).
func NewBalancer(strategy string) IBalancer {
	if strategy == "least_loaded" {
		return &leastLoaded{inflight: make(map[int]int)}
	}
	return &roundRobin{}
}

// --------------------------------------------------------------------------
// Round Robin
// --------------------------------------------------------------------------

// roundRobin walks the UP set in stable node-ID order with a global
// counter.
type roundRobin struct {
	counter atomic.Uint64
}

func (b *roundRobin) Pick(up []int) (int, bool) {
	if len(up) == 0 {
		return 0, false
	}
	sorted := append([]int(nil), up...)
	sort.Ints(sorted)
	idx := (b.counter.Add(1) - 1) % uint64(len(sorted))
	return sorted[idx], true
}

func (b *roundRobin) Start(nodeID int)  {}
func (b *roundRobin) Finish(nodeID int) {}

// --------------------------------------------------------------------------
// Least Loaded
// --------------------------------------------------------------------------

// leastLoaded picks the node with the fewest in-flight sessions at this
// instant, ties broken by lower node ID.
type leastLoaded struct {
	mu       sync.Mutex
	inflight map[int]int
}

func (b *leastLoaded) Pick(up []int) (int, bool) {
	if len(up) == 0 {
		return 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sorted := append([]int(nil), up...)
	sort.Ints(sorted)

	best, bestLoad := 0, -1
	for _, id := range sorted {
		load := b.inflight[id]
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = id, load
		}
	}
	return best, true
}

func (b *leastLoaded) Start(nodeID int) {
	b.mu.Lock()
	b.inflight[nodeID]++
	b.mu.Unlock()
}

func (b *leastLoaded) Finish(nodeID int) {
	b.mu.Lock()
	if b.inflight[nodeID] > 0 {
		b.inflight[nodeID]--
	}
	b.mu.Unlock()
}
