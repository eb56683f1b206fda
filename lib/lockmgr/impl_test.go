package lockmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestManager(timeout time.Duration) ILockManager {
	return NewLockManager(timeout)
}

// TestSharedSharedCompatible tests that two shared locks coexist.
func TestSharedSharedCompatible(t *testing.T) {
	m := newTestManager(time.Second)
	ctx := context.Background()

	if err := m.Acquire(ctx, "txn-a", "users", ModeShared); err != nil {
		t.Fatalf("first shared lock failed: %v", err)
	}
	if err := m.Acquire(ctx, "txn-b", "users", ModeShared); err != nil {
		t.Fatalf("second shared lock failed: %v", err)
	}

	holders := m.Holders("users")
	if len(holders) != 2 {
		t.Errorf("expected 2 holders, got %v", holders)
	}
}

// TestExclusiveConflicts tests the rest of the compatibility matrix.
func TestExclusiveConflicts(t *testing.T) {
	cases := []struct {
		name   string
		first  Mode
		second Mode
	}{
		{"exclusive blocks shared", ModeExclusive, ModeShared},
		{"exclusive blocks exclusive", ModeExclusive, ModeExclusive},
		{"shared blocks exclusive", ModeShared, ModeExclusive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(100 * time.Millisecond)
			ctx := context.Background()

			if err := m.Acquire(ctx, "txn-a", "users", tc.first); err != nil {
				t.Fatalf("first lock failed: %v", err)
			}
			if err := m.Acquire(ctx, "txn-b", "users", tc.second); !errors.Is(err, ErrTimeout) {
				t.Fatalf("expected ErrTimeout, got %v", err)
			}
		})
	}
}

// TestReentrant tests that a holder may re-acquire.
func TestReentrant(t *testing.T) {
	m := newTestManager(time.Second)
	ctx := context.Background()

	if err := m.Acquire(ctx, "txn-a", "users", ModeExclusive); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := m.Acquire(ctx, "txn-a", "users", ModeExclusive); err != nil {
		t.Fatalf("re-acquisition failed: %v", err)
	}
	if err := m.Acquire(ctx, "txn-a", "users", ModeShared); err != nil {
		t.Fatalf("weaker re-acquisition failed: %v", err)
	}
}

// TestReleaseAllGrantsWaiter tests the handover on release.
func TestReleaseAllGrantsWaiter(t *testing.T) {
	m := newTestManager(2 * time.Second)
	ctx := context.Background()

	if err := m.Acquire(ctx, "txn-a", "users", ModeExclusive); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	granted := make(chan error, 1)
	go func() {
		granted <- m.Acquire(ctx, "txn-b", "users", ModeExclusive)
	}()

	time.Sleep(50 * time.Millisecond)
	m.ReleaseAll("txn-a")

	select {
	case err := <-granted:
		if err != nil {
			t.Fatalf("waiter was not granted: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}

	holders := m.Holders("users")
	if len(holders) != 1 || holders[0] != "txn-b" {
		t.Errorf("expected txn-b to hold the lock, got %v", holders)
	}
}

// TestFIFOOrder tests that conflicting waiters are granted strictly in
// arrival order, with no barging by later shared requests.
func TestFIFOOrder(t *testing.T) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()

	if err := m.Acquire(ctx, "txn-0", "users", ModeExclusive); err != nil {
		t.Fatalf("initial lock failed: %v", err)
	}

	var mu sync.Mutex
	var order []string

	waiters := []struct {
		txnID string
		mode  Mode
	}{
		{"txn-1", ModeExclusive},
		{"txn-2", ModeShared},
		{"txn-3", ModeExclusive},
	}

	var wg sync.WaitGroup
	for _, w := range waiters {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(ctx, w.txnID, "users", w.mode); err != nil {
				t.Errorf("%s was never granted: %v", w.txnID, err)
				return
			}
			mu.Lock()
			order = append(order, w.txnID)
			mu.Unlock()
			// Hold briefly, then hand over
			time.Sleep(20 * time.Millisecond)
			m.ReleaseAll(w.txnID)
		}()
		// Queue in a deterministic order
		time.Sleep(30 * time.Millisecond)
	}

	m.ReleaseAll("txn-0")
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "txn-1" || order[1] != "txn-2" || order[2] != "txn-3" {
		t.Errorf("waiters granted out of FIFO order: %v", order)
	}
}

// TestTimedOutWaiterRemoved tests that an expired waiter does not hold
// its queue position.
func TestTimedOutWaiterRemoved(t *testing.T) {
	m := newTestManager(100 * time.Millisecond)
	ctx := context.Background()

	if err := m.Acquire(ctx, "txn-a", "users", ModeExclusive); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := m.Acquire(ctx, "txn-b", "users", ModeExclusive); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// After txn-b expired, a release must not wake anything stale and a
	// fresh request must succeed immediately.
	m.ReleaseAll("txn-a")
	if err := m.Acquire(ctx, "txn-c", "users", ModeExclusive); err != nil {
		t.Fatalf("fresh request after timeout failed: %v", err)
	}

	holders := m.Holders("users")
	if len(holders) != 1 || holders[0] != "txn-c" {
		t.Errorf("expected only txn-c, got %v", holders)
	}
}

// TestDisjointTablesDoNotConflict tests write concurrency across tables.
func TestDisjointTablesDoNotConflict(t *testing.T) {
	m := newTestManager(time.Second)
	ctx := context.Background()

	if err := m.Acquire(ctx, "txn-a", "users", ModeExclusive); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := m.Acquire(ctx, "txn-b", "orders", ModeExclusive); err != nil {
		t.Fatalf("lock on a disjoint table blocked: %v", err)
	}
}
