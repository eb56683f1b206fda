package txn

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dSQL/lib/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const insertUser = "INSERT INTO users(name,email) VALUES('X','x@e')"

// TestWriteCommitsOnAllReplicas replays the baseline write: a statement
// issued on the coordinator commits on every participant, each of which
// logs COMMITTED for the same txn.
func TestWriteCommitsOnAllReplicas(t *testing.T) {
	mc := newMiniCluster(3, 3)

	reply := mc.nodes[3].coord.Execute(context.Background(), insertUser)
	require.True(t, reply.Ok, "write failed: %s %s", reply.ErrorCode, reply.Error)
	require.NotEmpty(t, reply.TxnID)
	assert.Equal(t, int64(1), reply.AffectedRows)

	require.Eventually(t, func() bool {
		for _, n := range mc.nodes {
			if n.be.logCount(reply.TxnID, PhaseCommitted) != 1 || !n.be.hasApplied(insertUser) {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond, "write did not reach every replica")

	// No locks survive the decision
	for id, n := range mc.nodes {
		assert.Eventually(t, func() bool { return len(n.locks.Holders("users")) == 0 },
			time.Second, 10*time.Millisecond, "node %d still holds locks", id)
	}
}

// TestForwardedWrite sends the statement to a non-coordinator node and
// expects it to be answered through CLIENT_REQUEST/CLIENT_REPLY.
func TestForwardedWrite(t *testing.T) {
	mc := newMiniCluster(3, 3)

	reply := mc.nodes[1].coord.Execute(context.Background(), insertUser)
	require.True(t, reply.Ok, "forwarded write failed: %s %s", reply.ErrorCode, reply.Error)
	assert.Equal(t, 3, reply.NodeID, "the reply is built by the coordinator")

	require.Eventually(t, func() bool {
		return mc.nodes[1].be.hasApplied(insertUser)
	}, 3*time.Second, 20*time.Millisecond, "write never reached the origin node")
}

// TestAbortOnPrepareFailure replays the uniqueness-conflict scenario:
// one participant votes NO, the transaction aborts everywhere and no
// replica applies the row.
func TestAbortOnPrepareFailure(t *testing.T) {
	mc := newMiniCluster(3, 3)
	conflicting := "INSERT INTO users(name,email) VALUES('Y','alice@example.com')"
	mc.nodes[2].be.failContains = "alice@example.com"

	reply := mc.nodes[3].coord.Execute(context.Background(), conflicting)
	require.False(t, reply.Ok)
	assert.Equal(t, CodeAborted, reply.ErrorCode)

	require.Eventually(t, func() bool {
		for _, n := range mc.nodes {
			if n.be.logCount(reply.TxnID, PhaseAborted) == 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond, "not every node logged ABORTED")

	for id, n := range mc.nodes {
		assert.False(t, n.be.hasApplied(conflicting), "node %d applied an aborted write", id)
		assert.Empty(t, n.locks.Holders("users"), "node %d still holds locks", id)
	}
}

// TestUnreachableParticipantAborts replays the dead-socket scenario: the
// PREPARE cannot be delivered, the missing participant counts as NO and
// the survivors end up without locks.
func TestUnreachableParticipantAborts(t *testing.T) {
	mc := newMiniCluster(3, 3)
	mc.bus.Cut(3, 2) // coordinator cannot reach node 2

	reply := mc.nodes[3].coord.Execute(context.Background(), insertUser)
	require.False(t, reply.Ok)
	assert.Equal(t, CodeUnreachablePeer, reply.ErrorCode)

	for _, id := range []int{1, 3} {
		n := mc.nodes[id]
		assert.False(t, n.be.hasApplied(insertUser), "node %d applied an aborted write", id)
		assert.Eventually(t, func() bool { return len(n.locks.Holders("users")) == 0 },
			time.Second, 10*time.Millisecond, "node %d still holds locks", id)
	}
}

// TestMissingVoteTimesOut delivers the PREPARE but drops the VOTE on the
// way back: the coordinator aborts after the prepare budget and the
// silent participant finalizes via the coordinator's ABORT.
func TestMissingVoteTimesOut(t *testing.T) {
	mc := newMiniCluster(3, 3)
	mc.bus.Cut(2, 3) // node 2 prepares but its vote never arrives

	reply := mc.nodes[3].coord.Execute(context.Background(), insertUser)
	require.False(t, reply.Ok)
	assert.Equal(t, CodeTxnTimeout, reply.ErrorCode)

	// The ABORT still reaches node 2 (the 3->2 link is intact), so no
	// participant keeps locks or a pinned session.
	for id, n := range mc.nodes {
		assert.Eventually(t, func() bool { return len(n.locks.Holders("users")) == 0 },
			2*time.Second, 10*time.Millisecond, "node %d still holds locks", id)
		assert.False(t, n.be.hasApplied(insertUser), "node %d applied an aborted write", id)
	}
}

// TestReadDispatch tests that reads fan out round robin over the UP set
// and return the target replica's rows.
func TestReadDispatch(t *testing.T) {
	mc := newMiniCluster(3, 3)
	for id, n := range mc.nodes {
		n.be.selectRows = &backend.Rows{
			Columns: []string{"served_by"},
			Values:  [][]string{{map[int]string{1: "one", 2: "two", 3: "three"}[id]}},
		}
	}

	served := make(map[string]int)
	for i := 0; i < 9; i++ {
		reply := mc.nodes[3].coord.Execute(context.Background(), "SELECT served_by FROM users")
		require.True(t, reply.Ok, "read failed: %s %s", reply.ErrorCode, reply.Error)
		require.Len(t, reply.Rows, 1)
		served[reply.Rows[0][0]]++
	}

	assert.Equal(t, 3, served["one"])
	assert.Equal(t, 3, served["two"])
	assert.Equal(t, 3, served["three"])
}

// TestBadStatement tests the immediate rejection path.
func TestBadStatement(t *testing.T) {
	mc := newMiniCluster(3, 3)

	reply := mc.nodes[3].coord.Execute(context.Background(), "FLUSH PRIVILEGES")
	require.False(t, reply.Ok)
	assert.Equal(t, CodeBadStatement, reply.ErrorCode)
	assert.Empty(t, reply.TxnID, "no transaction is created for a bad statement")
}

// TestUnavailableDuringElection tests that writes are rejected while an
// election settles.
func TestUnavailableDuringElection(t *testing.T) {
	mc := newMiniCluster(3, 3)
	mc.setElecting(true)

	reply := mc.nodes[3].coord.Execute(context.Background(), insertUser)
	require.False(t, reply.Ok)
	assert.Equal(t, CodeUnavailable, reply.ErrorCode)
}

// TestTxnStatusResolution tests the outcome query a reconnecting
// participant issues: the coordinator answers from its decision cache.
func TestTxnStatusResolution(t *testing.T) {
	mc := newMiniCluster(3, 3)

	reply := mc.nodes[3].coord.Execute(context.Background(), insertUser)
	require.True(t, reply.Ok)

	outcome, err := mc.nodes[1].coord.ResolveRemote(context.Background(), reply.TxnID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, outcome)

	outcome, err = mc.nodes[1].coord.ResolveRemote(context.Background(), "TXN-0-deadbeef")
	require.NoError(t, err)
	assert.Equal(t, PhaseUnknown, outcome)
}
