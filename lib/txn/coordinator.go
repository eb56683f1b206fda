package txn

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/messenger"
	"github.com/ValentinKolb/dSQL/lib/election"
	"github.com/ValentinKolb/dSQL/lib/health"
	"github.com/ValentinKolb/dSQL/lib/lockmgr"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

var logger = common.GetLogger("txn")

var (
	txnsCommitted   = metrics.NewCounter("dsql_txn_committed_total")
	txnsAborted     = metrics.NewCounter("dsql_txn_aborted_total")
	readsDispatched = metrics.NewCounter("dsql_txn_reads_dispatched_total")
	requestsForward = metrics.NewCounter("dsql_txn_requests_forwarded_total")
)

// voteResult is one collected vote, identified by (txn, sender).
type voteResult struct {
	NodeID int
	Vote   string
	Reason string
	Err    error // set for the local participant only
}

// Coordinator executes client statements: it classifies them, forwards to
// the current coordinator when that is another node, and - when this node
// is coordinator - dispatches reads via the load balancer and drives 2PC
// for writes.
type Coordinator struct {
	cfg      common.ClusterConfig
	msgr     messenger.IMessenger
	part     *Participant
	monitor  *health.Monitor
	view     func() election.View
	balancer IBalancer

	// Pending waiters keyed by txn ID; senders are correlated by
	// (txn_id, sender_id) inside the carried payloads.
	votes         *xsync.MapOf[string, chan voteResult]
	reads         *xsync.MapOf[string, chan common.ReadResultPayload]
	replies       *xsync.MapOf[string, chan common.Reply]
	statusReplies *xsync.MapOf[string, chan common.TxnStatusReplyPayload]

	// Decided transactions, kept to answer TXN_STATUS after the
	// in-memory Transaction is gone. transactions_log is the fallback.
	outcomes *xsync.MapOf[string, string]
}

// NewCoordinator wires the transaction coordinator.
func NewCoordinator(
	cfg common.ClusterConfig,
	msgr messenger.IMessenger,
	part *Participant,
	monitor *health.Monitor,
	view func() election.View,
) *Coordinator {
	return &Coordinator{
		cfg:           cfg,
		msgr:          msgr,
		part:          part,
		monitor:       monitor,
		view:          view,
		balancer:      NewBalancer(cfg.Balancer),
		votes:         xsync.NewMapOf[string, chan voteResult](),
		reads:         xsync.NewMapOf[string, chan common.ReadResultPayload](),
		replies:       xsync.NewMapOf[string, chan common.Reply](),
		statusReplies: xsync.NewMapOf[string, chan common.TxnStatusReplyPayload](),
		outcomes:      xsync.NewMapOf[string, string](),
	}
}

// --------------------------------------------------------------------------
// Client Entry Point
// --------------------------------------------------------------------------

// Execute handles one client statement on whatever node it arrived at.
func (c *Coordinator) Execute(ctx context.Context, statement string) common.Reply {
	statement = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(statement), ";"))

	kind := Classify(statement)
	if kind == KindUnknown {
		return c.errorReply("", CodeBadStatement, "unrecognized statement keyword")
	}

	txnID := NewTxnID()

	v := c.view()
	if v.CoordinatorID == 0 || v.Electing {
		return c.errorReply(txnID, CodeUnavailable, "no coordinator elected yet")
	}
	if v.CoordinatorID != c.cfg.NodeID {
		return c.forward(ctx, v.CoordinatorID, txnID, statement)
	}
	return c.executeAsCoordinator(ctx, txnID, statement, kind)
}

// executeAsCoordinator routes a statement on the coordinator itself.
func (c *Coordinator) executeAsCoordinator(ctx context.Context, txnID, statement string, kind Kind) common.Reply {
	if kind == KindRead {
		return c.dispatchRead(ctx, txnID, statement)
	}
	return c.runTwoPhase(ctx, txnID, statement, kind)
}

// --------------------------------------------------------------------------
// Non-Coordinator Path
// --------------------------------------------------------------------------

// forward ships the raw statement to the coordinator and waits for the
// CLIENT_REPLY. A coordinator that dies mid-wait yields UNAVAILABLE and
// the client retries.
func (c *Coordinator) forward(ctx context.Context, coordinatorID int, txnID, statement string) common.Reply {
	requestsForward.Inc()

	ch := make(chan common.Reply, 1)
	c.replies.Store(txnID, ch)
	defer c.replies.Delete(txnID)

	if err := c.msgr.Send(coordinatorID, common.NewClientRequest(c.cfg.NodeID, txnID, statement)); err != nil {
		return c.errorReply(txnID, CodeUnavailable, "coordinator unreachable")
	}

	deadline := time.NewTimer(c.cfg.ClientReplyTimeout)
	defer deadline.Stop()
	probe := time.NewTicker(500 * time.Millisecond)
	defer probe.Stop()

	for {
		select {
		case reply := <-ch:
			return reply
		case <-ctx.Done():
			return c.errorReply(txnID, CodeUnavailable, "request cancelled")
		case <-probe.C:
			if !c.monitor.IsUp(coordinatorID) {
				return c.errorReply(txnID, CodeUnavailable, "coordinator went down mid-request")
			}
		case <-deadline.C:
			return c.errorReply(txnID, CodeUnavailable, "timed out waiting for coordinator reply")
		}
	}
}

// --------------------------------------------------------------------------
// Read Dispatch
// --------------------------------------------------------------------------

// dispatchRead picks a target from the UP set and runs the query there.
// No 2PC and no lock manager locks; replicas serve reads with whatever
// their backend holds implicitly.
func (c *Coordinator) dispatchRead(ctx context.Context, txnID, statement string) common.Reply {
	target, ok := c.balancer.Pick(c.monitor.UpSet())
	if !ok {
		return c.errorReply(txnID, CodeUnavailable, "no nodes available for read dispatch")
	}

	c.balancer.Start(target)
	defer c.balancer.Finish(target)
	readsDispatched.Inc()

	if target == c.cfg.NodeID {
		rows, err := c.part.Read(ctx, statement)
		if err != nil {
			return c.errorReply(txnID, CodeBackendError, err.Error())
		}
		return common.Reply{
			Ok:      true,
			TxnID:   txnID,
			Columns: rows.Columns,
			Rows:    rows.Values,
			NodeID:  c.cfg.NodeID,
		}
	}

	ch := make(chan common.ReadResultPayload, 1)
	c.reads.Store(txnID, ch)
	defer c.reads.Delete(txnID)

	if err := c.msgr.Send(target, common.NewExecuteRead(c.cfg.NodeID, txnID, statement)); err != nil {
		return c.errorReply(txnID, CodeUnreachablePeer, "read target unreachable")
	}

	select {
	case result := <-ch:
		if !result.Ok {
			return c.errorReply(txnID, CodeBackendError, result.Err)
		}
		return common.Reply{
			Ok:      true,
			TxnID:   txnID,
			Columns: result.Columns,
			Rows:    result.Rows,
			NodeID:  c.cfg.NodeID,
		}
	case <-ctx.Done():
		return c.errorReply(txnID, CodeUnavailable, "request cancelled")
	case <-time.After(c.cfg.ClientReplyTimeout):
		return c.errorReply(txnID, CodeUnreachablePeer, "read target did not answer in time")
	}
}

// --------------------------------------------------------------------------
// Two-Phase Commit
// --------------------------------------------------------------------------

// runTwoPhase drives one write through PREPARE and DECIDE across the
// current UP set (self included). Any missing vote within the prepare
// budget counts as NO.
func (c *Coordinator) runTwoPhase(ctx context.Context, txnID, statement string, kind Kind) common.Reply {
	participants := c.monitor.UpSet()
	if len(participants) == 0 {
		return c.errorReply(txnID, CodeUnavailable, "no participants available")
	}

	txn := &Transaction{
		ID:           txnID,
		OriginNodeID: c.cfg.NodeID,
		Statement:    statement,
		Kind:         kind,
		Participants: participants,
		Votes:        make(map[int]string, len(participants)),
		Phase:        PhasePreparing,
		StartedAt:    time.Now(),
	}

	for _, id := range participants {
		c.balancer.Start(id)
	}
	defer func() {
		for _, id := range participants {
			c.balancer.Finish(id)
		}
	}()

	logger.Infof("starting 2PC for txn %s with %d participants", txnID, len(participants))

	voteCh := make(chan voteResult, len(participants))
	c.votes.Store(txnID, voteCh)
	defer c.votes.Delete(txnID)

	// Phase 1 - PREPARE. The local participant votes through an
	// in-process call, remote participants via PREPARE/VOTE messages.
	var localAffected int64
	go func() {
		affected, err := c.part.Prepare(ctx, txnID, statement)
		if err != nil {
			voteCh <- voteResult{NodeID: c.cfg.NodeID, Vote: common.VoteNo, Reason: err.Error(), Err: err}
			return
		}
		localAffected = affected
		voteCh <- voteResult{NodeID: c.cfg.NodeID, Vote: common.VoteYes}
	}()

	for _, id := range participants {
		if id == c.cfg.NodeID {
			continue
		}
		go func(peerID int) {
			if err := c.msgr.Send(peerID, common.NewPrepare(c.cfg.NodeID, txnID, statement)); err != nil {
				select {
				case voteCh <- voteResult{NodeID: peerID, Vote: common.VoteNo, Reason: "unreachable", Err: err}:
				default:
				}
			}
		}(id)
	}

	details, timedOut := c.collectVotes(ctx, txn, voteCh)
	txn.Phase = PhasePrepared

	allYes := !timedOut && len(details) == len(participants)
	var noVote voteResult
	for _, v := range details {
		if v.Vote != common.VoteYes {
			allYes = false
			if noVote.Vote == "" {
				noVote = v
			}
		}
	}

	// Phase 2 - DECIDE. The coordinator's decision is the commit point.
	if allYes && !timedOut {
		return c.decideCommit(ctx, txn, localAffected)
	}
	return c.decideAbort(ctx, txn, timedOut, noVote)
}

// collectVotes gathers votes until every participant answered or the
// prepare budget expires. Votes are deduplicated by sender; the second
// return value is true on timeout.
func (c *Coordinator) collectVotes(ctx context.Context, txn *Transaction, voteCh <-chan voteResult) (map[int]voteResult, bool) {
	details := make(map[int]voteResult, len(txn.Participants))
	deadline := time.NewTimer(c.cfg.PrepareTimeout)
	defer deadline.Stop()

	for len(details) < len(txn.Participants) {
		select {
		case v := <-voteCh:
			if _, seen := details[v.NodeID]; !seen {
				details[v.NodeID] = v
				txn.Votes[v.NodeID] = v.Vote
			}
		case <-ctx.Done():
			return details, true
		case <-deadline.C:
			logger.Warnf("txn %s: prepare timed out with %d/%d votes",
				txn.ID, len(details), len(txn.Participants))
			return details, true
		}
	}
	return details, false
}

// decideCommit broadcasts COMMIT and finalizes locally.
func (c *Coordinator) decideCommit(ctx context.Context, txn *Transaction, localAffected int64) common.Reply {
	txn.Phase = PhaseCommitting
	c.outcomes.Store(txn.ID, PhaseCommitted)

	affected, err := c.part.Commit(ctx, txn.ID)
	if err != nil {
		// The decision stands; the local replica recovers via the log.
		logger.Errorf("txn %s: local commit failed after decision: %v", txn.ID, err)
		affected = localAffected
	}

	for _, id := range txn.Participants {
		if id == c.cfg.NodeID {
			continue
		}
		if err := c.msgr.Send(id, common.NewCommit(c.cfg.NodeID, txn.ID)); err != nil {
			logger.Warnf("txn %s: COMMIT to node %d failed, it will recover via TXN_STATUS: %v",
				txn.ID, id, err)
		}
	}

	txn.Phase = PhaseCommitted
	txnsCommitted.Inc()
	logger.Infof("txn %s committed on %d participants", txn.ID, len(txn.Participants))

	return common.Reply{
		Ok:           true,
		TxnID:        txn.ID,
		AffectedRows: affected,
		NodeID:       c.cfg.NodeID,
	}
}

// decideAbort broadcasts ABORT to everyone that may have prepared.
func (c *Coordinator) decideAbort(ctx context.Context, txn *Transaction, timedOut bool, noVote voteResult) common.Reply {
	txn.Phase = PhaseAborting
	c.outcomes.Store(txn.ID, PhaseAborted)

	_ = c.part.Abort(ctx, txn.ID)
	for _, id := range txn.Participants {
		if id == c.cfg.NodeID {
			continue
		}
		if err := c.msgr.Send(id, common.NewAbort(c.cfg.NodeID, txn.ID)); err != nil {
			logger.Debugf("txn %s: ABORT to node %d failed: %v", txn.ID, id, err)
		}
	}

	txn.Phase = PhaseAborted
	txnsAborted.Inc()

	code := CodeAborted
	reason := noVote.Reason
	switch {
	case timedOut && noVote.Vote == "":
		code = CodeTxnTimeout
		reason = "one or more participants did not vote in time"
	case errors.Is(noVote.Err, lockmgr.ErrTimeout):
		code = CodeLockTimeout
	case errors.Is(noVote.Err, messenger.ErrUnreachable):
		code = CodeUnreachablePeer
	case noVote.NodeID == c.cfg.NodeID && noVote.Err != nil && !errors.Is(noVote.Err, ErrBadStatement):
		code = CodeBackendError
	}
	if reason == "" {
		reason = "transaction aborted"
	}

	logger.Warnf("txn %s aborted: %s (node %d)", txn.ID, reason, noVote.NodeID)
	return c.errorReply(txn.ID, code, reason)
}

// --------------------------------------------------------------------------
// Outcome Resolution
// --------------------------------------------------------------------------

// Outcome answers TXN_STATUS queries about transactions this node
// coordinated (or participated in, via the log).
func (c *Coordinator) Outcome(ctx context.Context, txnID string) string {
	if outcome, ok := c.outcomes.Load(txnID); ok {
		return outcome
	}
	if outcome, ok, err := c.part.log.Outcome(ctx, txnID); err == nil && ok {
		return outcome
	}
	return PhaseUnknown
}

// ResolveRemote asks the current coordinator for a transaction outcome.
// Used by the participant's startup recovery.
func (c *Coordinator) ResolveRemote(ctx context.Context, txnID string) (string, error) {
	v := c.view()
	if v.CoordinatorID == 0 {
		return "", ErrNoCoordinator
	}
	if v.CoordinatorID == c.cfg.NodeID {
		return c.Outcome(ctx, txnID), nil
	}

	ch := make(chan common.TxnStatusReplyPayload, 1)
	c.statusReplies.Store(txnID, ch)
	defer c.statusReplies.Delete(txnID)

	if err := c.msgr.Send(v.CoordinatorID, common.NewTxnStatus(c.cfg.NodeID, txnID)); err != nil {
		return "", err
	}

	select {
	case reply := <-ch:
		return reply.Outcome, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Second):
		return "", ErrTxnTimeout
	}
}

// --------------------------------------------------------------------------
// Inbound Message Handlers (wired by the node's dispatch switch)
// --------------------------------------------------------------------------

// HandleClientRequest serves a statement forwarded by another node.
func (c *Coordinator) HandleClientRequest(senderID int, p common.ClientRequestPayload) {
	var reply common.Reply

	v := c.view()
	kind := Classify(p.Statement)
	switch {
	case kind == KindUnknown:
		reply = c.errorReply(p.TxnID, CodeBadStatement, "unrecognized statement keyword")
	case v.CoordinatorID != c.cfg.NodeID || v.Electing:
		reply = c.errorReply(p.TxnID, CodeUnavailable, "not the coordinator")
	default:
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ClientReplyTimeout)
		reply = c.executeAsCoordinator(ctx, p.TxnID, p.Statement, kind)
		cancel()
	}

	if err := c.msgr.Send(senderID, common.NewClientReply(c.cfg.NodeID, reply)); err != nil {
		logger.Warnf("failed to send CLIENT_REPLY for txn %s to node %d: %v", p.TxnID, senderID, err)
	}
}

// HandlePrepare serves PREPARE as a participant and answers with a VOTE.
func (c *Coordinator) HandlePrepare(senderID int, p common.PreparePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PrepareTimeout)
	defer cancel()

	_, err := c.part.Prepare(ctx, p.TxnID, p.Statement)
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if sendErr := c.msgr.Send(senderID, common.NewVote(c.cfg.NodeID, p.TxnID, err == nil, reason)); sendErr != nil {
		logger.Warnf("failed to send VOTE for txn %s: %v", p.TxnID, sendErr)
	}
}

// HandleCommit finalizes a decision as a participant.
func (c *Coordinator) HandleCommit(senderID int, p common.DecisionPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.part.Commit(ctx, p.TxnID); err != nil {
		logger.Errorf("commit of txn %s failed: %v", p.TxnID, err)
		return
	}
	c.outcomes.Store(p.TxnID, PhaseCommitted)
	if err := c.msgr.Send(senderID, common.NewAck(c.cfg.NodeID, p.TxnID, PhaseCommitted)); err != nil {
		logger.Debugf("ACK for txn %s failed: %v", p.TxnID, err)
	}
}

// HandleAbort rolls back as a participant.
func (c *Coordinator) HandleAbort(senderID int, p common.DecisionPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = c.part.Abort(ctx, p.TxnID)
	c.outcomes.Store(p.TxnID, PhaseAborted)
	if err := c.msgr.Send(senderID, common.NewAck(c.cfg.NodeID, p.TxnID, PhaseAborted)); err != nil {
		logger.Debugf("ACK for txn %s failed: %v", p.TxnID, err)
	}
}

// HandleExecuteRead runs a dispatched read and returns READ_RESULT.
func (c *Coordinator) HandleExecuteRead(senderID int, p common.ExecuteReadPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ClientReplyTimeout)
	defer cancel()

	result := common.ReadResultPayload{TxnID: p.TxnID}
	rows, err := c.part.Read(ctx, p.Statement)
	if err != nil {
		result.Err = err.Error()
	} else {
		result.Ok = true
		result.Columns = rows.Columns
		result.Rows = rows.Values
	}

	if err := c.msgr.Send(senderID, common.NewReadResult(c.cfg.NodeID, result)); err != nil {
		logger.Warnf("failed to send READ_RESULT for txn %s: %v", p.TxnID, err)
	}
}

// HandleTxnStatus answers an outcome query.
func (c *Coordinator) HandleTxnStatus(senderID int, p common.TxnStatusPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome := c.Outcome(ctx, p.TxnID)
	if err := c.msgr.Send(senderID, common.NewTxnStatusReply(c.cfg.NodeID, p.TxnID, outcome)); err != nil {
		logger.Debugf("TXN_STATUS_REPLY for txn %s failed: %v", p.TxnID, err)
	}
}

// OnVote routes a VOTE to the waiting 2PC round.
func (c *Coordinator) OnVote(senderID int, p common.VotePayload) {
	if ch, ok := c.votes.Load(p.TxnID); ok {
		select {
		case ch <- voteResult{NodeID: senderID, Vote: p.Vote, Reason: p.Reason}:
		default:
		}
	}
}

// OnAck records a participant's decision confirmation.
func (c *Coordinator) OnAck(senderID int, p common.AckPayload) {
	logger.Debugf("node %d acknowledged %s for txn %s", senderID, p.Status, p.TxnID)
}

// OnReadResult routes a READ_RESULT to the waiting dispatch.
func (c *Coordinator) OnReadResult(p common.ReadResultPayload) {
	if ch, ok := c.reads.Load(p.TxnID); ok {
		select {
		case ch <- p:
		default:
		}
	}
}

// OnClientReply routes a CLIENT_REPLY to the waiting forward.
func (c *Coordinator) OnClientReply(p common.Reply) {
	if ch, ok := c.replies.Load(p.TxnID); ok {
		select {
		case ch <- p:
		default:
		}
	}
}

// OnTxnStatusReply routes a TXN_STATUS_REPLY to the waiting resolver.
func (c *Coordinator) OnTxnStatusReply(p common.TxnStatusReplyPayload) {
	if ch, ok := c.statusReplies.Load(p.TxnID); ok {
		select {
		case ch <- p:
		default:
		}
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Coordinator) errorReply(txnID, code, message string) common.Reply {
	return common.Reply{
		Ok:        false,
		TxnID:     txnID,
		Error:     message,
		ErrorCode: code,
		NodeID:    c.cfg.NodeID,
	}
}
