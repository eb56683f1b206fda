package node

import (
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
)

// dispatch is the single inbound switch over the tagged message type.
// It runs on the messenger's worker pool; handlers that block (prepares,
// dispatched reads) run to completion there without stalling the
// listener.
func (n *Node) dispatch(msg *common.Message) {
	switch msg.MsgType {

	case common.MsgTHeartbeat:
		n.monitor.Observe(msg.SenderID)
		ack := common.NewHeartbeatAck(n.cfg.NodeID, time.Now().UnixMilli())
		if err := n.msgr.Send(msg.SenderID, ack); err != nil {
			logger.Debugf("heartbeat ack to node %d failed: %v", msg.SenderID, err)
		}

	case common.MsgTHeartbeatAck:
		n.monitor.Observe(msg.SenderID)

	case common.MsgTElection:
		var p common.ElectionPayload
		if decode(msg, &p) {
			n.engine.HandleElection(msg.SenderID, p.Term)
		}

	case common.MsgTAlive:
		var p common.AlivePayload
		if decode(msg, &p) {
			n.engine.HandleAlive(p.Term)
		}

	case common.MsgTCoordinator:
		var p common.CoordinatorPayload
		if decode(msg, &p) {
			n.engine.HandleCoordinator(p.CoordinatorID, p.Term)
		}

	case common.MsgTClientRequest:
		var p common.ClientRequestPayload
		if decode(msg, &p) {
			n.coord.HandleClientRequest(msg.SenderID, p)
		}

	case common.MsgTClientReply:
		var p common.Reply
		if decode(msg, &p) {
			n.coord.OnClientReply(p)
		}

	case common.MsgTPrepare:
		var p common.PreparePayload
		if decode(msg, &p) {
			n.coord.HandlePrepare(msg.SenderID, p)
		}

	case common.MsgTVote:
		var p common.VotePayload
		if decode(msg, &p) {
			n.coord.OnVote(msg.SenderID, p)
		}

	case common.MsgTCommit:
		var p common.DecisionPayload
		if decode(msg, &p) {
			n.coord.HandleCommit(msg.SenderID, p)
		}

	case common.MsgTAbort:
		var p common.DecisionPayload
		if decode(msg, &p) {
			n.coord.HandleAbort(msg.SenderID, p)
		}

	case common.MsgTAck:
		var p common.AckPayload
		if decode(msg, &p) {
			n.coord.OnAck(msg.SenderID, p)
		}

	case common.MsgTExecuteRead:
		var p common.ExecuteReadPayload
		if decode(msg, &p) {
			n.coord.HandleExecuteRead(msg.SenderID, p)
		}

	case common.MsgTReadResult:
		var p common.ReadResultPayload
		if decode(msg, &p) {
			n.coord.OnReadResult(p)
		}

	case common.MsgTTxnStatus:
		var p common.TxnStatusPayload
		if decode(msg, &p) {
			n.coord.HandleTxnStatus(msg.SenderID, p)
		}

	case common.MsgTTxnStatusReply:
		var p common.TxnStatusReplyPayload
		if decode(msg, &p) {
			n.coord.OnTxnStatusReply(p)
		}

	default:
		logger.Warnf("dropping message of unknown type %d from node %d", msg.MsgType, msg.SenderID)
	}
}

// decode unmarshals the payload, dropping the message on failure. The
// checksum was already verified by the messenger, so failures here mean
// a version mismatch, not corruption.
func decode(msg *common.Message, v interface{}) bool {
	if err := msg.DecodePayload(v); err != nil {
		logger.Warnf("dropping %s from node %d: %v", msg.MsgType, msg.SenderID, err)
		return false
	}
	return true
}
