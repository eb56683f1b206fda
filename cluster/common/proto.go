package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is a single inter-node message. It is what travels inside one
// wire frame: the payload is an opaque JSON document interpreted according
// to MsgType, and Checksum is the SHA-256 hex digest of the payload bytes.
type Message struct {
	SenderID int             `json:"sender_id"`
	MsgType  MessageType     `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Checksum string          `json:"checksum,omitempty"`
}

// DecodePayload unmarshals the message payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.MsgType)
	}
	return json.Unmarshal(m.Payload, v)
}

// VerifyChecksum recomputes the payload digest and compares it to the
// transmitted one. Messages that fail this check must not be dispatched.
func (m *Message) VerifyChecksum() bool {
	return PayloadChecksum(m.Payload) == m.Checksum
}

// newMessage builds a sealed message for the given payload. The payload
// structs below contain only plain fields, so marshalling cannot fail.
func newMessage(senderID int, t MessageType, payload interface{}) *Message {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return &Message{
		SenderID: senderID,
		MsgType:  t,
		Payload:  raw,
		Checksum: PayloadChecksum(raw),
	}
}

// --------------------------------------------------------------------------
// Payload Structures
// --------------------------------------------------------------------------

// HeartbeatPayload carries the sender's send time (informational only, no
// cross-node clock comparison happens on the receiver).
type HeartbeatPayload struct {
	SentAtMillis int64 `json:"sent_at_ms"`
}

// ElectionPayload announces an election round for the given term.
type ElectionPayload struct {
	Term uint64 `json:"term"`
}

// AlivePayload is the answer of a higher node to an ELECTION message.
type AlivePayload struct {
	Term uint64 `json:"term"`
}

// CoordinatorPayload announces the winner of an election.
type CoordinatorPayload struct {
	CoordinatorID int    `json:"coordinator_id"`
	Term          uint64 `json:"term"`
}

// ClientRequestPayload forwards a client statement to the coordinator.
type ClientRequestPayload struct {
	TxnID     string `json:"txn_id"`
	Statement string `json:"statement"`
}

// PreparePayload starts phase one of 2PC on a participant.
type PreparePayload struct {
	TxnID     string `json:"txn_id"`
	Statement string `json:"statement"`
}

// VotePayload is a participant's answer to PREPARE.
type VotePayload struct {
	TxnID  string `json:"txn_id"`
	Vote   string `json:"vote"` // YES or NO
	Reason string `json:"reason,omitempty"`
}

// DecisionPayload carries the commit point (COMMIT or ABORT) of a txn.
type DecisionPayload struct {
	TxnID string `json:"txn_id"`
}

// AckPayload confirms that a participant finalized a decision.
type AckPayload struct {
	TxnID  string `json:"txn_id"`
	Status string `json:"status"` // COMMITTED or ABORTED
}

// ExecuteReadPayload dispatches a read statement to one replica.
type ExecuteReadPayload struct {
	TxnID     string `json:"txn_id"`
	Statement string `json:"statement"`
}

// ReadResultPayload returns the rows of a dispatched read.
type ReadResultPayload struct {
	TxnID   string     `json:"txn_id"`
	Ok      bool       `json:"ok"`
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
	Err     string     `json:"err,omitempty"`
}

// TxnStatusPayload asks the coordinator for the outcome of a transaction.
type TxnStatusPayload struct {
	TxnID string `json:"txn_id"`
}

// TxnStatusReplyPayload answers TXN_STATUS. Outcome is COMMITTED, ABORTED
// or UNKNOWN (the coordinator never heard of the transaction).
type TxnStatusReplyPayload struct {
	TxnID   string `json:"txn_id"`
	Outcome string `json:"outcome"`
}

// Reply is the object returned to clients and carried by CLIENT_REPLY.
type Reply struct {
	Ok           bool       `json:"ok"`
	TxnID        string     `json:"txn_id,omitempty"`
	AffectedRows int64      `json:"affected_rows,omitempty"`
	Columns      []string   `json:"columns,omitempty"`
	Rows         [][]string `json:"rows,omitempty"`
	Error        string     `json:"error,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	NodeID       int        `json:"node_id"`
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewHeartbeat creates a HEARTBEAT message.
func NewHeartbeat(senderID int, sentAtMillis int64) *Message {
	return newMessage(senderID, MsgTHeartbeat, HeartbeatPayload{SentAtMillis: sentAtMillis})
}

// NewHeartbeatAck creates a HEARTBEAT_ACK message.
func NewHeartbeatAck(senderID int, sentAtMillis int64) *Message {
	return newMessage(senderID, MsgTHeartbeatAck, HeartbeatPayload{SentAtMillis: sentAtMillis})
}

// NewElection creates an ELECTION message for the given term.
func NewElection(senderID int, term uint64) *Message {
	return newMessage(senderID, MsgTElection, ElectionPayload{Term: term})
}

// NewAlive creates an ALIVE message answering an ELECTION.
func NewAlive(senderID int, term uint64) *Message {
	return newMessage(senderID, MsgTAlive, AlivePayload{Term: term})
}

// NewCoordinator creates a COORDINATOR announcement.
func NewCoordinator(senderID, coordinatorID int, term uint64) *Message {
	return newMessage(senderID, MsgTCoordinator, CoordinatorPayload{CoordinatorID: coordinatorID, Term: term})
}

// NewClientRequest creates a CLIENT_REQUEST forwarding a statement.
func NewClientRequest(senderID int, txnID, statement string) *Message {
	return newMessage(senderID, MsgTClientRequest, ClientRequestPayload{TxnID: txnID, Statement: statement})
}

// NewClientReply creates a CLIENT_REPLY carrying the final reply object.
func NewClientReply(senderID int, reply Reply) *Message {
	return newMessage(senderID, MsgTClientReply, reply)
}

// NewPrepare creates a PREPARE message (2PC phase one).
func NewPrepare(senderID int, txnID, statement string) *Message {
	return newMessage(senderID, MsgTPrepare, PreparePayload{TxnID: txnID, Statement: statement})
}

// NewVote creates a VOTE message. yes=false carries the refusal reason.
func NewVote(senderID int, txnID string, yes bool, reason string) *Message {
	v := VoteYes
	if !yes {
		v = VoteNo
	}
	return newMessage(senderID, MsgTVote, VotePayload{TxnID: txnID, Vote: v, Reason: reason})
}

// NewCommit creates a COMMIT decision message.
func NewCommit(senderID int, txnID string) *Message {
	return newMessage(senderID, MsgTCommit, DecisionPayload{TxnID: txnID})
}

// NewAbort creates an ABORT decision message.
func NewAbort(senderID int, txnID string) *Message {
	return newMessage(senderID, MsgTAbort, DecisionPayload{TxnID: txnID})
}

// NewAck creates an ACK confirming a finalized decision.
func NewAck(senderID int, txnID, status string) *Message {
	return newMessage(senderID, MsgTAck, AckPayload{TxnID: txnID, Status: status})
}

// NewExecuteRead creates an EXECUTE_READ dispatch message.
func NewExecuteRead(senderID int, txnID, statement string) *Message {
	return newMessage(senderID, MsgTExecuteRead, ExecuteReadPayload{TxnID: txnID, Statement: statement})
}

// NewReadResult creates a READ_RESULT message.
func NewReadResult(senderID int, payload ReadResultPayload) *Message {
	return newMessage(senderID, MsgTReadResult, payload)
}

// NewTxnStatus creates a TXN_STATUS outcome query.
func NewTxnStatus(senderID int, txnID string) *Message {
	return newMessage(senderID, MsgTTxnStatus, TxnStatusPayload{TxnID: txnID})
}

// NewTxnStatusReply creates a TXN_STATUS_REPLY message.
func NewTxnStatusReply(senderID int, txnID, outcome string) *Message {
	return newMessage(senderID, MsgTTxnStatusReply, TxnStatusReplyPayload{TxnID: txnID, Outcome: outcome})
}

// --------------------------------------------------------------------------
// Vote Constants
// --------------------------------------------------------------------------

const (
	VoteYes = "YES"
	VoteNo  = "NO"
)

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the kind of an inter-node message.
type MessageType uint8

const (
	MsgTUnknown MessageType = iota

	// Heartbeat and health

	MsgTHeartbeat
	MsgTHeartbeatAck

	// Election (Bully)

	MsgTElection
	MsgTAlive
	MsgTCoordinator

	// Client request forwarding

	MsgTClientRequest
	MsgTClientReply

	// Two-phase commit

	MsgTPrepare
	MsgTVote
	MsgTCommit
	MsgTAbort
	MsgTAck

	// Read dispatch

	MsgTExecuteRead
	MsgTReadResult

	// Transaction outcome recovery

	MsgTTxnStatus
	MsgTTxnStatusReply
)

var msgTypeNames = map[MessageType]string{
	MsgTHeartbeat:      "HEARTBEAT",
	MsgTHeartbeatAck:   "HEARTBEAT_ACK",
	MsgTElection:       "ELECTION",
	MsgTAlive:          "ALIVE",
	MsgTCoordinator:    "COORDINATOR",
	MsgTClientRequest:  "CLIENT_REQUEST",
	MsgTClientReply:    "CLIENT_REPLY",
	MsgTPrepare:        "PREPARE",
	MsgTVote:           "VOTE",
	MsgTCommit:         "COMMIT",
	MsgTAbort:          "ABORT",
	MsgTAck:            "ACK",
	MsgTExecuteRead:    "EXECUTE_READ",
	MsgTReadResult:     "READ_RESULT",
	MsgTTxnStatus:      "TXN_STATUS",
	MsgTTxnStatusReply: "TXN_STATUS_REPLY",
}

// String returns the wire name of a MessageType.
func (t MessageType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalJSON serializes the MessageType as its wire name so frames stay
// readable in captures.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses a MessageType from its wire name.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for mt, name := range msgTypeNames {
		if name == s {
			*t = mt
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}
