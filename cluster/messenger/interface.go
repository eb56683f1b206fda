package messenger

import (
	"errors"

	"github.com/ValentinKolb/dSQL/cluster/common"
)

// ErrUnreachable is returned by Send when a peer cannot be dialled or the
// frame cannot be written. The messenger never retries; retry policy is
// owned by callers (heartbeats retry implicitly on the next tick, 2PC
// counts an unreachable participant as a NO vote).
var ErrUnreachable = errors.New("peer unreachable")

// Handler is called for every verified inbound message. Handlers run on a
// bounded worker pool, so a slow handler does not stall the listener.
type Handler func(msg *common.Message)

// IMessenger is the inter-node messaging fabric: one accepting listener
// plus lazily dialled per-peer outbound connections.
type IMessenger interface {
	// RegisterHandler registers the inbound delivery callback. Must be
	// called before Listen.
	RegisterHandler(handler Handler)

	// Listen starts the accepting listener. It blocks until Close is
	// called or the listener fails.
	Listen() error

	// Send delivers one message to a peer. Frames to the same peer are
	// serialized and therefore never interleave on the wire. Returns
	// ErrUnreachable (wrapped) on dial or write failure.
	Send(peerID int, msg *common.Message) error

	// Close shuts the listener and all peer connections down.
	Close() error
}
