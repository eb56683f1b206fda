package messenger

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/serializer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

var logger = common.GetLogger("messenger")

var (
	framesSent     = metrics.NewCounter("dsql_messenger_frames_sent_total")
	framesReceived = metrics.NewCounter("dsql_messenger_frames_received_total")
	framesDropped  = metrics.NewCounter("dsql_messenger_frames_dropped_checksum_total")
	sendFailures   = metrics.NewCounter("dsql_messenger_send_failures_total")
	inboundConns   = metrics.NewCounter("dsql_messenger_inbound_connections_total")
	decodeFailures = metrics.NewCounter("dsql_messenger_decode_failures_total")
)

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// peerConn is the lazily dialled outbound connection to one peer. The
// mutex serializes dialling and frame writes so frames never interleave.
type peerConn struct {
	desc common.NodeDescriptor
	mu   sync.Mutex
	conn net.Conn
}

// tcpMessenger implements IMessenger over plain TCP stream sockets.
type tcpMessenger struct {
	cfg        common.ClusterConfig
	serializer serializer.IWireSerializer
	handler    Handler

	peers    *xsync.MapOf[int, *peerConn]
	listener net.Listener

	inboundMu sync.Mutex
	inbound   map[net.Conn]struct{}

	workerSem chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// -----------------------------------------------------------
// Messenger Factory Method
// -----------------------------------------------------------

// New creates the messenger for this node's topology. Listen must be
// called to start accepting inbound frames.
func New(cfg common.ClusterConfig, s serializer.IWireSerializer) IMessenger {
	workers := cfg.InboundWorkers
	if workers < 1 {
		workers = 1
	}

	m := &tcpMessenger{
		cfg:        cfg,
		serializer: s,
		peers:      xsync.NewMapOf[int, *peerConn](),
		inbound:    make(map[net.Conn]struct{}),
		workerSem:  make(chan struct{}, workers),
		closed:     make(chan struct{}),
	}

	for _, peer := range cfg.Peers() {
		m.peers.Store(peer.ID, &peerConn{desc: peer})
	}
	return m
}

// --------------------------------------------------------------------------
// Interface Methods (docu see messenger.IMessenger)
// --------------------------------------------------------------------------

func (m *tcpMessenger) RegisterHandler(handler Handler) {
	m.handler = handler
}

func (m *tcpMessenger) Listen() error {
	if m.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	listener, err := net.Listen("tcp", m.cfg.Self().Addr)
	if err != nil {
		return fmt.Errorf("failed to create listener on %s: %v", m.cfg.Self().Addr, err)
	}
	m.listener = listener

	logger.Infof("node %d listening on %s", m.cfg.NodeID, m.cfg.Self().Addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return nil
			default:
			}
			logger.Errorf("accept error: %v", err)
			continue
		}

		inboundConns.Inc()
		m.inboundMu.Lock()
		m.inbound[conn] = struct{}{}
		m.inboundMu.Unlock()

		m.wg.Add(1)
		go m.handleConnection(conn)
	}
}

func (m *tcpMessenger) Send(peerID int, msg *common.Message) error {
	peer, ok := m.peers.Load(peerID)
	if !ok {
		return fmt.Errorf("unknown peer %d: %w", peerID, ErrUnreachable)
	}

	body, err := m.serializer.Serialize(*msg)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %v", msg.MsgType, err)
	}

	// The peer mutex covers dial and write: per-peer FIFO over one TCP
	// connection, frames never interleaved.
	peer.mu.Lock()
	defer peer.mu.Unlock()

	if peer.conn == nil {
		conn, err := net.DialTimeout("tcp", peer.desc.Addr, m.cfg.DialTimeout)
		if err != nil {
			sendFailures.Inc()
			return fmt.Errorf("dial %s: %v: %w", peer.desc.Addr, err, ErrUnreachable)
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		peer.conn = conn
	}

	if err := writeFrame(peer.conn, body); err != nil {
		// Connection is in an unknown state after a partial write:
		// close it, it will be re-dialled on the next send.
		peer.conn.Close()
		peer.conn = nil
		sendFailures.Inc()
		return fmt.Errorf("write to peer %d: %v: %w", peerID, err, ErrUnreachable)
	}

	framesSent.Inc()
	return nil
}

func (m *tcpMessenger) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.listener != nil {
			m.listener.Close()
		}
		m.peers.Range(func(_ int, peer *peerConn) bool {
			peer.mu.Lock()
			if peer.conn != nil {
				peer.conn.Close()
				peer.conn = nil
			}
			peer.mu.Unlock()
			return true
		})
		m.inboundMu.Lock()
		for conn := range m.inbound {
			conn.Close()
		}
		m.inboundMu.Unlock()
	})

	// Wait for in-flight inbound handlers, but not forever
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warnf("timed out waiting for inbound handlers")
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection reads frames off one inbound connection until it fails
// or the messenger closes. Verified messages are dispatched on the worker
// pool.
func (m *tcpMessenger) handleConnection(conn net.Conn) {
	defer m.wg.Done()
	defer func() {
		conn.Close()
		m.inboundMu.Lock()
		delete(m.inbound, conn)
		m.inboundMu.Unlock()
	}()

	for {
		select {
		case <-m.closed:
			return
		default:
		}

		body, err := readFrame(conn)
		if err != nil {
			// EOF and reset both mean the same thing here: the peer
			// will dial again when it has something to say.
			logger.Debugf("inbound connection closed: %v", err)
			return
		}
		framesReceived.Inc()

		var msg common.Message
		if err := m.serializer.Deserialize(body, &msg); err != nil {
			decodeFailures.Inc()
			logger.Warnf("failed to decode frame: %v", err)
			return
		}

		// Integrity gate: a corrupted frame is dropped before it ever
		// reaches application logic. No acknowledgment is sent.
		if !msg.VerifyChecksum() {
			framesDropped.Inc()
			logger.Warnf("dropping %s frame from node %d: checksum mismatch", msg.MsgType, msg.SenderID)
			continue
		}

		m.workerSem <- struct{}{}
		m.wg.Add(1)
		go func(msg common.Message) {
			defer func() {
				<-m.workerSem
				m.wg.Done()
			}()
			m.handler(&msg)
		}(msg)
	}
}
