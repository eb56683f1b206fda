package node

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dSQL/cluster/common"
)

// maxStatementSize bounds one client line.
const maxStatementSize = 1024 * 1024

// serveClients accepts client connections on the statement socket. The
// protocol is line based: one statement per request, one JSON reply per
// line.
func (n *Node) serveClients(ctx context.Context) {
	for {
		conn, err := n.clientLn.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
			}
			logger.Errorf("client accept error: %v", err)
			continue
		}
		go n.handleClient(ctx, conn)
	}
}

func (n *Node) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxStatementSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		select {
		case <-n.stop:
			return
		default:
		}

		statement := strings.TrimSpace(scanner.Text())
		if statement == "" {
			continue
		}

		var reply common.Reply
		if strings.EqualFold(statement, "STATUS") {
			reply = n.statusReply()
		} else {
			reply = n.coord.Execute(ctx, statement)
		}

		if err := encoder.Encode(reply); err != nil {
			logger.Debugf("client write failed: %v", err)
			return
		}
	}
}

// statusReply answers the STATUS meta-command locally, without touching
// the coordinator.
func (n *Node) statusReply() common.Reply {
	view := n.engine.View()

	rows := [][]string{
		{"node_id", strconv.Itoa(n.cfg.NodeID)},
		{"coordinator_id", strconv.Itoa(view.CoordinatorID)},
		{"term", strconv.FormatUint(view.Term, 10)},
		{"election_in_progress", strconv.FormatBool(view.Electing)},
		{"backend_healthy", strconv.FormatBool(n.be.PoolHealth(context.Background()))},
	}

	for _, peer := range n.monitor.Snapshot() {
		status := "UP"
		if !peer.Up {
			status = "DOWN"
		}
		rows = append(rows, []string{fmt.Sprintf("peer_%d", peer.NodeID), status})
	}
	for _, active := range n.part.Active() {
		rows = append(rows, []string{"active_txn", fmt.Sprintf("%s on %s", active.TxnID, active.Table)})
	}

	return common.Reply{
		Ok:      true,
		Columns: []string{"key", "value"},
		Rows:    rows,
		NodeID:  n.cfg.NodeID,
	}
}
