package client

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
)

// fakeNode answers every statement line with a canned reply, like the
// statement socket of a middleware node.
func fakeNode(t *testing.T, reply common.Reply) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				encoder := json.NewEncoder(conn)
				for scanner.Scan() {
					if err := encoder.Encode(reply); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// TestExec tests one statement round trip over the line protocol.
func TestExec(t *testing.T) {
	want := common.Reply{
		Ok:           true,
		TxnID:        "TXN-1-abc",
		AffectedRows: 1,
		NodeID:       3,
	}
	addr := fakeNode(t, want)

	c, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	got, err := c.Exec("INSERT INTO users(name) VALUES('x')")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if !got.Ok || got.TxnID != want.TxnID || got.AffectedRows != 1 || got.NodeID != 3 {
		t.Errorf("wrong reply: %+v", got)
	}

	// The connection is reusable for the next statement
	if _, err := c.Exec("SELECT 1"); err != nil {
		t.Errorf("second exec failed: %v", err)
	}
}

// TestDialFailure tests the error for a dead node.
func TestDialFailure(t *testing.T) {
	if _, err := Dial("127.0.0.1:1", 200*time.Millisecond); err == nil {
		t.Fatal("expected dial to fail")
	}
}
