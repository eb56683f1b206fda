package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dSQL/cluster/common"
)

// Client talks the statement protocol to one middleware node: one
// statement per request, one JSON reply per line. Any node will do - a
// non-coordinator forwards writes transparently.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Dial connects to a node's client socket.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}, nil
}

// Exec sends one statement and waits for the reply.
func (c *Client) Exec(statement string) (*common.Reply, error) {
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}

	if _, err := fmt.Fprintln(c.conn, statement); err != nil {
		return nil, fmt.Errorf("failed to send statement: %v", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %v", err)
	}

	var reply common.Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("malformed reply: %v", err)
	}
	return &reply, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
