package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Topology
// --------------------------------------------------------------------------

// NodeDescriptor describes one middleware node of the static topology.
// Node IDs are small positive integers, unique and totally ordered within
// the cluster; they double as the Bully election priority.
type NodeDescriptor struct {
	// ID is the unique node identifier
	ID int
	// Addr is the host:port of the inter-node messenger listener
	Addr string
	// ClientAddr is the host:port of the client statement socket
	ClientAddr string
	// DSN is the connection string of the co-located database backend
	DSN string
}

// --------------------------------------------------------------------------
// Cluster configuration struct
// --------------------------------------------------------------------------

// ClusterConfig holds all configuration parameters of one node: the static
// topology plus the protocol tunables. The node set is fixed at startup.
type ClusterConfig struct {
	// NodeID identifies this node within Nodes
	NodeID int
	// Nodes is the full static topology, keyed by node ID (self included)
	Nodes map[int]NodeDescriptor

	// Heartbeat / health tunables
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Election tunables
	ElectionTimeout  time.Duration // T_elect: wait for ALIVE
	CoordWaitTimeout time.Duration // T_coord: wait for COORDINATOR

	// Transaction tunables
	LockTimeout        time.Duration
	PrepareTimeout     time.Duration
	TxnPhaseTimeout    time.Duration // participant self-abort after prepare
	ClientReplyTimeout time.Duration

	// Messenger tunables
	DialTimeout    time.Duration
	InboundWorkers int

	// Backend tunables
	PoolSize           int
	PoolAcquireTimeout time.Duration

	// Read dispatch strategy: round_robin or least_loaded
	Balancer string

	// Logging configuration
	LogLevel string
}

// DefaultConfig returns a config with all tunables at their defaults.
// Topology (NodeID, Nodes) must still be filled in.
func DefaultConfig() ClusterConfig {
	return ClusterConfig{
		HeartbeatInterval:  5 * time.Second,
		HeartbeatTimeout:   15 * time.Second,
		ElectionTimeout:    5 * time.Second,
		CoordWaitTimeout:   10 * time.Second,
		LockTimeout:        30 * time.Second,
		PrepareTimeout:     30 * time.Second,
		TxnPhaseTimeout:    60 * time.Second,
		ClientReplyTimeout: 30 * time.Second,
		DialTimeout:        3 * time.Second,
		InboundWorkers:     32,
		PoolSize:           5,
		PoolAcquireTimeout: 10 * time.Second,
		Balancer:           "round_robin",
		LogLevel:           "info",
	}
}

// Self returns this node's descriptor.
func (c *ClusterConfig) Self() NodeDescriptor {
	return c.Nodes[c.NodeID]
}

// Peers returns all other nodes sorted by ascending ID.
func (c *ClusterConfig) Peers() []NodeDescriptor {
	peers := make([]NodeDescriptor, 0, len(c.Nodes)-1)
	for id, n := range c.Nodes {
		if id != c.NodeID {
			peers = append(peers, n)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// NodeIDs returns all node IDs (self included) in ascending order.
func (c *ClusterConfig) NodeIDs() []int {
	ids := make([]int, 0, len(c.Nodes))
	for id := range c.Nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Validate checks the topology for the invariants the protocols rely on.
func (c *ClusterConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("no nodes configured")
	}
	if _, ok := c.Nodes[c.NodeID]; !ok {
		return fmt.Errorf("node ID %d not present in cluster members", c.NodeID)
	}
	for id, n := range c.Nodes {
		if id <= 0 {
			return fmt.Errorf("node IDs must be positive, got %d", id)
		}
		if n.ID != id {
			return fmt.Errorf("node %d: descriptor carries mismatching ID %d", id, n.ID)
		}
		if n.Addr == "" {
			return fmt.Errorf("node %d: missing messenger address", id)
		}
	}
	switch c.Balancer {
	case "round_robin", "least_loaded":
	default:
		return fmt.Errorf("invalid balancer %q (expected round_robin or least_loaded)", c.Balancer)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ClusterConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node identity
	addSection("Node Identity")
	addField("Node ID", strconv.Itoa(c.NodeID))
	addField("Messenger Address", c.Self().Addr)
	addField("Client Address", c.Self().ClientAddr)

	// Cluster members
	addSection("Cluster Members")
	for _, id := range c.NodeIDs() {
		addField(fmt.Sprintf("Node %d", id), c.Nodes[id].Addr)
	}

	// Health
	addSection("Heartbeat")
	addField("Interval", c.HeartbeatInterval.String())
	addField("Timeout", c.HeartbeatTimeout.String())

	// Election
	addSection("Election")
	addField("Election Timeout", c.ElectionTimeout.String())
	addField("Coordinator Wait", c.CoordWaitTimeout.String())

	// Transactions
	addSection("Transactions")
	addField("Lock Timeout", c.LockTimeout.String())
	addField("Prepare Timeout", c.PrepareTimeout.String())
	addField("Phase Timeout", c.TxnPhaseTimeout.String())
	addField("Client Reply Timeout", c.ClientReplyTimeout.String())
	addField("Read Balancer", c.Balancer)

	// Backend
	addSection("Backend")
	addField("Pool Size", strconv.Itoa(c.PoolSize))
	addField("Pool Acquire Timeout", c.PoolAcquireTimeout.String())

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
