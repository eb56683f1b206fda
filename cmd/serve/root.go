package serve

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dSQL/cmd/util"
	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/ValentinKolb/dSQL/cluster/node"
	"github.com/ValentinKolb/dSQL/lib/backend"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dSQL middleware node",
		Long:    `Start a dSQL middleware node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSQL_<flag> (e.g. DSQL_NODE_ID=1)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "node-id"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Unique ID of this node. Node IDs are totally ordered and double as the election priority (highest live ID wins)"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of all cluster nodes in the format '1=host:7001,2=host:7002,...' (self included). The node set is fixed at startup"))

	key = "client-addr"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:5432", cmdUtil.WrapString("The address on which the client statement socket will listen"))

	key = "backend-dsn"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("DSN of the co-located MySQL backend, e.g. 'user:pass@tcp(localhost:3306)/ddb'"))

	key = "pool-size"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Size of the backend connection pool. Pinned prepare sessions count against it"))

	key = "balancer"
	ServeCmd.PersistentFlags().String(key, "round_robin", cmdUtil.WrapString("Read dispatch strategy: round_robin or least_loaded"))

	key = "heartbeat-interval"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Seconds between heartbeats to every peer"))

	key = "heartbeat-timeout"
	ServeCmd.PersistentFlags().Int(key, 15, cmdUtil.WrapString("Seconds without a heartbeat before a peer is marked DOWN"))

	key = "lock-timeout"
	ServeCmd.PersistentFlags().Int(key, 30, cmdUtil.WrapString("Seconds a transaction may wait for a table lock"))

	key = "prepare-timeout"
	ServeCmd.PersistentFlags().Int(key, 30, cmdUtil.WrapString("Seconds the coordinator waits for 2PC votes; a missing vote counts as NO"))

	key = "election-timeout"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Seconds to wait for ALIVE answers before declaring self coordinator"))

	key = "txn-phase-timeout"
	ServeCmd.PersistentFlags().Int(key, 60, cmdUtil.WrapString("Seconds a prepared participant holds its locks before aborting unilaterally"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the cluster configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.NodeID = viper.GetInt("node-id")
	if serveCmdConfig.NodeID <= 0 {
		return fmt.Errorf("node-id is required and must be positive")
	}

	// parse cluster members
	members := viper.GetString("cluster-members")
	if members == "" {
		return fmt.Errorf("cluster-members is required")
	}
	serveCmdConfig.Nodes = make(map[int]common.NodeDescriptor)
	for _, member := range strings.Split(members, ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return fmt.Errorf("invalid node ID %s: %v", parts[0], err)
		}
		serveCmdConfig.Nodes[id] = common.NodeDescriptor{
			ID:   id,
			Addr: strings.TrimSpace(parts[1]),
		}
	}

	// self carries the client socket and the backend DSN
	self, ok := serveCmdConfig.Nodes[serveCmdConfig.NodeID]
	if !ok {
		return fmt.Errorf("no address found for node ID %d in cluster members", serveCmdConfig.NodeID)
	}
	self.ClientAddr = viper.GetString("client-addr")
	self.DSN = viper.GetString("backend-dsn")
	if self.DSN == "" {
		return fmt.Errorf("backend-dsn is required")
	}
	serveCmdConfig.Nodes[serveCmdConfig.NodeID] = self

	// tunables
	seconds := func(key string) time.Duration { return time.Duration(viper.GetInt(key)) * time.Second }
	serveCmdConfig.HeartbeatInterval = seconds("heartbeat-interval")
	serveCmdConfig.HeartbeatTimeout = seconds("heartbeat-timeout")
	serveCmdConfig.LockTimeout = seconds("lock-timeout")
	serveCmdConfig.PrepareTimeout = seconds("prepare-timeout")
	serveCmdConfig.ElectionTimeout = seconds("election-timeout")
	serveCmdConfig.TxnPhaseTimeout = seconds("txn-phase-timeout")
	serveCmdConfig.CoordWaitTimeout = 2 * serveCmdConfig.ElectionTimeout
	serveCmdConfig.PoolSize = viper.GetInt("pool-size")
	serveCmdConfig.Balancer = viper.GetString("balancer")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return serveCmdConfig.Validate()
}

// run starts the middleware node
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLogging(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	be, err := backend.NewMySQLBackend(
		serveCmdConfig.Self().DSN,
		serveCmdConfig.NodeID,
		len(serveCmdConfig.Nodes),
		serveCmdConfig.PoolSize,
		serveCmdConfig.PoolAcquireTimeout,
	)
	if err != nil {
		return err
	}

	n, err := node.New(serveCmdConfig, be, s)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return n.Run(ctx)
}
