package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/ring"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start an rKV server",
		Long:    `Start an rKV server hosting one or more nodes of the ring and optionally the monitor. The configuration can be set via command line flags or environment variables. The format of the environment variables is RKV_<flag> (e.g. RKV_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "nodes"
	ServeCmd.PersistentFlags().String(key, "1=0:5", cmdUtil.WrapString("Comma-separated list of nodes to host. Format: ID=FIRST:COUNT, the node seeds the profiles FIRST..FIRST+COUNT-1 (e.g. 1=0:5,2=5:5)"))

	key = "peers"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of the nodes hosted by other servers. Format: ID=ENDPOINT (e.g. 3=10.0.0.2:8080,4=10.0.0.2:8080)"))

	key = "monitor"
	ServeCmd.PersistentFlags().String(key, string(common.MonitorModeLocal), cmdUtil.WrapString("Where the monitor lives: local (hosted by this server), raft (replicated over the cluster members) or remote (hosted by another server)"))

	key = "migration-lease"
	ServeCmd.PersistentFlags().Int(key, 300, cmdUtil.WrapString("(local monitor) Seconds a migration may stay in flight before another node can take the profile over (0 disables). Keep it above the time a node needs to give up on a transfer"))

	key = "monitor-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(remote monitor) Endpoint of the server hosting the monitor"))

	key = "monitor-shard"
	ServeCmd.PersistentFlags().Uint64(key, 1, cmdUtil.WrapString("(raft monitor) Shard ID of the monitor"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("(raft monitor) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value*10, HeartbeatRTT=value*1) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("(raft monitor) SnapshotEntries defines how often the state machine should be snapshotted automatically. It is defined in terms of the number of applied Raft log entries. SnapshotEntries can be set to 0 to disable such automatic snapshotting (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("(raft monitor) CompactionOverhead defines the number of snapshots that should be retained in the system. Recommended value is about 1/2 of SnapshotEntries"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft monitor) ReplicaID is the unique identifier for this NodeHost instance (e.g. 'node-1')"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft monitor) ClusterMembers is a comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory used for pebble databases, node snapshots and raft data"))

	key = "engine"
	ServeCmd.PersistentFlags().String(key, server.EngineMemDB, cmdUtil.WrapString("Storage engine of the nodes (memdb, pebble)"))

	key = "numbers"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Number of numeric attributes per record"))

	key = "strings"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Number of string attributes per record"))

	key = "seed-records"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Records written per seeded profile"))

	key = "snapshot"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Write a snapshot of every node into the data dir on shutdown and restore it on start"))

	key = "balancer-disabled"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Disable the load balancer of the hosted nodes"))

	key = "load-metric"
	ServeCmd.PersistentFlags().String(key, ring.MetricProfiles, cmdUtil.WrapString("Load metric of the balancer (profiles, rate)"))

	key = "slack"
	ServeCmd.PersistentFlags().Float64(key, 1, cmdUtil.WrapString("A node is over- or underloaded when its load differs from the ring mean by more than slack"))

	key = "load-high"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Absolute load above which a node is overloaded (0 uses the ring mean)"))

	key = "load-low"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Absolute load below which a node is underloaded (0 uses the ring mean)"))

	key = "hold-ms"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Time a node holds the token before forwarding it"))

	key = "retry-ms"
	ServeCmd.PersistentFlags().Int(key, 2000, cmdUtil.WrapString("Pause before a new token is emitted after a circuit without taker"))

	key = "token-timeout"
	ServeCmd.PersistentFlags().Int(key, 30, cmdUtil.WrapString("Seconds without a token after which a node emits a new one (0 disables)"))

	key = "migration-timeout"
	ServeCmd.PersistentFlags().Int(key, 30, cmdUtil.WrapString("Timeout in seconds of one migration"))

	key = "forward-attempts"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Attempts to deliver the token to the right neighbor before it is dropped"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Timeout in seconds of a request"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080, /tmp/rkv.sock, ...)"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Concurrent requests per connection"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warning, error)"))

	// transport flags for the connections to peers and a remote monitor
	cmdUtil.SetupTransportFlags(ServeCmd)
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	var err error
	c := serveCmdConfig

	// parse nodes and peers
	if c.Nodes, err = cmdUtil.ParseNodes(viper.GetString("nodes")); err != nil {
		return fmt.Errorf("invalid nodes: %w", err)
	}
	if c.Peers, err = cmdUtil.ParseIDMap(viper.GetString("peers")); err != nil {
		return fmt.Errorf("invalid peers: %w", err)
	}
	for _, n := range c.Nodes {
		if _, ok := c.Peers[n.ID]; ok {
			return fmt.Errorf("node %d is listed as local node and as peer", n.ID)
		}
	}

	// read the configuration from the command line flags and environment variables
	c.Transport = cmdUtil.GetTransportConfig()
	c.Transport.Endpoint = viper.GetString("endpoint")
	c.Transport.WorkersPerConn = viper.GetInt("workers-per-conn")

	c.Monitor = common.MonitorMode(viper.GetString("monitor"))
	c.MonitorEndpoint = viper.GetString("monitor-endpoint")
	c.MigrationLeaseSec = viper.GetInt("migration-lease")
	c.MonitorShardID = viper.GetUint64("monitor-shard")
	c.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	c.SnapshotEntries = viper.GetUint64("snapshot-entries")
	c.CompactionOverhead = viper.GetUint64("compaction-overhead")

	c.DataDir = viper.GetString("data-dir")
	c.Engine = viper.GetString("engine")
	c.Numbers = viper.GetInt("numbers")
	c.Strings = viper.GetInt("strings")
	c.SeedRecords = viper.GetInt("seed-records")
	c.Snapshot = viper.GetBool("snapshot")

	c.Balancer = common.BalancerConfig{
		Disabled:            viper.GetBool("balancer-disabled"),
		LoadMetric:          viper.GetString("load-metric"),
		Slack:               viper.GetFloat64("slack"),
		LoadHigh:            viper.GetFloat64("load-high"),
		LoadLow:             viper.GetFloat64("load-low"),
		HoldMillisecond:     viper.GetInt("hold-ms"),
		RetryMillisecond:    viper.GetInt("retry-ms"),
		TokenTimeoutSecond:  viper.GetInt("token-timeout"),
		MigrationTimeoutSec: viper.GetInt("migration-timeout"),
		ForwardAttempts:     viper.GetInt("forward-attempts"),
	}
	c.LogLevel = viper.GetString("log-level")

	switch c.Monitor {
	case common.MonitorModeLocal:
	case common.MonitorModeRemote:
		if c.MonitorEndpoint == "" {
			return fmt.Errorf("a remote monitor needs --monitor-endpoint")
		}
	case common.MonitorModeRaft:
		return processRaftConfig(c)
	default:
		return fmt.Errorf("invalid monitor mode: %s (expected local, raft or remote)", c.Monitor)
	}
	return nil
}

// processRaftConfig parses the replica id and the cluster members of a replicated monitor
func processRaftConfig(c *common.ServerConfig) error {
	// parse replica id
	id := viper.GetString("replica-id")
	if id == "" {
		return fmt.Errorf("ReplicaId is required for a raft monitor")
	}
	c.ReplicaID = cmdUtil.ReplicaID(id)

	// parse cluster members
	members := cmdUtil.SplitList(viper.GetString("cluster-members"))
	if len(members) == 0 {
		return fmt.Errorf("ClusterMembers is required for a raft monitor")
	}
	c.ClusterMembers = make(map[uint64]string)
	for _, member := range members {
		name, addr, ok := strings.Cut(member, "=")
		if !ok || name == "" || addr == "" {
			return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		c.ClusterMembers[cmdUtil.ReplicaID(name)] = addr
	}

	// test if the replica id is in the cluster members
	if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
		return fmt.Errorf("no address found for replica ID %s in cluster members", id)
	}
	return nil
}

// run starts the rKV server and closes it on SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	// Init logger
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	// parse the serializer
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	// Parse the transport
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}
	dial, err := cmdUtil.GetTransportFactory()
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(*serveCmdConfig, t, s, dial)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := serv.Close(); err != nil {
			server.Logger.Errorf("failed to close server: %v", err)
		}
	}()

	err = serv.Serve(ctx)

	// Serve also returns when the listener fails, the nodes are shut down in both cases
	stop()
	_ = serv.Close()
	return err
}
