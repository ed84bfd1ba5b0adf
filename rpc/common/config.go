package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the server util)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to the Dragonboat Config of the monitor shard
func (c *ServerConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.MonitorShardID,
		ElectionRTT:        electionRTTFactor,  // = c.RTTMillisecond * 10
		HeartbeatRTT:       heartbeatRTTFactor, // = c.RTTMillisecond * 1
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Transport configuration (shared by server and client)
// --------------------------------------------------------------------------

// TransportConfig holds the settings of the network layer. The server uses Endpoint,
// the client Endpoints.
type TransportConfig struct {
	// Endpoint is the address the server listens on (host:port, socket path or http base url)
	Endpoint string
	// Endpoints are the addresses the client connects to
	Endpoints []string

	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int

	// Server side
	BufferSize     int
	WorkersPerConn int

	// Socket options (tcp only)
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int
}

// Timeout returns TimeoutSecond as a duration
func (c TransportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// DefaultTransportConfig returns a transport configuration with sane defaults
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		TimeoutSecond:          5,
		RetryCount:             3,
		ConnectionsPerEndpoint: 1,
		WorkersPerConn:         64,
		TCPNoDelay:             true,
		TCPKeepAliveSec:        30,
		TCPLingerSec:           -1,
	}
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// MonitorMode selects where the monitor of a server lives
type MonitorMode string

const (
	MonitorModeLocal  MonitorMode = "local"  // in-process monitor, the server hosts it for the ring
	MonitorModeRaft   MonitorMode = "raft"   // replicated monitor, one replica per server
	MonitorModeRemote MonitorMode = "remote" // monitor hosted by another server
)

// NodeConfig describes one node hosted by a server
type NodeConfig struct {
	ID           uint64
	FirstProfile int
	ProfileCount int
}

// BalancerConfig holds the load balancer parameters of all nodes of a server
type BalancerConfig struct {
	Disabled            bool
	LoadMetric          string
	Slack               float64
	LoadHigh            float64
	LoadLow             float64
	HoldMillisecond     int
	RetryMillisecond    int
	TokenTimeoutSecond  int
	MigrationTimeoutSec int
	ForwardAttempts     int
}

// ServerConfig holds all configuration parameters of an rKV server process.
type ServerConfig struct {
	// Network layer
	Transport TransportConfig

	// Nodes hosted by this server
	Nodes []NodeConfig
	// Peers maps the remote node ids of the ring to the endpoint of their server
	Peers map[uint64]string

	// Monitor placement
	Monitor         MonitorMode
	MonitorEndpoint string // used for MonitorModeRemote
	// MigrationLeaseSec bounds how long a migration may stay in flight (MonitorModeLocal, 0 = forever)
	MigrationLeaseSec int

	// Dragonboat parameters (MonitorModeRaft)
	MonitorShardID     uint64
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// Storage
	Engine      string // "memdb" or "pebble"
	DataDir     string
	Numbers     int
	Strings     int
	SeedRecords int
	// Snapshot writes a snapshot of every node into DataDir on shutdown and restores it on start
	Snapshot bool

	Balancer BalancerConfig

	// Logging configuration
	LogLevel string
}

// Ring returns the sorted ids of every node of the ring (local and remote)
func (c *ServerConfig) Ring() []uint64 {
	ids := make([]uint64, 0, len(c.Nodes)+len(c.Peers))
	for _, n := range c.Nodes {
		ids = append(ids, n.ID)
	}
	for id := range c.Peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.Transport.TimeoutSecond))
	addField("Workers Per Conn", strconv.Itoa(c.Transport.WorkersPerConn))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Nodes
	addSection("Nodes")
	for _, n := range c.Nodes {
		addField(strconv.FormatUint(n.ID, 10), fmt.Sprintf("profiles [%d, %d)", n.FirstProfile, n.FirstProfile+n.ProfileCount))
	}
	peers := make([]uint64, 0, len(c.Peers))
	for id := range c.Peers {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, id := range peers {
		addField(strconv.FormatUint(id, 10), "remote "+c.Peers[id])
	}

	// Storage
	addSection("Storage")
	addField("Engine", c.Engine)
	addField("Data Directory", c.DataDir)
	addField("Attributes", fmt.Sprintf("%d numbers, %d strings", c.Numbers, c.Strings))
	addField("Seed Records", strconv.Itoa(c.SeedRecords))
	addField("Snapshot", strconv.FormatBool(c.Snapshot))

	// Balancer
	addSection("Load Balancer")
	if c.Balancer.Disabled {
		addField("Enabled", "false")
	} else {
		addField("Load Metric", c.Balancer.LoadMetric)
		addField("Slack", strconv.FormatFloat(c.Balancer.Slack, 'f', -1, 64))
		if c.Balancer.LoadHigh > 0 || c.Balancer.LoadLow > 0 {
			addField("Load High / Low", fmt.Sprintf("%g / %g", c.Balancer.LoadHigh, c.Balancer.LoadLow))
		}
		addField("Hold", fmt.Sprintf("%d ms", c.Balancer.HoldMillisecond))
		addField("Retry", fmt.Sprintf("%d ms", c.Balancer.RetryMillisecond))
		addField("Token Timeout", fmt.Sprintf("%d sec", c.Balancer.TokenTimeoutSecond))
		addField("Migration Timeout", fmt.Sprintf("%d sec", c.Balancer.MigrationTimeoutSec))
	}

	// Monitor
	addSection("Monitor")
	addField("Mode", string(c.Monitor))
	switch c.Monitor {
	case MonitorModeLocal, "":
		addField("Migration Lease", fmt.Sprintf("%d sec", c.MigrationLeaseSec))
	case MonitorModeRemote:
		addField("Endpoint", c.MonitorEndpoint)
	case MonitorModeRaft:
		addField("Shard ID", strconv.FormatUint(c.MonitorShardID, 10))
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Replica ID", strconv.FormatUint(c.ReplicaID, 10))
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Replica %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Transport TransportConfig
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.Transport.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.Transport.ConnectionsPerEndpoint)))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
