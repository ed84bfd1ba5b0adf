package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/engines/memdb"
	"github.com/ValentinKolb/rKV/lib/db/engines/pebbledb"
	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/lib/monitor/dmonitor"
	"github.com/ValentinKolb/rKV/lib/monitor/lmonitor"
	"github.com/ValentinKolb/rKV/lib/node"
	"github.com/ValentinKolb/rKV/lib/ring"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/keyspace"
	"github.com/ValentinKolb/rKV/lib/store/lstore"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

const (
	EngineMemDB  = "memdb"
	EnginePebble = "pebble"

	defaultMigrationTimeout = 30 * time.Second
)

// ClientTransportFactory creates the client transports used to reach peers and a remote monitor
type ClientTransportFactory func() transport.IRPCClientTransport

// RPCServer hosts the local nodes of a ring and optionally the monitor behind one server
// transport. Requests are routed by target: transport.MonitorTarget reaches the monitor,
// every other target the node with that id.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	dial       ClientTransportFactory

	adapters *xsync.MapOf[uint64, IRPCServerAdapter]
	registry *node.Registry
	monitor  monitor.IMonitor
	nodes    []*node.Node
	nodeHost *dragonboat.NodeHost
	clients  map[string]transport.IRPCClientTransport

	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters, dial creates the client
// transports used for remote peers and a remote monitor
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//		tcp.NewTCPClientTransport,
//	)
//
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	srvTransport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	dial ClientTransportFactory,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RPCServer{
		config:     config,
		transport:  srvTransport,
		serializer: serializer,
		dial:       dial,
		adapters:   xsync.NewMapOf[uint64, IRPCServerAdapter](),
		registry:   node.NewRegistry(),
		clients:    make(map[string]transport.IRPCClientTransport),
		ctx:        ctx,
		cancel:     cancel,
		ready:      make(chan struct{}),
	}
	s.transport.RegisterHandler(s.handle)

	Logger.Infof("Created RPC Server")
	Logger.Infof("%s", config.String())
	return s
}

// --------------------------------------------------------------------------
// Request handling
// --------------------------------------------------------------------------

func (s *RPCServer) handle(target uint64, req []byte) []byte {
	var msg common.Message
	var resp *common.Message

	if err := s.serializer.Deserialize(req, &msg); err != nil {
		// Decode the request
		resp = common.NewErrorResponse(store.Errorf(store.RetCInvalidOperation, "failed to deserialize request: %v", err))
	} else if adapter, ok := s.adapters.Load(target); !ok {
		// Case target does not exist -> error
		if target == transport.MonitorTarget {
			resp = common.NewErrorResponse(store.NewError(store.RetCInvalidOperation, "this server does not host the monitor"))
		} else {
			resp = common.NewErrorResponse(store.Errorf(store.RetCInvalidOperation, "node %d is not hosted by this server", target))
		}
	} else {
		// Let the adapter handle the request
		start := time.Now()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeoutFor(msg.MsgType))
		resp = adapter.Handle(ctx, &msg)
		cancel()
		common.RequestDuration(msg.MsgType).UpdateDuration(start)
	}

	result := "ok"
	if resp.Err != "" {
		result = "error"
		Logger.Debugf("%s request for target %d failed: %s", msg.MsgType, target, resp.Err)
	}
	common.RequestCounter(msg.MsgType, result).Inc()

	// Return result
	val, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("failed to serialize %s response: %v", resp.MsgType, err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(
			store.Errorf(store.RetCInternalError, "failed to serialize response: %v", err),
		))
	}
	return val
}

// timeoutFor bounds the handling of one request, migrations get the migration timeout
func (s *RPCServer) timeoutFor(t common.MessageType) time.Duration {
	switch t {
	case common.MsgTNodeMigrate, common.MsgTNodeTransfuse:
		return s.migrationTimeout()
	}
	if timeout := s.config.Transport.Timeout(); timeout > 0 {
		return timeout
	}
	return common.DefaultTransportConfig().Timeout()
}

func (s *RPCServer) migrationTimeout() time.Duration {
	if s.config.Balancer.MigrationTimeoutSec > 0 {
		return time.Duration(s.config.Balancer.MigrationTimeoutSec) * time.Second
	}
	return defaultMigrationTimeout
}

// --------------------------------------------------------------------------
// Setup
// --------------------------------------------------------------------------

// client returns the client transport to endpoint, transports are shared by every peer of
// an endpoint. A peer that is not reachable yet is reconnected in the background.
func (s *RPCServer) client(endpoint string) transport.IRPCClientTransport {
	if t, ok := s.clients[endpoint]; ok {
		return t
	}
	config := s.config.Transport
	config.Endpoint = ""
	config.Endpoints = []string{endpoint}

	t := s.dial()
	if err := t.Connect(config); err != nil {
		Logger.Warningf("endpoint %s is not reachable yet: %v", endpoint, err)
	}
	s.clients[endpoint] = t
	return t
}

func (s *RPCServer) initMonitor() error {
	switch s.config.Monitor {
	case common.MonitorModeLocal, "":
		s.monitor = lmonitor.NewLocalMonitorWithOptions(lmonitor.Options{
			MigrationLease: time.Duration(s.config.MigrationLeaseSec) * time.Second,
		})
		s.adapters.Store(transport.MonitorTarget, NewMonitorServerAdapter(s.monitor))
		Logger.Infof("created local monitor")

	case common.MonitorModeRaft:
		nh, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
		if err != nil {
			return fmt.Errorf("failed to create node host: %w", err)
		}
		s.nodeHost = nh

		// Start Raft for the monitor shard
		if err := nh.StartConcurrentReplica(s.config.ClusterMembers, false, dmonitor.CreateStateMachineFactory(), s.config.ToDragonboatConfig()); err != nil {
			return fmt.Errorf("failed to start monitor shard %d: %w", s.config.MonitorShardID, err)
		}
		s.monitor = dmonitor.NewDistributedMonitor(nh, s.config.MonitorShardID, s.timeoutFor(common.MsgTMonOwners))
		s.adapters.Store(transport.MonitorTarget, NewMonitorServerAdapter(s.monitor))
		Logger.Infof("created replicated monitor on shard %d (replica %d)", s.config.MonitorShardID, s.config.ReplicaID)

	case common.MonitorModeRemote:
		if s.config.MonitorEndpoint == "" {
			return errors.New("remote monitor needs an endpoint")
		}
		s.monitor = client.NewRPCMonitorWithTransport(s.client(s.config.MonitorEndpoint), s.serializer)
		Logger.Infof("using remote monitor at %s", s.config.MonitorEndpoint)

	default:
		return fmt.Errorf("invalid monitor mode: %s", s.config.Monitor)
	}
	return nil
}

// waitForMonitor blocks until the monitor answers, a remote or replicated monitor may not be
// available when the server starts
func (s *RPCServer) waitForMonitor(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		_, err := s.monitor.Owners(ctx)
		if err == nil {
			return nil
		}
		Logger.Infof("waiting for the monitor: %v", err)
		if err := transport.Sleep(ctx, transport.Backoff(attempt)); err != nil {
			return fmt.Errorf("monitor not available: %w", err)
		}
	}
}

func (s *RPCServer) openEngine(id uint64) (db.KVDB, error) {
	switch s.config.Engine {
	case EngineMemDB, "":
		return memdb.NewMemDB(nil), nil
	case EnginePebble:
		opts := &pebbledb.DBOptions{InMemory: s.config.DataDir == ""}
		if !opts.InMemory {
			opts.Dir = filepath.Join(s.config.DataDir, fmt.Sprintf("node-%d", id))
		}
		return pebbledb.NewPebbleDB(opts)
	default:
		return nil, fmt.Errorf("invalid engine: %s", s.config.Engine)
	}
}

func (s *RPCServer) nodeOptions(nc common.NodeConfig) node.Options {
	opts := node.DefaultOptions(nc.ID)
	opts.FirstProfile = nc.FirstProfile
	opts.ProfileCount = nc.ProfileCount
	if s.config.SeedRecords > 0 {
		opts.SeedRecords = s.config.SeedRecords
	}

	storeOpts := lstore.DefaultOptions()
	if s.config.Numbers > 0 || s.config.Strings > 0 {
		storeOpts.Codec = keyspace.NewCodec(s.config.Numbers, s.config.Strings)
	}
	opts.Store = storeOpts

	if s.config.Snapshot && s.config.DataDir != "" {
		opts.SnapshotPath = filepath.Join(s.config.DataDir, fmt.Sprintf("node-%d.snapshot", nc.ID))
	}

	bc := s.config.Balancer
	opts.DisableBalancer = bc.Disabled
	if bc.LoadMetric != "" {
		opts.LoadMetric = bc.LoadMetric
	}
	opts.Balancer = balancerOptions(bc)
	return opts
}

// balancerOptions overrides the ring defaults with every parameter that is set
func balancerOptions(bc common.BalancerConfig) ring.Options {
	opts := ring.DefaultOptions()
	if bc.Slack > 0 {
		opts.Slack = bc.Slack
	}
	opts.High = bc.LoadHigh
	opts.Low = bc.LoadLow
	if bc.HoldMillisecond > 0 {
		opts.HoldInterval = time.Duration(bc.HoldMillisecond) * time.Millisecond
	}
	if bc.RetryMillisecond > 0 {
		opts.RetryInterval = time.Duration(bc.RetryMillisecond) * time.Millisecond
	}
	if bc.TokenTimeoutSecond > 0 {
		opts.TokenTimeout = time.Duration(bc.TokenTimeoutSecond) * time.Second
	}
	if bc.MigrationTimeoutSec > 0 {
		opts.MigrationTimeout = time.Duration(bc.MigrationTimeoutSec) * time.Second
	}
	if bc.ForwardAttempts > 0 {
		opts.ForwardAttempts = bc.ForwardAttempts
	}
	return opts
}

func (s *RPCServer) init(ctx context.Context) error {
	if len(s.config.Nodes) == 0 && s.config.Monitor == common.MonitorModeRemote {
		return errors.New("server hosts neither a node nor the monitor")
	}
	if s.config.DataDir != "" {
		if err := os.MkdirAll(s.config.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if err := s.initMonitor(); err != nil {
		return err
	}

	// Remote peers of the ring
	for id, endpoint := range s.config.Peers {
		peer := client.NewRPCPeerWithTransport(id, s.client(endpoint), s.serializer, client.WithMigrationTimeout(s.migrationTimeout()))
		if err := s.registry.Register(id, peer); err != nil {
			return fmt.Errorf("failed to register peer %d: %w", id, err)
		}
	}

	// CREATE NODES

	/*
		Note: every node of this server is registered before any node starts, so each node
		sees the whole ring when it decides whether it emits the first token.
	*/

	ringIDs := s.config.Ring()
	for _, nc := range s.config.Nodes {
		kv, err := s.openEngine(nc.ID)
		if err != nil {
			return fmt.Errorf("failed to open engine of node %d: %w", nc.ID, err)
		}
		n, err := node.NewNode(s.nodeOptions(nc), kv, s.monitor, s.registry)
		if err != nil {
			_ = kv.Close()
			return fmt.Errorf("failed to create node %d: %w", nc.ID, err)
		}
		if err := s.registry.Register(nc.ID, n); err != nil {
			_ = n.Close()
			return fmt.Errorf("failed to register node %d: %w", nc.ID, err)
		}
		left, right, err := node.Neighbors(ringIDs, nc.ID)
		if err != nil {
			_ = n.Close()
			return err
		}
		n.SetLeftNeighbor(left)
		n.SetRightNeighbor(right)
		s.nodes = append(s.nodes, n)
	}

	if s.config.Monitor != common.MonitorModeLocal && s.config.Monitor != "" {
		if err := s.waitForMonitor(ctx); err != nil {
			return err
		}
	}

	// START NODES
	for _, n := range s.nodes {
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("failed to start node %d: %w", n.ID(), err)
		}
		s.adapters.Store(n.ID(), NewNodeServerAdapter(n))
		Logger.Infof("node %d serves %d profiles", n.ID(), n.ServedCount())
	}

	Logger.Infof("rKV setup completed successfully")
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start initializes the monitor and the nodes without listening. It is called by Serve,
// tests with an external Listen call it directly.
func (s *RPCServer) Start(ctx context.Context) (err error) {
	err = errors.New("server already started")
	s.startOnce.Do(func() {
		err = s.init(ctx)
		if err == nil {
			close(s.ready)
		}
	})
	return err
}

// Serve starts the RPC server
// This function will initialize the monitor and the nodes and block in the transport layer
// until Close is called. The transport listens before the nodes start, so peers and a
// monitor hosted here are reachable while other servers are still starting.
func (s *RPCServer) Serve(ctx context.Context) error {
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- s.transport.Listen(s.config.Transport)
	}()

	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		<-listenErr
		return err
	}
	return <-listenErr
}

// Ready is closed once the nodes of the server are started
func (s *RPCServer) Ready() <-chan struct{} {
	return s.ready
}

// Node returns the local node with id
func (s *RPCServer) Node(id uint64) (*node.Node, bool) {
	for _, n := range s.nodes {
		if n.ID() == id {
			return n, true
		}
	}
	return nil, false
}

// Monitor returns the monitor used by the nodes of the server
func (s *RPCServer) Monitor() monitor.IMonitor {
	return s.monitor
}

// Close stops the transport, closes the nodes (writing their snapshots) and releases the peers
func (s *RPCServer) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, n := range s.nodes {
			if err := n.Close(); err != nil {
				errs = append(errs, fmt.Errorf("node %d: %w", n.ID(), err))
			}
		}
		for endpoint, t := range s.clients {
			if err := t.Close(); err != nil {
				errs = append(errs, fmt.Errorf("client %s: %w", endpoint, err))
			}
		}
		if s.nodeHost != nil {
			s.nodeHost.Close()
		}
		Logger.Infof("server closed")
	})
	return errors.Join(errs...)
}
