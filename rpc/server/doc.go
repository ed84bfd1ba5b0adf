// Package server implements the RPC server of the rKV profile store system.
// One server process hosts any number of ring nodes and optionally the monitor, and routes
// every request by its transport target: target 0 is the monitor, every other target is a node id.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface of the per-target adapters, translating a request
//     Message into calls on the hosted object.
//
//   - NewNodeServerAdapter: Adapter for a node.Peer (execute, inject, transfuse, migrate,
//     token, dump, info).
//
//   - NewMonitorServerAdapter: Adapter for a monitor.IMonitor.
//
//   - NewRPCServer: Factory function creating a server on a transport and serializer.
//     Remote peers are dialed through the client transport factory.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Transport:   common.DefaultTransportConfig(),
//	  Nodes:       []common.NodeConfig{{ID: 1, FirstProfile: 0, ProfileCount: 5}},
//	  Peers:       map[uint64]string{2: "10.0.0.2:8080"},
//	  Monitor:     common.MonitorModeLocal,
//	  Engine:      server.EngineMemDB,
//	  Numbers:     3,
//	  Strings:     3,
//	  SeedRecords: 5,
//	}
//	config.Transport.Endpoint = "0.0.0.0:8080"
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(),
//	  serializer.NewBinarySerializer(),
//	  tcp.NewTCPClientTransport,
//	)
//	defer s.Close()
//
//	if err := s.Serve(ctx); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// The monitor placement is chosen by ServerConfig.Monitor:
//
//   - MonitorModeLocal: the server hosts an in-process monitor and serves it to the ring.
//
//   - MonitorModeRaft: every server runs a replica of the dragonboat monitor state machine.
//     The RAFT parameters (RTTMillisecond, SnapshotEntries, CompactionOverhead,
//     DataDir, ReplicaID and ClusterMembers) must be configured.
//
//   - MonitorModeRemote: the monitor of the server at MonitorEndpoint is used.
//
// Thread Safety:
//
//	Requests are processed concurrently. Serve and Start run once, Close may be called
//	from any goroutine.
package server
