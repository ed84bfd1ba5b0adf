// Package common provides the data structures shared by the rKV rpc client and server.
// It defines the wire message, the configuration structures and the custom logger.
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication. Which fields are set depends on
//     the MessageType. Node requests (execute, inject, transfuse, migrate, token, dump, info)
//     are addressed to a node id, monitor requests (register, begin, end, abort, owner, owners)
//     to target 0. Errors keep their store.RetCode across the wire, a decoded response error is
//     a *RemoteError that matches store.ErrCode with errors.Is.
//
//   - ServerConfig: Configuration of a server process: the nodes it hosts, the remote peers of
//     the ring, the placement of the monitor (local, raft or remote), RAFT parameters, storage
//     and load balancer settings. Provides utilities for converting to Dragonboat-specific
//     configurations.
//
//   - ClientConfig and TransportConfig: Connection parameters, timeouts and retry behavior.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the application.
package common
