// Package client implements RPC clients for the rKV profile store system.
// It provides implementations of the node.Peer and monitor.IMonitor interfaces
// that communicate with remote servers via RPC.
//
// The package focuses on:
//   - Transparent RPC access to remote nodes and the monitor
//   - Integration with the transport and serialization layers
//   - Keeping the return codes of domain errors across the wire
//
// Key Components:
//
//   - NewRPCPeer: Factory function that creates a client implementing the node.Peer
//     interface. Requests are routed to the node id as transport target, so one server
//     can host several nodes behind the same endpoint.
//
//   - NewRPCMonitor: Factory function that creates a client implementing the
//     monitor.IMonitor interface, its requests use transport.MonitorTarget.
//
// Usage Example:
//
//	config := common.ClientConfig{Transport: common.DefaultTransportConfig()}
//	config.Transport.Endpoints = []string{"localhost:8080"}
//
//	t := tcp.NewTCPClientTransport()
//	defer t.Close()
//
//	peer, _ := client.NewRPCPeer(1, config, t, serializer.NewBinarySerializer())
//	results, err := peer.ExecuteOperations(ctx, []store.Operation{store.NewRead(4, 2)})
//
//	mon := client.NewRPCMonitorWithTransport(t, serializer.NewBinarySerializer())
//	owners, _ := mon.Owners(ctx)
//
// Errors returned by the server are *common.RemoteError values, store.CodeOf and
// errors.Is(err, store.ErrCode(...)) work on them as on local errors.
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
