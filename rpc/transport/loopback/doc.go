// Package loopback implements the transport interfaces in memory. Servers and clients of one
// Network find each other by endpoint name, which makes it possible to run a whole ring of rpc
// servers inside one process (tests, local experiments) with the real serializers and adapters.
//
// Usage:
//
//	network := loopback.NewNetwork()
//	srv := network.NewServerTransport()
//	srv.RegisterHandler(handler)
//	go srv.Listen(common.TransportConfig{Endpoint: "a"})
//
//	cli := network.NewClientTransport()
//	_ = cli.Connect(common.TransportConfig{Endpoints: []string{"a"}, TimeoutSecond: 1})
//	resp, err := cli.Send(ctx, 1, req)
package loopback
