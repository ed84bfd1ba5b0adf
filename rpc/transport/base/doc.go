// Package base implements the framed transport shared by the tcp and unix transports.
// The protocol specific parts (dialing, listening, socket options) are injected through
// IClientConnector and IServerConnector.
//
// Every message travels as one frame carrying the target id, a request id and the payload.
// The request id correlates responses on a connection, so many requests can be in flight
// on one connection at a time.
//
// Client:
//
//   - Opens ConnectionsPerEndpoint connections to every endpoint and picks them round robin,
//     skipping connections that are currently lost.
//   - A reader goroutine per connection dispatches responses. When the connection breaks it
//     fails the pending requests of that connection and reconnects with exponential backoff
//     (transport.Backoff), so peers that start later are picked up without a new Connect.
//   - Send retries failed attempts up to RetryCount times, bounded by the ctx.
//
// Server:
//
//   - Each connection gets a bounded set of workers (WorkersPerConn). Read buffers come
//     from a sync.Pool sized by BufferSize.
//   - Close stops the listener, closes every open connection and waits for the
//     requests in progress.
//
// All exported methods are safe for concurrent use.
package base
