// Package tcp implements the framed base transport over TCP. The connectors apply the socket
// options of common.TransportConfig (TCP_NODELAY, keepalive, linger, buffer sizes) to every
// connection. The default server buffer size is 512 KB.
package tcp
