// Package unix implements the framed base transport over Unix domain sockets, for servers
// and clients on the same machine. The server removes a stale socket file before listening.
// The default server buffer size is 64 KB.
package unix
