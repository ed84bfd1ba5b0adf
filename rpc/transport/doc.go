// Package transport defines the client and server transport contracts of the rKV RPC layer
// and the retry helpers shared by the implementations (Backoff, Sleep).
//
// Requests are addressed by target id: MonitorTarget (0) is the monitor, every other id a
// ring node. One server endpoint may host several targets.
//
// Implementations: base (framing shared by tcp and unix), tcp, unix, http and loopback
// (in-process, for tests).
package transport
