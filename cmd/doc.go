// Package cmd implements the command-line interface for the rKV partitioned
// profile store. It provides a hierarchical command structure with operations
// for running a server and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring an rKV server (nodes, peers, monitor)
//   - kv: Commands for record operations on a node (read, write, delete, batch, dump, info, perf)
//   - monitor: Commands for the monitor (owner, owners) and for manual migrations
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as environment variable RKV_<FLAG>, dashes become
// underscores (e.g. RKV_TRANSPORT_ENDPOINTS). .env and .env.local are loaded first.
//
// See rkv -help for a list of all commands.
package cmd
