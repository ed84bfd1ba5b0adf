// Package internal contains the raft log entry format (Command) and the lookup types (Query)
// of the replicated monitor. Commands have a fixed size of 17 bytes.
package internal
