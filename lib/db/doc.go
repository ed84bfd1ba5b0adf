// Package db provides the contract for the ordered key-value engines that back every node.
// It defines the KVDB interface, the two-level Key used to address primitive entries and
// the fault taxonomy the transaction engine relies on when deciding whether to retry.
//
// Key Components:
//
//   - KVDB Interface: Put, Delete, Get, an atomic Execute batch that reports one success
//     flag per primitive operation, and MultiGet, an ordered range scan below a major key.
//     Save and Load persist and restore the whole engine.
//
//   - Key / KeyRange: a Key consists of a major component (the partition) and ordered minor
//     components. A KeyRange selects an inclusive interval of the first minor component.
//     EncodeKey produces a byte form whose lexicographic order equals component-wise order,
//     which lets byte-ordered engines answer range scans with plain iterator bounds.
//
//   - Feature Flags: implementations advertise supported operations through SupportsFeature.
//
//   - Faults: ErrTimeout, ErrUnavailable and ErrExecution are transient (see IsTransient).
//     ErrMalformedBatch, ErrInvalidKey and ErrClosed are permanent and must not be retried.
//
// Snapshot Format:
//
// WriteSnapshot and ReadSnapshot implement the binary format shared by all engines:
//
//	magic "RKVSNAP\x00" | version uint8 | count uint64 | count x (keyLen uint32, key, valueLen uint32, value)
//
// Related Packages:
//
// The engines/memdb package provides an in-memory engine on an ordered btree.
// The engines/pebbledb package provides a persistent engine on cockroachdb/pebble.
// The testing package provides the conformance suite (RunKVDBTests), benchmarks
// (RunKVDBBenchmarks) and a fault-injecting wrapper used by the transaction engine tests.
package db
