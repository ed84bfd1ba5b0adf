// Package memdb implements an ordered in-memory key-value engine (db.KVDB) on top of
// google/btree. Entries are stored under their order-preserving byte encoding (see
// db.EncodeKey), so a range scan below a major key is a single AscendRange call.
//
// Key Components:
//
//   - memDBImpl: the engine. A single RWMutex serializes batches and lets scans and
//     point reads run in parallel. Execute validates a batch completely before it
//     touches the tree, which makes every batch all-or-nothing.
//
//   - Persistence: Save writes the shared snapshot format of the db package, Load
//     builds a fresh tree and swaps it in only after the whole snapshot was read.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Values are copied on the way in and
//	on the way out, callers may modify the slices they pass or receive.
package memdb
