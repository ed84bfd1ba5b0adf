// Package pebbledb implements db.KVDB on top of cockroachdb/pebble.
//
// Keys are stored in the ordered byte encoding of db.EncodeKey, so MultiGet is a
// bounded pebble iterator. Execute commits a single pebble batch; writes are
// serialized by an engine mutex so the delete existence flags are computed against
// the state the batch is applied to. Stores can live on disk (DBOptions.Dir) or in
// pebble's in-memory filesystem (DBOptions.InMemory), which the tests use.
package pebbledb
