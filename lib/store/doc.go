// Package store defines the record model and the transaction engine contract of rKV.
//
// A profile holds records. Every record has a fixed number of numeric and string attributes
// and is identified inside its profile by an integer id. A request is an ordered list of
// read, write and delete operations; the engine answers with exactly one OperationResult per
// operation.
//
// Key Components:
//
//   - IStore Interface: Execute runs a request, Scan regroups all primitive entries of a
//     profile into records (used by migrations and diagnostic dumps).
//
//   - Error System: Error carries a RetCode, so a failure keeps its meaning after it crosses an
//     RPC boundary. errors.Is(err, ErrCode(code)) matches by code, CodeOf extracts it.
//
//   - DBFactory: A function type that abstracts the creation of the underlying db.KVDB.
//
// Implementations:
//
//	- Local Store (lstore): lowers operations through the keyspace codec into atomic db.KVDB
//	  batches. Transient engine faults are retried with bounded exponential backoff.
//	  Available in the "github.com/ValentinKolb/rKV/lib/store/lstore" package.
//
//	- Keyspace codec (keyspace): the mapping between records and primitive keys.
//	  Available in the "github.com/ValentinKolb/rKV/lib/store/keyspace" package.
package store
