// Package lstore implements the local transaction engine of a node on top of any db.KVDB.
//
// Routing:
//
//   - A request consisting of exactly one read is a range lookup of the record's minor key
//     range. The record is found only if the lookup returns exactly Numbers+Strings entries.
//     Any other count (nothing stored, or a torn record) is a failed result without data.
//
//   - Every other request is lowered through the keyspace codec: a write becomes one put per
//     attribute, a delete one delete per attribute. All primitive operations of the request
//     are submitted as one atomic db.KVDB batch. The result of each logical operation is the
//     flag of the first primitive operation of its group. Reads of such a request are served
//     after the batch committed, so they observe the request's own writes.
//
// Failure Handling:
//
//	Transient engine faults (db.IsTransient) are retried with bounded exponential backoff and
//	+-10% jitter (RetryOptions). When the attempts are used up Execute returns
//	store.RetCRetriesExhausted, when the context ends it returns store.RetCCanceled. Permanent
//	faults surface as store.RetCInternalError. The engine error stays reachable through
//	errors.Is in every case. Execute always returns one result per operation; a failed
//	request reports every result as unsuccessful, since the batch was not applied.
//
// Thread Safety:
//
//	The store holds no mutable state of its own. Atomicity and isolation of a batch are
//	provided by the db.KVDB implementation.
//
// Usage Example:
//
//	factory := func() db.KVDB { return memdb.NewMemDB(nil) }
//	s := lstore.NewLocalStore(factory, nil)
//
//	results, err := s.Execute(ctx, []store.Operation{
//		store.NewWrite(4, 42, []int{700, 701, 702, 703, 704}, []string{"s1", "s2", "s3", "s4", "s5"}),
//	})
package lstore
