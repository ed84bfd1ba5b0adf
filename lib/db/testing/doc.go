// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: A conformance suite for the KVDB contract (atomic batches, delete existence flags,
//     ordered range scans, snapshot round trips and closed-engine behaviour)
//   - benchmark: Performance tests for measuring throughput of common database operations
//   - faulty: FaultyDB, a wrapper that injects queued faults into Execute and MultiGet
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() db.KVDB {
//		return NewMyDatabase()
//	}
//
//	// Running the standard test suite
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
//
//	// Failing the next two batches with a transient fault
//	faulty := dbtesting.NewFaultyDB(factory())
//	faulty.FailExecute(db.ErrTimeout, db.ErrTimeout)
package testing
