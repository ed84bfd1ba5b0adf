// Package lockmgr implements an in-process keyed lock manager.
//
// Every lock is identified by a string key and held by a randomly generated 256 bit owner id
// that the caller must present to release it. Locks live in a concurrent xsync.MapOf and all
// state transitions of a key run inside MapOf.Compute, which makes acquisition an atomic
// compare-and-set per key.
//
// Core Functionality:
//   - Lock acquisition with ownership verification
//   - Optional leases: an expired lock can be taken over by the next AcquireLock
//   - Safe release operations that verify ownership
//
// The monitor uses one lock per profile as its "migration in flight" marker. The lease of the
// marker bounds how long a migration may stay in flight before another node can take over.
//
// Usage Example:
//
//	locks := lockmgr.NewLockManager()
//
//	acquired, ownerID, err := locks.AcquireLock("profile:12", 0)
//	if err != nil {
//	    // Handle error
//	}
//
//	if acquired {
//	    // ...
//	    released, err := locks.ReleaseLock("profile:12", ownerID)
//	}
package lockmgr
