package lockmgr

import "time"

// ILockManager defines the interface for a lock provider.
type ILockManager interface {
	// AcquireLock acquires the lock for the given key with an optional lease.
	// A lease of zero never expires, an expired lease may be taken over by the next caller.
	// Return a boolean indicating whether the lock was acquired, an owner ID, and an error if any.
	AcquireLock(key string, lease time.Duration) (ok bool, ownerID []byte, err error)

	// ReleaseLock releases the lock for the given key.
	// Return a boolean indicating whether the lock was released, and an error if any.
	// The method will also return True if the lock did not exist.
	ReleaseLock(key string, ownerID []byte) (ok bool, err error)

	// IsLocked reports whether the key is held by an unexpired lock.
	IsLocked(key string) (locked bool)
}
