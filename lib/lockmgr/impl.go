package lockmgr

import (
	"bytes"
	"crypto/rand"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	ownerIDBytes = 32 // 256 bit owner ids
)

type lease struct {
	owner   []byte
	expires time.Time // zero means no expiry
}

func (l lease) activeAt(now time.Time) bool {
	return l.expires.IsZero() || now.Before(l.expires)
}

type lockMgrImpl struct {
	locks *xsync.MapOf[string, lease]
	now   func() time.Time
}

// NewLockManager creates an in-process lock manager
func NewLockManager() ILockManager {
	return NewLockManagerWithClock(time.Now)
}

// NewLockManagerWithClock creates a lock manager that reads the time for leases from now
func NewLockManagerWithClock(now func() time.Time) ILockManager {
	return &lockMgrImpl{
		locks: xsync.NewMapOf[string, lease](),
		now:   now,
	}
}

func (lm *lockMgrImpl) AcquireLock(key string, leaseDuration time.Duration) (bool, []byte, error) {
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}

	now := lm.now()
	acquired := false

	// Compute runs atomically for the key, so only one caller can win
	lm.locks.Compute(key, func(old lease, loaded bool) (lease, bool) {
		if loaded && old.activeAt(now) {
			return old, false
		}
		acquired = true
		l := lease{owner: ownerID}
		if leaseDuration > 0 {
			l.expires = now.Add(leaseDuration)
		}
		return l, false
	})

	if !acquired {
		return false, nil, nil
	}
	return true, ownerID, nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	released := true
	lm.locks.Compute(key, func(old lease, loaded bool) (lease, bool) {
		if !loaded {
			return old, true
		}
		if !bytes.Equal(old.owner, ownerID) {
			released = false
			return old, false
		}
		return old, true
	})
	return released, nil
}

func (lm *lockMgrImpl) IsLocked(key string) bool {
	l, ok := lm.locks.Load(key)
	return ok && l.activeAt(lm.now())
}

// generateOwnerID creates a new unique owner ID
func generateOwnerID() ([]byte, error) {
	randomBytes := make([]byte, ownerIDBytes)
	_, err := rand.Read(randomBytes)
	return randomBytes, err
}
