package monitor

import (
	"github.com/ValentinKolb/rKV/lib/store"
)

// State is the ownership state of one profile.
// It holds no lock, callers serialize all transitions of one profile.
type State struct {
	Owner    uint64
	InFlight bool
	Target   uint64 // requester of the in-flight migration
}

// Begin moves Stable(owner) to MigrationInFlight(owner, requester) and returns the owner
func (s *State) Begin(profile int, requester uint64) (uint64, error) {
	if s.InFlight {
		return 0, store.Errorf(store.RetCMigrationConflict, "profile %d is already migrating from %d to %d", profile, s.Owner, s.Target)
	}
	if s.Owner == requester {
		return 0, store.Errorf(store.RetCAlreadyOwner, "node %d already owns profile %d", requester, profile)
	}
	s.InFlight = true
	s.Target = requester
	return s.Owner, nil
}

// End moves MigrationInFlight(owner, node) to Stable(node)
func (s *State) End(profile int, node uint64) error {
	if !s.InFlight || s.Target != node {
		return store.Errorf(store.RetCNotMigrating, "profile %d is not migrating to node %d", profile, node)
	}
	s.Owner = node
	s.InFlight = false
	s.Target = 0
	return nil
}

// Abort moves MigrationInFlight(owner, node) back to Stable(owner)
func (s *State) Abort(profile int, node uint64) error {
	if !s.InFlight || s.Target != node {
		return store.Errorf(store.RetCNotMigrating, "profile %d is not migrating to node %d", profile, node)
	}
	s.InFlight = false
	s.Target = 0
	return nil
}

// Register validates a (re-)registration of owner for an already known profile
func (s *State) Register(profile int, owner uint64) error {
	if s.Owner != owner {
		return store.Errorf(store.RetCInvalidOperation, "profile %d is owned by node %d, not %d", profile, s.Owner, owner)
	}
	return nil
}

// UnknownProfile returns the error for operations on unregistered profiles
func UnknownProfile(profile int) error {
	return store.Errorf(store.RetCUnknownProfile, "profile %d is not registered", profile)
}
