package monitor

import (
	"context"
)

// IMonitor is the authority over profile ownership.
// Every profile moves through Stable(owner) -> MigrationInFlight(owner, target) -> Stable(target),
// or back to Stable(owner) when the migration is aborted. At most one migration per profile is in flight.
// Errors are *store.Error values, so their codes survive RPC.
type IMonitor interface {
	// Register records the initial owner of a profile. Registering the same owner again is a no-op,
	// registering a different owner fails with store.RetCInvalidOperation.
	Register(ctx context.Context, profile int, owner uint64) (err error)

	// NotifyMigration begins a migration of profile to requester and returns the current owner,
	// which is the node the requester pulls the data from.
	// Fails with store.RetCMigrationConflict when a migration of the profile is already in flight,
	// store.RetCAlreadyOwner when the requester already owns it and store.RetCUnknownProfile for
	// unregistered profiles.
	NotifyMigration(ctx context.Context, requester uint64, profile int) (source uint64, err error)

	// NotifyEndMigration completes the in-flight migration of profile to node and makes node the owner.
	// Fails with store.RetCNotMigrating if no migration of the profile to node is in flight.
	NotifyEndMigration(ctx context.Context, node uint64, profile int) (err error)

	// AbortMigration cancels the in-flight migration of profile to node, the owner stays unchanged.
	// Fails with store.RetCNotMigrating if no migration of the profile to node is in flight.
	AbortMigration(ctx context.Context, node uint64, profile int) (err error)

	// Owner returns the current owner of a profile.
	Owner(ctx context.Context, profile int) (owner uint64, ok bool, err error)

	// Owners returns a copy of the whole ownership table.
	Owners(ctx context.Context) (owners map[int]uint64, err error)
}
