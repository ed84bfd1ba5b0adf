// Package lmonitor implements monitor.IMonitor as a process-local service object.
//
// Each profile has its own entry guarded by its own mutex, so migrations of different
// profiles never contend. While a migration is in flight the profile additionally holds a
// lockmgr lock ("profile:<id>"); NotifyEndMigration and AbortMigration release it.
// With a MigrationLease the lock expires: a node that crashed mid-migration blocks the profile
// only until the lease ran out, then the next NotifyMigration aborts the stuck migration.
// A migration whose lease expired can still end as long as nobody took over.
// The ownership table is never exposed, Owners returns a copy.
package lmonitor
