// Package monitor defines the authority that tracks which node owns which profile and
// arbitrates migrations between nodes.
//
// The state machine of a single profile is implemented once by State and shared by both
// implementations:
//
//	Stable(owner) --NotifyMigration(req)--> MigrationInFlight(owner, req)
//	MigrationInFlight(owner, req) --NotifyEndMigration(req)--> Stable(req)
//	MigrationInFlight(owner, req) --AbortMigration(req)--> Stable(owner)
//
// Implementations:
//
//   - lmonitor: a process-local service object. Each profile has its own entry and mutex,
//     the in-flight marker is a lockmgr lock keyed by profile.
//   - dmonitor: the ownership table as a dragonboat raft state machine, for clusters whose
//     monitor must survive the loss of a machine.
package monitor
