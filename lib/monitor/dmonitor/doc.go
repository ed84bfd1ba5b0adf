// Package dmonitor implements monitor.IMonitor as a replicated state machine on top of
// the Dragonboat RAFT library, so the ownership table survives the loss of a minority
// of the monitor replicas.
//
// Commands (register, begin, end, abort) are serialized into fixed-size raft log entries
// (see internal.Command) and applied by MonitorStateMachine.Update in log order, which gives
// every profile a single serial history. The result value of an entry is a store.RetCode,
// the result data carries the migration source for begin commands. Owner lookups use
// SyncRead and are linearizable.
//
// Proposals and reads that fail with dragonboat.ErrSystemBusy are retried up to 5 times.
//
// Migrations have no lease here: Update must not read the clock, every replica has to
// reach the same state from the same log. A stuck migration is cleared with AbortMigration.
//
// Usage:
//
//	err := nh.StartConcurrentReplica(members, false, dmonitor.CreateStateMachineFactory(), cfg)
//	m := dmonitor.NewDistributedMonitor(nh, shardID, 5*time.Second)
package dmonitor
