// Package node implements the storage node of the ring and the migration protocol.
//
// A Node owns a local transaction engine (lstore), the set of profiles it serves and one
// load balancer (ring.Balancer). Other nodes are never referenced directly: every node is
// registered under its id in a Registry and neighbors, migration sources and targets are
// resolved through it. A Peer can be a local *Node or the rpc client of a remote one.
//
// Bootstrap:
//
//	Start seeds SeedRecords records (all numbers 0, all strings "0") for every profile of the
//	node's block [FirstProfile, FirstProfile+ProfileCount) and registers the profiles with the
//	monitor. If SnapshotPath exists, the engine is restored from it instead and the served
//	profiles are taken from the monitor.
//
// Data Plane:
//
//	ExecuteOperations takes the read lock of every profile of the request (in ascending order)
//	and runs the request on the transaction engine. Profiles seen in writes and deletes are added
//	to the served set. Every operation heats its profile, the balancer offers the coldest ones.
//
// Migration Protocol (destination pulls):
//
//  1. The destination calls monitor.NotifyMigration and learns the source.
//  2. The source (TransfuseData) takes the profile's write lock, scans the profile, injects the
//     records into the destination and deletes them locally only after the injection succeeded.
//  3. The destination serves the profile and calls monitor.NotifyEndMigration.
//
// If step 2 fails the destination aborts the migration and the source stays the owner. A failure
// after the injection leaves a duplicate on the destination, which the next migration of the
// profile overwrites.
package node
