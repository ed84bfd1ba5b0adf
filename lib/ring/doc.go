// Package ring implements the token based load balancer of the node ring.
//
// Every node runs one Balancer. It is an actor: tokens are delivered into a lock-free
// multi-producer single-consumer Mailbox and handled sequentially by one goroutine. A token is a
// value (Token) that is copied on every hand-off, no token memory is shared between nodes.
//
// Load:
//
//	A LoadMetric measures the local load. ProfileCountMetric (served-profile count, the default)
//	and RequestRateMetric (one-minute EWMA of operations per second) are provided. Every node
//	writes its current load into the token, so the token carries a recent view of the ring.
//	Thresholds classify a node against the ring mean (or against absolute limits).
//
// Token Rules:
//
//  1. A token that was already resolved, or a repeated delivery of the same hop, is dropped.
//  2. An offer that returns to its origin found no taker. The origin resolves it and emits a new
//     empty token after RetryInterval.
//  3. An overloaded node that receives a foreign offer picks up to min(capacity, excess) of its
//     coldest profiles, resolves the token, asks the offer origin to pull them
//     (Host.RequestMigration, bounded by MigrationTimeout) and emits a new empty token.
//  4. An underloaded node attaches an Offer to an empty token.
//  5. Everything else is forwarded unchanged.
//
// Forwarding waits HoldInterval and retries the right neighbor with bounded exponential backoff.
// A token that cannot be delivered is dropped and regenerated after RetryInterval. If no token
// arrives for TokenTimeout the node emits one, so a lost token does not stall the ring.
// Duplicate tokens are harmless: every token is handled independently and resolved ids are
// remembered in a bounded LRU cache.
package ring
