package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ValentinKolb/rKV/lib/ring"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/VictoriaMetrics/metrics"
)

var migrationDuration = metrics.GetOrCreateHistogram(`rkv_node_migration_duration_seconds`)

func migrationCounter(node uint64, role, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_node_migrations_total{node="%d",role="%s",result="%s"}`, node, role, result))
}

// TransfuseData is the source side of a migration. The profile's write lock is held from the
// scan until the local delete, so no client write can slip in between. The local copy is
// deleted only after the target acknowledged every record.
//
// Failures before the delete carry RetCTransferFailed: the source still holds and serves the
// profile. Any other error leaves the outcome open, calling TransfuseData again completes it.
func (n *Node) TransfuseData(ctx context.Context, profile int, target uint64) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		migrationCounter(n.id, "source", result).Inc()
	}()

	if target == n.id {
		return store.Errorf(store.RetCTransferFailed, "node %d cannot transfer profile %d to itself", n.id, profile)
	}
	peer, err := n.registry.Lookup(target)
	if err != nil {
		return transferFailed(err, "unknown target %d", target)
	}

	l := n.profileLock(profile)
	l.Lock()
	defer l.Unlock()

	records, err := n.store.Scan(ctx, profile)
	if err != nil {
		if store.CodeOf(err) != store.RetCCorruption {
			return transferFailed(err, "failed to scan profile %d", profile)
		}
		Logger.Warningf("node %d: corrupt records of profile %d stay behind: %v", n.id, profile, err)
	}

	if len(records) > 0 {
		writes := make([]store.Operation, len(records))
		deletes := make([]store.Operation, len(records))
		for i, r := range records {
			writes[i] = store.Operation{Type: store.OpTWrite, Record: r}
			deletes[i] = store.NewDelete(r.Profile, r.ID)
		}

		res, err := peer.InjectData(ctx, writes)
		if err != nil {
			return transferFailed(err, "failed to inject profile %d into node %d", profile, target)
		}
		if failed := countFailed(res, len(writes)); failed > 0 {
			return store.Errorf(store.RetCTransferFailed, "node %d rejected %d of %d records of profile %d", target, failed, len(writes), profile)
		}

		if _, err := n.store.Execute(ctx, deletes); err != nil {
			return fmt.Errorf("failed to delete profile %d after the transfer: %w", profile, err)
		}
	}

	n.served.Delete(profile)
	n.heat.forget(profile)
	Logger.Infof("node %d: transferred profile %d (%d records) to node %d", n.id, profile, len(records), target)
	return nil
}

func transferFailed(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", store.Errorf(store.RetCTransferFailed, format, args...), err)
}

func countFailed(results []store.OperationResult, want int) int {
	failed := want - len(results)
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	return failed
}

// Migrate pulls the given profiles to this node. Every profile is handled on its own, the
// failures are joined. Profiles the node already serves are skipped.
func (n *Node) Migrate(ctx context.Context, profiles []int) error {
	var errs []error
	for _, p := range profiles {
		if err := n.pull(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("profile %d: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// pull runs the migration protocol for one profile on the destination:
// NotifyMigration -> source.TransfuseData -> serve -> NotifyEndMigration.
//
// Only a RetCTransferFailed answer aborts the migration, the source then still owns the profile.
// Any other failure may have happened after the source deleted its copy, so the transfer is
// retried until it completes or the source stops serving the profile. If the outcome stays
// unknown the migration is left in flight and the next pull of the profile resumes it.
func (n *Node) pull(ctx context.Context, profile int) (err error) {
	if n.Serves(profile) {
		return nil
	}

	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		migrationCounter(n.id, "target", result).Inc()
	}()

	source, resumed := n.pending.Load(profile)
	if !resumed {
		source, err = n.monitor.NotifyMigration(ctx, n.id, profile)
		if errors.Is(err, store.ErrCode(store.RetCAlreadyOwner)) {
			n.served.Store(profile, struct{}{})
			return nil
		}
		if err != nil {
			return err
		}
	}

	peer, err := n.registry.Lookup(source)
	if err == nil {
		err = n.transfer(ctx, peer, profile)
	}
	switch {
	case err == nil:
		n.pending.Delete(profile)
	case errors.Is(err, store.ErrCode(store.RetCTransferFailed)), errors.Is(err, ErrUnknownNode):
		n.pending.Delete(profile)
		n.purge(context.WithoutCancel(ctx), profile)
		// the marker must be released even if ctx ended
		if abortErr := n.monitor.AbortMigration(context.WithoutCancel(ctx), n.id, profile); abortErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to abort migration: %w", abortErr))
		}
		Logger.Warningf("node %d: migration of profile %d from node %d failed: %v", n.id, profile, source, err)
		return err
	default:
		n.pending.Store(profile, source)
		Logger.Errorf("node %d: transfer of profile %d from node %d has an unknown outcome, the migration stays open: %v", n.id, profile, source, err)
		return err
	}

	n.served.Store(profile, struct{}{})
	if err := n.monitor.NotifyEndMigration(context.WithoutCancel(ctx), n.id, profile); err != nil {
		return fmt.Errorf("data of profile %d arrived but the ownership change failed: %w", profile, err)
	}

	migrationDuration.UpdateDuration(start)
	Logger.Infof("node %d: now owns profile %d (from node %d, took %s)", n.id, profile, source, time.Since(start))
	return nil
}

// transfer calls TransfuseData on the source until it succeeds, fails before the delete or
// the source no longer serves the profile. Retries are detached from ctx, every call gets
// the timeout of the peer.
func (n *Node) transfer(ctx context.Context, source Peer, profile int) error {
	backoff := n.opts.TransferBackoff
	err := source.TransfuseData(ctx, profile, n.id)
	for attempt := 1; err != nil; attempt++ {
		if errors.Is(err, store.ErrCode(store.RetCTransferFailed)) {
			return err
		}
		detached := context.WithoutCancel(ctx)
		if info, infoErr := source.Info(detached); infoErr == nil && !slices.Contains(info.Profiles, profile) {
			Logger.Infof("node %d: node %d released profile %d, the transfer completed: %v", n.id, source.ID(), profile, err)
			return nil
		}
		if attempt >= n.opts.TransferAttempts {
			return err
		}
		Logger.Debugf("node %d: transfer of profile %d failed (%d/%d): %v", n.id, profile, attempt, n.opts.TransferAttempts, err)
		time.Sleep(backoff)
		backoff = min(2*backoff, time.Duration(n.opts.TransferAttempts)*n.opts.TransferBackoff)
		err = source.TransfuseData(detached, profile, n.id)
	}
	return nil
}

// purge drops leftovers of an aborted transfer. Records of a profile the node does not serve
// are never read, they would only come back if the profile moves here later.
func (n *Node) purge(ctx context.Context, profile int) {
	l := n.profileLock(profile)
	l.Lock()
	defer l.Unlock()
	if n.Serves(profile) {
		return
	}
	records, err := n.store.Scan(ctx, profile)
	if len(records) == 0 {
		if err != nil {
			Logger.Warningf("node %d: failed to scan leftovers of profile %d: %v", n.id, profile, err)
		}
		return
	}
	deletes := make([]store.Operation, len(records))
	for i, r := range records {
		deletes[i] = store.NewDelete(r.Profile, r.ID)
	}
	if _, err := n.store.Execute(ctx, deletes); err != nil {
		Logger.Warningf("node %d: failed to purge %d leftover records of profile %d: %v", n.id, len(records), profile, err)
		return
	}
	Logger.Infof("node %d: purged %d leftover records of profile %d", n.id, len(records), profile)
}

// ----------------------------------------------------------------------------
// Load balancer host
// ----------------------------------------------------------------------------

// ringHost exposes the node to its load balancer
type ringHost struct {
	n *Node
}

func (h ringHost) ID() uint64 { return h.n.id }

func (h ringHost) ServedCount() int { return h.n.served.Size() }

// PickProfiles never returns the last served profile
func (h ringHost) PickProfiles(k int) []int {
	served := h.n.Served()
	return h.n.heat.coldest(served, min(k, len(served)-1))
}

func (h ringHost) SendToken(ctx context.Context, tok ring.Token) error {
	right := h.n.right.Load()
	if right == 0 {
		return fmt.Errorf("node %d has no right neighbor", h.n.id)
	}
	peer, err := h.n.registry.Lookup(right)
	if err != nil {
		return err
	}
	return peer.ReceiveToken(ctx, tok)
}

func (h ringHost) RequestMigration(ctx context.Context, target uint64, profiles []int) error {
	peer, err := h.n.registry.Lookup(target)
	if err != nil {
		return err
	}
	return peer.Migrate(ctx, profiles)
}
