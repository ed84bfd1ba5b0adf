package lmonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/rKV/lib/lockmgr"
	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("monitor")

var (
	beginTotal    = metrics.GetOrCreateCounter(`rkv_monitor_migrations_total{monitor="local",event="begin"}`)
	endTotal      = metrics.GetOrCreateCounter(`rkv_monitor_migrations_total{monitor="local",event="end"}`)
	abortTotal    = metrics.GetOrCreateCounter(`rkv_monitor_migrations_total{monitor="local",event="abort"}`)
	conflictTotal = metrics.GetOrCreateCounter(`rkv_monitor_migrations_total{monitor="local",event="conflict"}`)
	expiredTotal  = metrics.GetOrCreateCounter(`rkv_monitor_migrations_total{monitor="local",event="expired"}`)
)

// entry is the record of one profile. mu serializes all transitions of the profile.
type entry struct {
	mu        sync.Mutex
	state     monitor.State
	lockOwner []byte // owner id of the in-flight marker
}

// Options configures a local monitor
type Options struct {
	// MigrationLease is the time a migration may stay in flight. Once it passed, the next
	// NotifyMigration of the profile aborts the stuck migration and begins its own.
	// Zero keeps migrations in flight until they end or are aborted.
	MigrationLease time.Duration
}

type monitorImpl struct {
	entries *xsync.MapOf[int, *entry]
	locks   lockmgr.ILockManager
	lease   time.Duration
	now     func() time.Time
}

// NewLocalMonitor creates a process-local monitor whose migrations never expire
func NewLocalMonitor() monitor.IMonitor {
	return NewLocalMonitorWithOptions(Options{})
}

// NewLocalMonitorWithOptions creates a process-local monitor
func NewLocalMonitorWithOptions(opts Options) monitor.IMonitor {
	m := &monitorImpl{
		entries: xsync.NewMapOf[int, *entry](),
		lease:   max(opts.MigrationLease, 0),
		now:     time.Now,
	}
	m.locks = lockmgr.NewLockManagerWithClock(func() time.Time { return m.now() })
	return m
}

func lockKey(profile int) string {
	return fmt.Sprintf("profile:%d", profile)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see monitor/interface.go)
// --------------------------------------------------------------------------

func (m *monitorImpl) Register(ctx context.Context, profile int, owner uint64) error {
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	e, loaded := m.entries.LoadOrStore(profile, &entry{state: monitor.State{Owner: owner}})
	if !loaded {
		Logger.Debugf("registered profile %d with owner %d", profile, owner)
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Register(profile, owner)
}

func (m *monitorImpl) NotifyMigration(ctx context.Context, requester uint64, profile int) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, canceled(err)
	}
	e, ok := m.entries.Load(profile)
	if !ok {
		return 0, monitor.UnknownProfile(profile)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.InFlight && !m.locks.IsLocked(lockKey(profile)) {
		m.expire(profile, e)
	}

	source, err := e.state.Begin(profile, requester)
	if err != nil {
		if store.CodeOf(err) == store.RetCMigrationConflict {
			conflictTotal.Inc()
		}
		return 0, err
	}

	acquired, lockOwner, err := m.locks.AcquireLock(lockKey(profile), m.lease)
	if err != nil || !acquired {
		_ = e.state.Abort(profile, requester)
		conflictTotal.Inc()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", store.Errorf(store.RetCInternalError, "marking profile %d as migrating failed", profile), err)
		}
		return 0, store.Errorf(store.RetCMigrationConflict, "profile %d is already marked as migrating", profile)
	}
	e.lockOwner = lockOwner

	beginTotal.Inc()
	Logger.Infof("migration of profile %d from %d to %d started", profile, source, requester)
	return source, nil
}

func (m *monitorImpl) NotifyEndMigration(ctx context.Context, node uint64, profile int) error {
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	return m.finish(profile, node, true)
}

func (m *monitorImpl) AbortMigration(ctx context.Context, node uint64, profile int) error {
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	return m.finish(profile, node, false)
}

func (m *monitorImpl) Owner(ctx context.Context, profile int) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, canceled(err)
	}
	e, ok := m.entries.Load(profile)
	if !ok {
		return 0, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Owner, true, nil
}

func (m *monitorImpl) Owners(ctx context.Context) (map[int]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	owners := make(map[int]uint64, m.entries.Size())
	m.entries.Range(func(profile int, e *entry) bool {
		e.mu.Lock()
		owners[profile] = e.state.Owner
		e.mu.Unlock()
		return true
	})
	return owners, nil
}

// --------------------------------------------------------------------------
// Internal Helpers
// --------------------------------------------------------------------------

// finish ends (commit=true) or aborts the in-flight migration of profile to node
func (m *monitorImpl) finish(profile int, node uint64, commit bool) error {
	e, ok := m.entries.Load(profile)
	if !ok {
		return monitor.UnknownProfile(profile)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state.Owner
	var err error
	if commit {
		err = e.state.End(profile, node)
	} else {
		err = e.state.Abort(profile, node)
	}
	if err != nil {
		return err
	}

	if _, err := m.locks.ReleaseLock(lockKey(profile), e.lockOwner); err != nil {
		Logger.Warningf("releasing migration marker of profile %d failed: %v", profile, err)
	}
	e.lockOwner = nil

	if commit {
		endTotal.Inc()
		Logger.Infof("profile %d is now owned by %d (was %d)", profile, node, from)
	} else {
		abortTotal.Inc()
		Logger.Warningf("migration of profile %d from %d to %d aborted", profile, from, node)
	}
	return nil
}

// expire aborts the in-flight migration of profile whose marker lease ran out.
// The caller holds e.mu.
func (m *monitorImpl) expire(profile int, e *entry) {
	stale := e.state.Target
	if err := e.state.Abort(profile, stale); err != nil {
		return
	}
	_, _ = m.locks.ReleaseLock(lockKey(profile), e.lockOwner)
	e.lockOwner = nil
	expiredTotal.Inc()
	Logger.Warningf("migration of profile %d from %d to %d expired after %s, aborted", profile, e.state.Owner, stale, m.lease)
}

func canceled(err error) error {
	return fmt.Errorf("%w: %w", store.NewError(store.RetCCanceled, "monitor call canceled"), err)
}
