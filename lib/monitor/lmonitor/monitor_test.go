package lmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/monitor"
	monitortesting "github.com/ValentinKolb/rKV/lib/monitor/testing"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test(t *testing.T) {
	monitortesting.RunMonitorTests(t, "LocalMonitor", func() monitor.IMonitor {
		return NewLocalMonitor()
	})
}

func TestMarkerFollowsMigration(t *testing.T) {
	m := NewLocalMonitor().(*monitorImpl)
	ctx := context.Background()

	if err := m.Register(ctx, 3, 1); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := m.NotifyMigration(ctx, 2, 3); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if !m.locks.IsLocked(lockKey(3)) {
		t.Errorf("expected profile 3 to be marked as migrating")
	}
	if err := m.NotifyEndMigration(ctx, 2, 3); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if m.locks.IsLocked(lockKey(3)) {
		t.Errorf("expected the marker of profile 3 to be released")
	}
}

func TestMigrationLeaseExpires(t *testing.T) {
	m := NewLocalMonitorWithOptions(Options{MigrationLease: time.Minute}).(*monitorImpl)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, 3, 1))
	_, err := m.NotifyMigration(ctx, 2, 3)
	require.NoError(t, err)

	// the lease still runs
	now = now.Add(59 * time.Second)
	_, err = m.NotifyMigration(ctx, 4, 3)
	assert.ErrorIs(t, err, store.ErrCode(store.RetCMigrationConflict))

	// node 2 never came back, node 4 takes over
	now = now.Add(2 * time.Second)
	source, err := m.NotifyMigration(ctx, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), source)
	assert.True(t, m.locks.IsLocked(lockKey(3)))

	err = m.NotifyEndMigration(ctx, 2, 3)
	assert.ErrorIs(t, err, store.ErrCode(store.RetCNotMigrating))
	require.NoError(t, m.NotifyEndMigration(ctx, 4, 3))

	owner, _, err := m.Owner(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), owner)
	assert.False(t, m.locks.IsLocked(lockKey(3)))
}

func TestExpiredMigrationCanStillEnd(t *testing.T) {
	m := NewLocalMonitorWithOptions(Options{MigrationLease: time.Second}).(*monitorImpl)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, 3, 1))
	_, err := m.NotifyMigration(ctx, 2, 3)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	require.NoError(t, m.NotifyEndMigration(ctx, 2, 3))
	owner, _, err := m.Owner(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), owner)
}

func TestWithoutLeaseMigrationsStayInFlight(t *testing.T) {
	m := NewLocalMonitor().(*monitorImpl)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, 3, 1))
	_, err := m.NotifyMigration(ctx, 2, 3)
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	_, err = m.NotifyMigration(ctx, 4, 3)
	assert.ErrorIs(t, err, store.ErrCode(store.RetCMigrationConflict))
}
