package testing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MonitorFactory creates a new, empty monitor
type MonitorFactory func() monitor.IMonitor

// RunMonitorTests runs the conformance suite for an IMonitor implementation
func RunMonitorTests(t *testing.T, name string, factory MonitorFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Register", func(t *testing.T) {
			testRegister(t, factory())
		})

		t.Run("MigrationLifecycle", func(t *testing.T) {
			testMigrationLifecycle(t, factory())
		})

		t.Run("Abort", func(t *testing.T) {
			testAbort(t, factory())
		})

		t.Run("Errors", func(t *testing.T) {
			testErrors(t, factory())
		})

		t.Run("AtMostOneMigration", func(t *testing.T) {
			testAtMostOneMigration(t, factory())
		})

		t.Run("IndependentProfiles", func(t *testing.T) {
			testIndependentProfiles(t, factory())
		})
	})
}

func testRegister(t *testing.T, m monitor.IMonitor) {
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, 1, 10))
	require.NoError(t, m.Register(ctx, 2, 20))
	require.NoError(t, m.Register(ctx, 1, 10), "re-registering the same owner is a no-op")
	assert.ErrorIs(t, m.Register(ctx, 1, 20), store.ErrCode(store.RetCInvalidOperation))

	owner, ok, err := m.Owner(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), owner)

	_, ok, err = m.Owner(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	owners, err := m.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]uint64{1: 10, 2: 20}, owners)
}

func testMigrationLifecycle(t *testing.T, m monitor.IMonitor) {
	ctx := context.Background()
	require.NoError(t, m.Register(ctx, 5, 1))

	source, err := m.NotifyMigration(ctx, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), source)

	// ownership does not change before the end
	owner, _, _ := m.Owner(ctx, 5)
	assert.Equal(t, uint64(1), owner)

	require.NoError(t, m.NotifyEndMigration(ctx, 2, 5))
	owner, _, _ = m.Owner(ctx, 5)
	assert.Equal(t, uint64(2), owner)

	// and back again
	source, err = m.NotifyMigration(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), source)
	require.NoError(t, m.NotifyEndMigration(ctx, 1, 5))
	owner, _, _ = m.Owner(ctx, 5)
	assert.Equal(t, uint64(1), owner)
}

func testAbort(t *testing.T, m monitor.IMonitor) {
	ctx := context.Background()
	require.NoError(t, m.Register(ctx, 5, 1))

	_, err := m.NotifyMigration(ctx, 2, 5)
	require.NoError(t, err)
	assert.ErrorIs(t, m.AbortMigration(ctx, 3, 5), store.ErrCode(store.RetCNotMigrating))
	require.NoError(t, m.AbortMigration(ctx, 2, 5))

	owner, _, _ := m.Owner(ctx, 5)
	assert.Equal(t, uint64(1), owner)

	// the profile is free again
	_, err = m.NotifyMigration(ctx, 3, 5)
	require.NoError(t, err)
	require.NoError(t, m.NotifyEndMigration(ctx, 3, 5))
	owner, _, _ = m.Owner(ctx, 5)
	assert.Equal(t, uint64(3), owner)
}

func testErrors(t *testing.T, m monitor.IMonitor) {
	ctx := context.Background()
	require.NoError(t, m.Register(ctx, 1, 1))

	_, err := m.NotifyMigration(ctx, 2, 99)
	assert.ErrorIs(t, err, store.ErrCode(store.RetCUnknownProfile))

	_, err = m.NotifyMigration(ctx, 1, 1)
	assert.ErrorIs(t, err, store.ErrCode(store.RetCAlreadyOwner))

	assert.ErrorIs(t, m.NotifyEndMigration(ctx, 2, 1), store.ErrCode(store.RetCNotMigrating))

	_, err = m.NotifyMigration(ctx, 2, 1)
	require.NoError(t, err)
	_, err = m.NotifyMigration(ctx, 3, 1)
	assert.ErrorIs(t, err, store.ErrCode(store.RetCMigrationConflict))
	assert.ErrorIs(t, m.NotifyEndMigration(ctx, 3, 1), store.ErrCode(store.RetCNotMigrating))
	require.NoError(t, m.NotifyEndMigration(ctx, 2, 1))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.NotifyMigration(canceled, 3, 1)
	assert.Error(t, err)
}

func testAtMostOneMigration(t *testing.T, m monitor.IMonitor) {
	ctx := context.Background()
	require.NoError(t, m.Register(ctx, 7, 1))

	const requesters = 16
	var admitted atomic.Int32
	var winner atomic.Uint64

	var wg sync.WaitGroup
	for r := uint64(2); r < requesters+2; r++ {
		wg.Add(1)
		go func(r uint64) {
			defer wg.Done()
			if _, err := m.NotifyMigration(ctx, r, 7); err == nil {
				admitted.Add(1)
				winner.Store(r)
			} else {
				assert.ErrorIs(t, err, store.ErrCode(store.RetCMigrationConflict))
			}
		}(r)
	}
	wg.Wait()

	require.Equal(t, int32(1), admitted.Load())
	require.NoError(t, m.NotifyEndMigration(ctx, winner.Load(), 7))

	owner, _, _ := m.Owner(ctx, 7)
	assert.Equal(t, winner.Load(), owner)
}

func testIndependentProfiles(t *testing.T, m monitor.IMonitor) {
	ctx := context.Background()
	for p := 0; p < 8; p++ {
		require.NoError(t, m.Register(ctx, p, 1))
	}

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, err := m.NotifyMigration(ctx, 2, p)
			assert.NoError(t, err)
			assert.NoError(t, m.NotifyEndMigration(ctx, 2, p))
		}(p)
	}
	wg.Wait()

	owners, err := m.Owners(ctx)
	require.NoError(t, err)
	for p := 0; p < 8; p++ {
		assert.Equal(t, uint64(2), owners[p])
	}
}
