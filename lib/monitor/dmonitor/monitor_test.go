package dmonitor

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/lib/monitor/dmonitor/internal"
	monitortesting "github.com/ValentinKolb/rKV/lib/monitor/testing"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localRaft applies proposals directly to a state machine, in log order
type localRaft struct {
	mu    sync.Mutex
	index uint64
	fsm   *MonitorStateMachine
	busy  int // number of proposals to reject with ErrSystemBusy
}

func (l *localRaft) SyncPropose(ctx context.Context, _ *client.Session, cmd []byte) (sm.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return sm.Result{}, err
	}
	if l.busy > 0 {
		l.busy--
		return sm.Result{}, dragonboat.ErrSystemBusy
	}
	l.index++
	entries, err := l.fsm.Update([]sm.Entry{{Index: l.index, Cmd: cmd}})
	if err != nil {
		return sm.Result{}, err
	}
	return entries[0].Result, nil
}

func (l *localRaft) SyncRead(_ context.Context, _ uint64, query interface{}) (interface{}, error) {
	return l.fsm.Lookup(query)
}

func newTestMonitor() (*monitorImpl, *localRaft) {
	raft := &localRaft{fsm: newStateMachine(1, 1)}
	return &monitorImpl{nh: raft, shardID: 1, timeout: time.Second}, raft
}

func Test(t *testing.T) {
	monitortesting.RunMonitorTests(t, "DistributedMonitor", func() monitor.IMonitor {
		m, _ := newTestMonitor()
		return m
	})
}

func TestSystemBusyIsRetried(t *testing.T) {
	m, raft := newTestMonitor()
	raft.busy = 2

	require.NoError(t, m.Register(context.Background(), 1, 1))
	owner, ok, err := m.Owner(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), owner)
}

func TestSystemBusyExhausted(t *testing.T) {
	m, raft := newTestMonitor()
	m.timeout = 10 * time.Millisecond
	raft.busy = retries

	err := m.Register(context.Background(), 1, 1)
	assert.ErrorIs(t, err, store.ErrCode(store.RetCInternalError))
}

func TestUpdateInvalidCommand(t *testing.T) {
	fsm := newStateMachine(1, 1)

	entries, err := fsm.Update([]sm.Entry{{Index: 1, Cmd: []byte{1, 2, 3}}, {Index: 2, Cmd: (&internal.Command{Type: internal.CommandType(99)}).Serialize()}})
	require.NoError(t, err)
	assert.Equal(t, uint64(store.RetCInternalError), entries[0].Result.Value)
	assert.Equal(t, uint64(store.RetCUnknownProfile), entries[1].Result.Value)

	fsm.table[1] = monitor.State{Owner: 1}
	entries, err = fsm.Update([]sm.Entry{{Index: 3, Cmd: (&internal.Command{Type: internal.CommandType(99), Profile: 1}).Serialize()}})
	require.NoError(t, err)
	assert.Equal(t, uint64(store.RetCInvalidOperation), entries[0].Result.Value)
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, raft := newTestMonitor()
	ctx := context.Background()

	for p := -2; p < 10; p++ {
		require.NoError(t, m.Register(ctx, p, uint64(p+3)))
	}
	_, err := m.NotifyMigration(ctx, 100, 4)
	require.NoError(t, err)

	snapshot, err := raft.fsm.PrepareSnapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, raft.fsm.SaveSnapshot(snapshot, &buf, nil, nil))

	restored := newStateMachine(1, 2)
	require.NoError(t, restored.RecoverFromSnapshot(bytes.NewReader(buf.Bytes()), nil, nil))
	assert.Equal(t, raft.fsm.table, restored.table)

	// the in-flight migration survives the snapshot
	assert.Equal(t, monitor.State{Owner: 7, InFlight: true, Target: 100}, restored.table[4])

	assert.Error(t, restored.RecoverFromSnapshot(bytes.NewReader([]byte("garbage!")), nil, nil))
}
