package dmonitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/lib/monitor/dmonitor/internal"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

var (
	retries = 5
	Logger  = logger.GetLogger("monitor")
)

// proposer is the part of a dragonboat NodeHost used by the monitor
type proposer interface {
	SyncPropose(ctx context.Context, session *client.Session, cmd []byte) (sm.Result, error)
	SyncRead(ctx context.Context, shardID uint64, query interface{}) (interface{}, error)
}

// monitorImpl talks to the MonitorStateMachine through a dragonboat NodeHost.
type monitorImpl struct {
	nh      proposer
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

// NewDistributedMonitor creates a monitor whose ownership table is replicated with raft.
// The shard must have been started with CreateStateMachineFactory.
func NewDistributedMonitor(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) monitor.IMonitor {
	return &monitorImpl{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// write proposes a command and converts a non-success result into a *store.Error
func (m *monitorImpl) write(ctx context.Context, cmd internal.Command) ([]byte, error) {
	for i := 0; i < retries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", store.NewError(store.RetCCanceled, "propose canceled"), err)
		}

		proposeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		res, err := m.nh.SyncPropose(proposeCtx, m.cs, cmd.Serialize())
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			Logger.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(m.timeout / 10)
			continue
		}

		if err != nil {
			return nil, store.NewError(store.RetCInternalError, err.Error())
		}
		if res.Value != uint64(store.RetCSuccess) {
			return nil, store.NewError(store.RetCode(res.Value), string(res.Data))
		}
		return res.Data, nil
	}
	return nil, store.NewError(store.RetCInternalError, "timeout")
}

// read queries the state machine with SyncRead and casts the response into R
func read[R any](ctx context.Context, m *monitorImpl, q internal.Query) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		readCtx, cancel := context.WithTimeout(ctx, m.timeout)
		res, err := m.nh.SyncRead(readCtx, m.shardID, q)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			Logger.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(m.timeout / 10)
			continue
		}

		if err != nil {
			var se *store.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, store.NewError(store.RetCInternalError, err.Error())
		}

		casted, ok := res.(R)
		if !ok {
			return zero, store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, store.NewError(store.RetCInternalError, "timeout")
}

// --------------------------------------------------------------------------
// Interface Methods (docu see monitor/interface.go)
// --------------------------------------------------------------------------

func (m *monitorImpl) Register(ctx context.Context, profile int, owner uint64) error {
	_, err := m.write(ctx, internal.Command{Type: internal.CommandTRegister, Profile: profile, Node: owner})
	return err
}

func (m *monitorImpl) NotifyMigration(ctx context.Context, requester uint64, profile int) (uint64, error) {
	data, err := m.write(ctx, internal.Command{Type: internal.CommandTBegin, Profile: profile, Node: requester})
	if err != nil {
		return 0, err
	}
	source, err := internal.DecodeNode(data)
	if err != nil {
		return 0, store.NewError(store.RetCInternalError, err.Error())
	}
	return source, nil
}

func (m *monitorImpl) NotifyEndMigration(ctx context.Context, node uint64, profile int) error {
	_, err := m.write(ctx, internal.Command{Type: internal.CommandTEnd, Profile: profile, Node: node})
	return err
}

func (m *monitorImpl) AbortMigration(ctx context.Context, node uint64, profile int) error {
	_, err := m.write(ctx, internal.Command{Type: internal.CommandTAbort, Profile: profile, Node: node})
	return err
}

func (m *monitorImpl) Owner(ctx context.Context, profile int) (uint64, bool, error) {
	res, err := read[internal.OwnerResult](ctx, m, internal.Query{Type: internal.QueryTOwner, Profile: profile})
	if err != nil {
		return 0, false, err
	}
	return res.Owner, res.Ok, nil
}

func (m *monitorImpl) Owners(ctx context.Context) (map[int]uint64, error) {
	return read[map[int]uint64](ctx, m, internal.Query{Type: internal.QueryTOwners})
}
