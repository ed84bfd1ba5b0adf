package server

import (
	"context"

	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
)

// NewMonitorServerAdapter creates an adapter that dispatches monitor requests to mon
func NewMonitorServerAdapter(mon monitor.IMonitor) IRPCServerAdapter {
	return &monitorServerAdapter{monitor: mon}
}

type monitorServerAdapter struct {
	monitor monitor.IMonitor
}

func (adapter *monitorServerAdapter) Handle(ctx context.Context, req *common.Message) *common.Message {
	// Check for nil monitor
	if adapter.monitor == nil {
		return common.NewErrorResponse(store.NewError(store.RetCInternalError, "handler: monitor is nil"))
	}
	mon := adapter.monitor

	// Handle different message types
	switch req.MsgType {
	case common.MsgTMonRegister:
		err := mon.Register(ctx, req.Profile, req.Node)
		return common.NewResponse(req.MsgType, err)
	case common.MsgTMonBegin:
		source, err := mon.NotifyMigration(ctx, req.Node, req.Profile)
		return common.NewBeginResponse(source, err)
	case common.MsgTMonEnd:
		err := mon.NotifyEndMigration(ctx, req.Node, req.Profile)
		return common.NewResponse(req.MsgType, err)
	case common.MsgTMonAbort:
		err := mon.AbortMigration(ctx, req.Node, req.Profile)
		return common.NewResponse(req.MsgType, err)
	case common.MsgTMonOwner:
		owner, ok, err := mon.Owner(ctx, req.Profile)
		return common.NewOwnerResponse(owner, ok, err)
	case common.MsgTMonOwners:
		owners, err := mon.Owners(ctx)
		return common.NewOwnersResponse(owners, err)
	default:
		return common.NewErrorResponse(
			store.Errorf(store.RetCUnsupportedOperation, "monitor: unsupported message type %s", req.MsgType),
		)
	}
}
