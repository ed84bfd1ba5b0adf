package client

import (
	"context"

	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
)

// NewRPCMonitor creates a client for the monitor hosted by the server behind config
// The function connects the transport, the caller closes it when done
// It returns a monitor.IMonitor and an error
func NewRPCMonitor(
	config common.ClientConfig,
	t transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (monitor.IMonitor, error) {
	// Connect the transport
	if err := t.Connect(config.Transport); err != nil {
		return nil, err
	}
	return NewRPCMonitorWithTransport(t, serializer), nil
}

// NewRPCMonitorWithTransport creates a monitor client on an already connected transport
func NewRPCMonitorWithTransport(t transport.IRPCClientTransport, serializer serializer.IRPCSerializer) monitor.IMonitor {
	return &rpcMonitor{
		rpcClientAdapter{
			target:     transport.MonitorTarget,
			transport:  t,
			serializer: serializer,
		},
	}
}

type rpcMonitor struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see monitor.IMonitor)
// --------------------------------------------------------------------------

func (m *rpcMonitor) Register(ctx context.Context, profile int, owner uint64) error {
	_, err := m.invoke(ctx, common.NewRegisterRequest(profile, owner))
	return err
}

func (m *rpcMonitor) NotifyMigration(ctx context.Context, requester uint64, profile int) (uint64, error) {
	resp, err := m.invoke(ctx, common.NewBeginRequest(requester, profile))
	if err != nil {
		return 0, err
	}
	return resp.Node, nil
}

func (m *rpcMonitor) NotifyEndMigration(ctx context.Context, node uint64, profile int) error {
	_, err := m.invoke(ctx, common.NewEndRequest(node, profile))
	return err
}

func (m *rpcMonitor) AbortMigration(ctx context.Context, node uint64, profile int) error {
	_, err := m.invoke(ctx, common.NewAbortRequest(node, profile))
	return err
}

func (m *rpcMonitor) Owner(ctx context.Context, profile int) (uint64, bool, error) {
	resp, err := m.invoke(ctx, common.NewOwnerRequest(profile))
	if err != nil {
		return 0, false, err
	}
	return resp.Node, resp.Ok, nil
}

func (m *rpcMonitor) Owners(ctx context.Context) (map[int]uint64, error) {
	resp, err := m.invoke(ctx, common.NewOwnersRequest())
	if err != nil {
		return nil, err
	}
	if resp.Owners == nil {
		return map[int]uint64{}, nil
	}
	return resp.Owners, nil
}
