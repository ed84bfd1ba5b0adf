package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/rKV/lib/node"
	"github.com/ValentinKolb/rKV/lib/ring"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
)

// NewRPCPeer creates a client for the node id served by the endpoints in config
// The function connects the transport, the caller closes it when done
// It returns a node.Peer and an error
func NewRPCPeer(
	id uint64,
	config common.ClientConfig,
	t transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
	opts ...PeerOption,
) (node.Peer, error) {
	if id == transport.MonitorTarget {
		return nil, node.ErrReservedID
	}

	// Connect the transport
	if err := t.Connect(config.Transport); err != nil {
		return nil, err
	}

	return NewRPCPeerWithTransport(id, t, serializer, opts...), nil
}

// DefaultMigrationTimeout bounds Migrate and TransfuseData calls whose context has no deadline.
const DefaultMigrationTimeout = 30 * time.Second

// PeerOption configures a peer client.
type PeerOption func(*rpcPeer)

// WithMigrationTimeout sets the time Migrate and TransfuseData may take. Both copy whole
// profiles and run far longer than the transport timeout allows for normal requests.
func WithMigrationTimeout(d time.Duration) PeerOption {
	return func(p *rpcPeer) {
		if d > 0 {
			p.migrationTimeout = d
		}
	}
}

// NewRPCPeerWithTransport creates a client for node id on an already connected transport.
// Several peers and a monitor client may share one transport when they are hosted by the same server.
func NewRPCPeerWithTransport(id uint64, t transport.IRPCClientTransport, serializer serializer.IRPCSerializer, opts ...PeerOption) node.Peer {
	p := &rpcPeer{
		rpcClientAdapter: rpcClientAdapter{
			target:     id,
			transport:  t,
			serializer: serializer,
		},
		migrationTimeout: DefaultMigrationTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type rpcPeer struct {
	rpcClientAdapter
	migrationTimeout time.Duration
}

// long gives ctx the migration timeout unless the caller already set a deadline
func (p *rpcPeer) long(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.migrationTimeout)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see node.Peer)
// --------------------------------------------------------------------------

func (p *rpcPeer) ID() uint64 {
	return p.target
}

func (p *rpcPeer) ExecuteOperations(ctx context.Context, ops []store.Operation) ([]store.OperationResult, error) {
	return p.results(ctx, common.NewExecuteRequest(ops), len(ops))
}

func (p *rpcPeer) InjectData(ctx context.Context, ops []store.Operation) ([]store.OperationResult, error) {
	return p.results(ctx, common.NewInjectRequest(ops), len(ops))
}

// results sends a batch and always returns one result per operation
func (p *rpcPeer) results(ctx context.Context, req *common.Message, n int) ([]store.OperationResult, error) {
	resp, err := p.invoke(ctx, req)
	if resp != nil && len(resp.Results) == n {
		return resp.Results, err
	}
	if err == nil {
		err = store.Errorf(store.RetCInternalError, "node %d returned %d results for %d operations", p.target, len(resp.Results), n)
	}
	return make([]store.OperationResult, n), err
}

func (p *rpcPeer) TransfuseData(ctx context.Context, profile int, target uint64) error {
	ctx, cancel := p.long(ctx)
	defer cancel()
	_, err := p.invoke(ctx, common.NewTransfuseRequest(profile, target))
	return err
}

func (p *rpcPeer) Migrate(ctx context.Context, profiles []int) error {
	ctx, cancel := p.long(ctx)
	defer cancel()
	_, err := p.invoke(ctx, common.NewMigrateRequest(profiles))
	return err
}

func (p *rpcPeer) ReceiveToken(ctx context.Context, tok ring.Token) error {
	_, err := p.invoke(ctx, common.NewTokenRequest(tok))
	return err
}

func (p *rpcPeer) Dump(ctx context.Context) ([]store.Record, error) {
	resp, err := p.invoke(ctx, common.NewDumpRequest())
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (p *rpcPeer) Info(ctx context.Context) (node.Info, error) {
	var info node.Info
	resp, err := p.invoke(ctx, common.NewInfoRequest())
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(resp.Value, &info); err != nil {
		return info, fmt.Errorf("failed to decode info of node %d: %w", p.target, err)
	}
	return info, nil
}
