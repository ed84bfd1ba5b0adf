package server

import (
	"context"

	"github.com/ValentinKolb/rKV/lib/node"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
)

// NewNodeServerAdapter creates an adapter that dispatches node requests to peer
func NewNodeServerAdapter(peer node.Peer) IRPCServerAdapter {
	return &nodeServerAdapter{peer: peer}
}

type nodeServerAdapter struct {
	peer node.Peer
}

func (adapter *nodeServerAdapter) Handle(ctx context.Context, req *common.Message) *common.Message {
	// Check for nil peer
	if adapter.peer == nil {
		return common.NewErrorResponse(store.NewError(store.RetCInternalError, "handler: node is nil"))
	}
	peer := adapter.peer

	// Handle different message types
	switch req.MsgType {
	case common.MsgTNodeExecute:
		results, err := peer.ExecuteOperations(ctx, req.Ops)
		return common.NewResultsResponse(req.MsgType, results, err)
	case common.MsgTNodeInject:
		results, err := peer.InjectData(ctx, req.Ops)
		return common.NewResultsResponse(req.MsgType, results, err)
	case common.MsgTNodeTransfuse:
		err := peer.TransfuseData(ctx, req.Profile, req.Node)
		return common.NewResponse(req.MsgType, err)
	case common.MsgTNodeMigrate:
		err := peer.Migrate(ctx, req.Profiles)
		return common.NewResponse(req.MsgType, err)
	case common.MsgTNodeToken:
		if req.Token == nil {
			return common.NewResponse(req.MsgType, store.NewError(store.RetCInvalidOperation, "token request without token"))
		}
		err := peer.ReceiveToken(ctx, *req.Token)
		return common.NewResponse(req.MsgType, err)
	case common.MsgTNodeDump:
		records, err := peer.Dump(ctx)
		return common.NewDumpResponse(records, err)
	case common.MsgTNodeInfo:
		info, err := peer.Info(ctx)
		return common.NewInfoResponse(info, err)
	default:
		return common.NewErrorResponse(
			store.Errorf(store.RetCUnsupportedOperation, "node %d: unsupported message type %s", peer.ID(), req.MsgType),
		)
	}
}
