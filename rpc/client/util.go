package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
// Used by the RPCPeer and RPCMonitor with composition pattern
type rpcClientAdapter struct {
	target     uint64
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

func (a *rpcClientAdapter) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	return invokeRPCRequest(ctx, a.target, req, a.transport, a.serializer)
}

// invokeRPCRequest is a helper function used for all RPC Clients to send requests
// It takes a target id, a request message, a transport layer and a serializer as parameters
// It returns a response message and an error if any occurs
// This method also checks if the response is an error response and if the type of the response is the expected type.
// An error response is returned together with the message, results of failed batches are still readable.
func invokeRPCRequest(
	ctx context.Context,
	target uint64,
	req *common.Message,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s request: %w", req.MsgType, err)
	}

	// Send the request
	respBytes, err := transport.Send(ctx, target, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("%s request to target %d failed: %w", req.MsgType, target, err)
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s response: %w", req.MsgType, err)
	}

	// Check if the response is an error response
	if err := resp.Error(); err != nil {
		return resp, err
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}

	// Return the response
	return resp, nil
}
