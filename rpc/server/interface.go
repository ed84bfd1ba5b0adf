package server

import (
	"context"

	"github.com/ValentinKolb/rKV/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// The context ends when the request timed out or the server is closed.
	// If an error occurs, it should be set in the response
	Handle(ctx context.Context, req *common.Message) (resp *common.Message)
}
