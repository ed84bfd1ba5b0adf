package transport

import (
	"context"

	"github.com/ValentinKolb/rKV/rpc/common"
)

// MonitorTarget is the target id of the monitor. Every other target is a node id.
const MonitorTarget uint64 = 0

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the target id and a request as parameters and returns a response
type ServerHandleFunc func(target uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	// The transport layer passes the target of the request, the handler routes it
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves incoming requests until Close is called.
	// It returns nil after Close.
	Listen(config common.TransportConfig) error
	// Close stops the listener
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.TransportConfig) error
	// Send sends a request to the target and returns the response. Failed attempts are
	// retried RetryCount times with exponential backoff until ctx ends.
	Send(ctx context.Context, target uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
