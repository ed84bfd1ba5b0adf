package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrClosed is returned by Send when the server of the endpoint was closed
var ErrClosed = errors.New("loopback endpoint closed")

// Network is a set of in-process servers addressed by endpoint name. Requests and responses
// are copied, so handlers never share memory with the caller.
type Network struct {
	endpoints *xsync.MapOf[string, *endpoint]
}

type endpoint struct {
	ready   chan struct{} // closed once a server listens
	once    sync.Once
	handler transport.ServerHandleFunc
	done    chan struct{} // closed when the server is closed
}

func NewNetwork() *Network {
	return &Network{endpoints: xsync.NewMapOf[string, *endpoint]()}
}

func (n *Network) endpoint(name string) *endpoint {
	ep, _ := n.endpoints.LoadOrCompute(name, func() *endpoint {
		return &endpoint{ready: make(chan struct{}), done: make(chan struct{})}
	})
	return ep
}

// NewServerTransport creates a server transport attached to the network
func (n *Network) NewServerTransport() transport.IRPCServerTransport {
	return &serverTransport{network: n, stop: make(chan struct{})}
}

// NewClientTransport creates a client transport attached to the network
func (n *Network) NewClientTransport() transport.IRPCClientTransport {
	return &clientTransport{network: n}
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

type serverTransport struct {
	network  *Network
	handler  transport.ServerHandleFunc
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	s.handler = handler
}

func (s *serverTransport) Listen(config common.TransportConfig) error {
	if s.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	ep := s.network.endpoint(config.Endpoint)

	started := false
	ep.once.Do(func() {
		ep.handler = s.handler
		close(ep.ready)
		started = true
	})
	if !started {
		return fmt.Errorf("endpoint %s already in use", config.Endpoint)
	}

	<-s.stop
	close(ep.done)
	s.network.endpoints.Delete(config.Endpoint)
	return nil
}

func (s *serverTransport) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

type clientTransport struct {
	network *Network
	config  common.TransportConfig
	next    uint64
	mu      sync.Mutex
}

func (c *clientTransport) Connect(config common.TransportConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	c.config = config
	return nil
}

// Send waits until a server listens on the endpoint, bounded by the ctx deadline or else the
// configured timeout
func (c *clientTransport) Send(ctx context.Context, target uint64, req []byte) ([]byte, error) {
	if len(c.config.Endpoints) == 0 {
		return nil, transport.ErrNoConnection
	}
	if timeout := transport.AttemptTimeout(ctx, c.config.Timeout()); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.mu.Lock()
	name := c.config.Endpoints[c.next%uint64(len(c.config.Endpoints))]
	c.next++
	c.mu.Unlock()

	ep := c.network.endpoint(name)
	select {
	case <-ep.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("endpoint %s: %w", name, ctx.Err())
	}
	select {
	case <-ep.done:
		return nil, ErrClosed
	default:
	}

	resp := make(chan []byte, 1)
	go func() {
		resp <- ep.handler(target, clone(req))
	}()

	select {
	case data := <-resp:
		return clone(data), nil
	case <-ep.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *clientTransport) Close() error {
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
