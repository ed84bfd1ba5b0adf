package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

var errConnectionClosed = errors.New("connection is closed")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(endpoint string, timeout time.Duration) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.TransportConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientConnection represents a single net connection. While the connection is lost conn is
// nil and the reader goroutine reconnects in the background.
type clientConnection struct {
	endpoint     string
	parent       *clientTransport
	connMu       sync.Mutex // Protects conn and serializes writes
	conn         net.Conn
	requestChans *xsync.MapOf[uint64, chan responseResult]
	stopCh       chan struct{} // Close signal for the reader goroutine
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.TransportConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex atomic.Uint64 // Round Robin
	nextRequestID atomic.Uint64 // unique request IDs
	readers       sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

// Connect opens ConnectionsPerEndpoint connections to every endpoint. Connections that cannot
// be established yet keep reconnecting in the background. An error is returned when no
// connection could be established, the transport stays usable once an endpoint comes up.
func (t *clientTransport) Connect(config common.TransportConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()

	// Store the config
	t.config = config

	// Set default value for ConnectionsPerEndpoint
	connectionsPerEP := max(config.ConnectionsPerEndpoint, 1)

	connections := make([]*clientConnection, 0, len(config.Endpoints)*connectionsPerEP)
	connected := 0

	// Initialize client connections
	for _, endpoint := range config.Endpoints {
		// Create multiple connections per endpoint
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint:     endpoint,
				stopCh:       make(chan struct{}),
				requestChans: xsync.NewMapOf[uint64, chan responseResult](),
				parent:       t,
			}

			// Establish the initial connection
			if err := clientConn.reconnect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
			} else {
				connected++
				Logger.Debugf("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)
			}
			connections = append(connections, clientConn)

			// Start the response reader
			t.readers.Add(1)
			go clientConn.readResponses()
		}
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	// Check if we have at least one connection
	if connected == 0 {
		return fmt.Errorf("failed to connect to any endpoint of %v", config.Endpoints)
	}

	Logger.Infof("Connected to %d out of %d connections to %d endpoints using %s transport",
		connected, len(connections), len(config.Endpoints), t.connector.GetName())

	return nil
}

func (t *clientTransport) Send(ctx context.Context, target uint64, req []byte) (resp []byte, err error) {
	var lastErr error

	// We always try at least once, and up to RetryCount times
	attempts := max(t.config.RetryCount, 1)

	for i := 0; i < attempts; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return nil, transport.ErrNoConnection
		}

		// Try with this connection
		data, err := conn.send(ctx, target, t.nextRequestID.Add(1), req)
		if err == nil {
			return data, nil
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d to target %d failed: %v", i+1, attempts, target, err)

		if ctx.Err() != nil {
			break
		}
		if i < attempts-1 {
			if err := transport.Sleep(ctx, transport.Backoff(i)); err != nil {
				break
			}
		}
	}

	// All attempts failed
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", attempts, lastErr)
}

func (t *clientTransport) Close() error {
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next connection via Round Robin, skipping lost connections
// when a live one exists
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	n := uint64(len(t.connections))
	if n == 0 {
		return nil
	}

	// optimize for single connection
	if n == 1 {
		return t.connections[0]
	}

	start := t.nextConnIndex.Add(1)
	for i := uint64(0); i < n; i++ {
		c := t.connections[(start+i)%n]
		if c.alive() {
			return c
		}
	}
	return t.connections[start%n]
}

// closeConnections closes all active connections and waits for their readers
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, c := range connections {
		// Signal reader goroutine to stop
		close(c.stopCh)

		// Close the connection, this unblocks the reader
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connMu.Unlock()
	}
	t.readers.Wait()
}

func (c *clientConnection) alive() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *clientConnection) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// send writes one request frame and waits for the matching response
func (c *clientConnection) send(ctx context.Context, target, requestID uint64, req []byte) ([]byte, error) {
	timeout := transport.AttemptTimeout(ctx, c.parent.config.Timeout())

	// Create a channel for the response
	respCh := make(chan responseResult, 1)

	// Register the request, ensure we clean up when done
	c.requestChans.Store(requestID, respCh)
	defer c.requestChans.Delete(requestID)

	// Lock the connection only for writing
	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return nil, errConnectionClosed
	}
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := writeFrame(c.conn, target, requestID, req)
	c.connMu.Unlock()

	if err != nil {
		return nil, err
	}

	// Wait for response or timeout
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-timeoutCh:
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readResponses reads responses in a loop and distributes them to waiting requests.
// A lost connection fails every pending request and is restored with backoff.
func (c *clientConnection) readResponses() {
	defer c.parent.readers.Done()

	for attempt := 0; ; {
		if c.stopped() {
			return
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		// Case not connected: try to restore the connection
		if conn == nil {
			if err := c.reconnect(); err != nil {
				Logger.Debugf("Failed to reconnect to %s: %v", c.endpoint, err)
				select {
				case <-c.stopCh:
					return
				case <-time.After(transport.Backoff(attempt)):
				}
				attempt++
				continue
			}
			attempt = 0
			continue
		}

		// Read the response frame
		target, requestID, data, err := readFrame(conn, nil)
		if err != nil {
			if c.stopped() {
				return
			}
			Logger.Warningf("Connection to %s lost: %v", c.endpoint, err)
			c.drop(conn, fmt.Errorf("error reading response: %w", err))
			continue
		}

		// Find the corresponding request channel
		if respCh, found := c.requestChans.Load(requestID); found {
			select {
			case respCh <- responseResult{data: data}:
			default:
			}
		} else {
			// Response of a request that already timed out
			Logger.Debugf("Received response for unknown request ID %d with target %d", requestID, target)
		}
	}
}

// drop closes a broken connection and fails every request waiting on it
func (c *clientConnection) drop(conn net.Conn, err error) {
	c.connMu.Lock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.requestChans.Range(func(_ uint64, respCh chan responseResult) bool {
		select {
		case respCh <- responseResult{err: err}:
		default:
		}
		return true
	})
}

// reconnect establishes or restores a connection to the endpoint
func (c *clientConnection) reconnect() error {
	conn, err := c.parent.connector.Connect(c.endpoint, c.parent.config.Timeout())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.stopped() {
		_ = conn.Close()
		return errConnectionClosed
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	return nil
}
