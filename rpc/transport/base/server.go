package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.TransportConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.TransportConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector         IServerConnector
	handler           transport.ServerHandleFunc
	config            common.TransportConfig
	defaultBufferSize int
	bufferPool        *sync.Pool
	maxWorkersPerConn int

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup // one per open connection
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with per-connection worker pool.
// defaultBufferSize is used when the config does not set a buffer size.
func NewBaseServerTransport(connector IServerConnector, defaultBufferSize int) transport.IRPCServerTransport {
	return &serverTransport{
		connector:         connector,
		defaultBufferSize: defaultBufferSize,
		conns:             make(map[net.Conn]struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.TransportConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	t.config = config

	bufferSize := t.defaultBufferSize
	if config.BufferSize > 0 {
		bufferSize = config.BufferSize
	}
	t.bufferPool = &sync.Pool{
		New: func() interface{} {
			return make([]byte, bufferSize)
		},
	}

	// minimum one worker per connection
	t.maxWorkersPerConn = max(config.WorkersPerConn, 1)

	// Create listener using the connector
	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	t.listener = listener
	t.mu.Unlock()

	Logger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), listener.Addr(), t.maxWorkersPerConn)

	// Accept connections
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
		}

		if !t.track(conn) {
			_ = conn.Close()
			return nil
		}

		// Handle the connection in a goroutine
		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Close() error {
	t.mu.Lock()
	if !t.closed.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return nil
	}
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.conns {
		_ = conn.Close()
	}
	t.mu.Unlock()

	// Wait for the connection handlers and their in-flight requests
	t.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// track registers an accepted connection, it returns false once the transport is closed
func (t *serverTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	t.conns[conn] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *serverTransport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	t.wg.Done()
}

// handleConnection handles incoming requests for one connection
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer t.untrack(conn)
	defer conn.Close()

	timeout := t.config.Timeout()

	// Create a semaphore to limit concurrent workers for this connection
	// The buffered channel acts as a counting semaphore
	workerSemaphore := make(chan struct{}, t.maxWorkersPerConn)

	// Create a wait group to wait for all workers to finish
	var wg sync.WaitGroup

	// Create a mutex to protect writes to the connection
	var connMutex sync.Mutex

	// Handler function that processes requests in worker goroutines
	handleResponse := func(target, requestID uint64, data []byte) {
		// When done, release the semaphore and mark worker as done
		defer func() {
			<-workerSemaphore // Release semaphore slot
			wg.Done()         // Mark worker as done
		}()

		// Process the request
		start := time.Now()
		resp := t.handler(target, data)
		Logger.Debugf("Processed request for target %d with requestID %d took %s", target, requestID, time.Since(start))

		// Protect writes to the connection with a mutex
		connMutex.Lock()
		defer connMutex.Unlock()

		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				Logger.Errorf("Failed to set write deadline: %v", err)
				return
			}
		}

		// Write the response with the same requestID
		if err := writeFrame(conn, target, requestID, resp); err != nil {
			Logger.Errorf("Failed to write response: %v", err)
		}
	}

	// Function to handle incoming requests. Idle connections are kept open,
	// Close unblocks the read by closing the connection.
	handleRequest := func() error {
		// Get a buffer from the pool
		buf := t.bufferPool.Get().([]byte)

		// Read the frame with requestID
		target, requestID, data, err := readFrame(conn, buf)

		// Error reading frame
		if err != nil {
			t.bufferPool.Put(buf)
			return err
		}

		// Acquire a slot in the semaphore (blocks if maxWorkersPerConn is reached)
		// This is the key mechanism that limits the number of concurrent workers
		workerSemaphore <- struct{}{}

		// Increment the wait group counter
		wg.Add(1)

		// Process in a goroutine
		go func() {
			defer t.bufferPool.Put(buf)
			handleResponse(target, requestID, data)
		}()

		return nil
	}

	// Handle requests in a loop
	for {
		// Handle request
		err := handleRequest()

		// Case EOF: Connection closed by client
		if errors.Is(err, io.EOF) {
			Logger.Debugf("Connection closed by client")
			break
		}

		// Case error: log and close connection
		if err != nil {
			if !t.closed.Load() {
				Logger.Errorf("Error handling request: %v", err)
			}
			break
		}
	}

	// Wait for all workers to finish before closing the connection
	// This ensures we don't lose any in-progress work
	wg.Wait()
}
