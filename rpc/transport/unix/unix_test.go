package unix

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler answers with the target id followed by the request
func echoHandler(target uint64, req []byte) []byte {
	resp := binary.BigEndian.AppendUint64(nil, target)
	return append(resp, req...)
}

func startServer(t *testing.T, socket string) transport.IRPCServerTransport {
	t.Helper()
	srv := NewUnixServerTransport()
	srv.RegisterHandler(echoHandler)

	done := make(chan error, 1)
	go func() { done <- srv.Listen(common.TransportConfig{Endpoint: socket, WorkersPerConn: 4}) }()

	// wait for the socket
	require.Eventually(t, func() bool {
		c, err := (&clientConnector{}).Connect(socket, time.Second)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})
	return srv
}

func clientConfig(socket string) common.TransportConfig {
	return common.TransportConfig{
		Endpoints:              []string{socket},
		TimeoutSecond:          2,
		RetryCount:             5,
		ConnectionsPerEndpoint: 2,
	}
}

func TestSendRoutesTarget(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "rkv.sock")
	startServer(t, socket)

	cli := NewUnixClientTransport()
	require.NoError(t, cli.Connect(clientConfig(socket)))
	defer cli.Close()

	for _, target := range []uint64{transport.MonitorTarget, 1, 42} {
		resp, err := cli.Send(context.Background(), target, []byte("ping"))
		require.NoError(t, err)
		require.Len(t, resp, 12)
		assert.Equal(t, target, binary.BigEndian.Uint64(resp[:8]))
		assert.Equal(t, "ping", string(resp[8:]))
	}
}

func TestConcurrentRequests(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "rkv.sock")
	startServer(t, socket)

	cli := NewUnixClientTransport()
	require.NoError(t, cli.Connect(clientConfig(socket)))
	defer cli.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := binary.BigEndian.AppendUint64(nil, uint64(i))
			resp, err := cli.Send(context.Background(), uint64(i), req)
			if err != nil {
				errs <- err
				return
			}
			if binary.BigEndian.Uint64(resp[8:]) != uint64(i) {
				errs <- assert.AnError
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("request failed: %v", err)
	}
}

func TestLargeFrame(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "rkv.sock")
	startServer(t, socket)

	cli := NewUnixClientTransport()
	require.NoError(t, cli.Connect(clientConfig(socket)))
	defer cli.Close()

	// larger than the default server buffer
	req := make([]byte, 3*defaultBufferSize)
	for i := range req {
		req[i] = byte(i)
	}
	resp, err := cli.Send(context.Background(), 7, req)
	require.NoError(t, err)
	assert.Equal(t, req, resp[8:])
}

func TestReconnectAfterRestart(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "rkv.sock")

	srv := NewUnixServerTransport()
	srv.RegisterHandler(echoHandler)
	done := make(chan error, 1)
	go func() { done <- srv.Listen(common.TransportConfig{Endpoint: socket}) }()

	cli := NewUnixClientTransport()
	require.Eventually(t, func() bool { return cli.Connect(clientConfig(socket)) == nil }, 2*time.Second, 5*time.Millisecond)
	defer cli.Close()

	_, err := cli.Send(context.Background(), 1, []byte("a"))
	require.NoError(t, err)

	// stop the server: requests fail
	require.NoError(t, srv.Close())
	require.NoError(t, <-done)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	_, err = cli.Send(ctx, 1, []byte("b"))
	cancel()
	require.Error(t, err)

	// restart: the client reconnects in the background
	startServer(t, socket)
	require.Eventually(t, func() bool {
		_, err := cli.Send(context.Background(), 1, []byte("c"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendHonorsContext(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "rkv.sock")

	srv := NewUnixServerTransport()
	block := make(chan struct{})
	srv.RegisterHandler(func(target uint64, req []byte) []byte {
		<-block
		return req
	})
	done := make(chan error, 1)
	go func() { done <- srv.Listen(common.TransportConfig{Endpoint: socket}) }()
	defer func() {
		close(block)
		_ = srv.Close()
		<-done
	}()

	cli := NewUnixClientTransport()
	require.Eventually(t, func() bool { return cli.Connect(clientConfig(socket)) == nil }, 2*time.Second, 5*time.Millisecond)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := cli.Send(ctx, 1, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := NewUnixServerTransport()
	assert.NoError(t, srv.Close())
	assert.NoError(t, srv.Close())

	// Listen after Close returns immediately
	srv.RegisterHandler(echoHandler)
	assert.NoError(t, srv.Listen(common.TransportConfig{Endpoint: filepath.Join(t.TempDir(), "s")}))
}
