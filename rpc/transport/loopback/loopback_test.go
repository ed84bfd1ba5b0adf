package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T, n *Network, name string, handler func(uint64, []byte) []byte) *serverTransport {
	t.Helper()
	srv := n.NewServerTransport().(*serverTransport)
	srv.RegisterHandler(handler)
	done := make(chan error, 1)
	go func() { done <- srv.Listen(common.TransportConfig{Endpoint: name}) }()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})
	return srv
}

func connect(t *testing.T, n *Network, timeoutSec int, names ...string) *clientTransport {
	t.Helper()
	cli := n.NewClientTransport().(*clientTransport)
	require.NoError(t, cli.Connect(common.TransportConfig{Endpoints: names, TimeoutSecond: timeoutSec}))
	return cli
}

func TestRoundTrip(t *testing.T) {
	n := NewNetwork()
	var gotTarget uint64
	listen(t, n, "a", func(target uint64, req []byte) []byte {
		gotTarget = target
		return append([]byte("re:"), req...)
	})

	cli := connect(t, n, 1, "a")
	resp, err := cli.Send(context.Background(), 9, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "re:hello", string(resp))
	assert.Equal(t, uint64(9), gotTarget)
}

func TestRequestIsCopied(t *testing.T) {
	n := NewNetwork()
	listen(t, n, "a", func(_ uint64, req []byte) []byte {
		req[0] = 'X'
		return req
	})

	cli := connect(t, n, 1, "a")
	req := []byte("abc")
	resp, err := cli.Send(context.Background(), 1, req)
	require.NoError(t, err)
	assert.Equal(t, "Xbc", string(resp))
	assert.Equal(t, "abc", string(req))
}

func TestSendWaitsForLateListen(t *testing.T) {
	n := NewNetwork()
	cli := connect(t, n, 2, "late")

	result := make(chan error, 1)
	go func() {
		_, err := cli.Send(context.Background(), 1, []byte("x"))
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	listen(t, n, "late", func(_ uint64, req []byte) []byte { return req })

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request did not complete after the server started")
	}
}

func TestSendTimesOutWithoutServer(t *testing.T) {
	n := NewNetwork()
	cli := connect(t, n, 0, "nobody")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := cli.Send(ctx, 1, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeadlineOutlastsTimeout(t *testing.T) {
	n := NewNetwork()
	listen(t, n, "a", func(_ uint64, req []byte) []byte {
		time.Sleep(1200 * time.Millisecond)
		return req
	})
	cli := connect(t, n, 1, "a")

	_, err := cli.Send(context.Background(), 1, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a long running request brings its own deadline
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cli.Send(ctx, 1, []byte("x"))
	assert.NoError(t, err)
}

func TestCloseFailsInflightRequests(t *testing.T) {
	n := NewNetwork()
	block := make(chan struct{})
	defer close(block)
	srv := listen(t, n, "a", func(_ uint64, req []byte) []byte {
		<-block
		return req
	})

	cli := connect(t, n, 5, "a")
	result := make(chan error, 1)
	go func() {
		_, err := cli.Send(context.Background(), 1, []byte("x"))
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, srv.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("request was not failed by Close")
	}
}

func TestEndpointInUse(t *testing.T) {
	n := NewNetwork()
	listen(t, n, "a", func(_ uint64, req []byte) []byte { return req })

	cli := connect(t, n, 1, "a")
	_, err := cli.Send(context.Background(), 1, nil)
	require.NoError(t, err)

	second := n.NewServerTransport()
	second.RegisterHandler(func(_ uint64, req []byte) []byte { return req })
	assert.Error(t, second.Listen(common.TransportConfig{Endpoint: "a"}))
}

func TestRoundRobinEndpoints(t *testing.T) {
	n := NewNetwork()
	hits := make(chan string, 4)
	listen(t, n, "a", func(_ uint64, req []byte) []byte { hits <- "a"; return req })
	listen(t, n, "b", func(_ uint64, req []byte) []byte { hits <- "b"; return req })

	cli := connect(t, n, 1, "a", "b")
	for i := 0; i < 4; i++ {
		_, err := cli.Send(context.Background(), 1, nil)
		require.NoError(t, err)
	}
	close(hits)

	count := map[string]int{}
	for h := range hits {
		count[h]++
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, count)
}

func TestListenWithoutHandler(t *testing.T) {
	srv := NewNetwork().NewServerTransport()
	assert.Error(t, srv.Listen(common.TransportConfig{Endpoint: "a"}))
}
