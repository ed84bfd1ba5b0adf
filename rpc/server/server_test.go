package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/ValentinKolb/rKV/rpc/transport/loopback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(endpoint string, nodes []common.NodeConfig, peers map[uint64]string) common.ServerConfig {
	tc := common.DefaultTransportConfig()
	tc.Endpoint = endpoint
	return common.ServerConfig{
		Transport:   tc,
		Nodes:       nodes,
		Peers:       peers,
		Monitor:     common.MonitorModeLocal,
		Engine:      EngineMemDB,
		SeedRecords: 3,
		Balancer:    common.BalancerConfig{Disabled: true},
		LogLevel:    "warning",
	}
}

// serve starts s on the loopback network and waits until its nodes are started
func serve(t *testing.T, s *RPCServer) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = s.Close()
		<-done
	})

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("server stopped during start: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}
}

// cluster runs server a (monitor, node 1 with profiles 0..3) and server b (node 2 with
// profiles 4..7) on one loopback network
type cluster struct {
	network *loopback.Network
	a, b    *RPCServer
	ser     serializer.IRPCSerializer
}

func newCluster(t *testing.T, mutate func(a, b *common.ServerConfig)) *cluster {
	network := loopback.NewNetwork()
	ser := serializer.NewBinarySerializer()

	cfgA := testConfig("a", []common.NodeConfig{{ID: 1, FirstProfile: 0, ProfileCount: 4}}, map[uint64]string{2: "b"})
	cfgB := testConfig("b", []common.NodeConfig{{ID: 2, FirstProfile: 4, ProfileCount: 4}}, map[uint64]string{1: "a"})
	cfgB.Monitor = common.MonitorModeRemote
	cfgB.MonitorEndpoint = "a"
	if mutate != nil {
		mutate(&cfgA, &cfgB)
	}

	c := &cluster{
		network: network,
		a:       NewRPCServer(cfgA, network.NewServerTransport(), ser, network.NewClientTransport),
		b:       NewRPCServer(cfgB, network.NewServerTransport(), ser, network.NewClientTransport),
		ser:     ser,
	}
	serve(t, c.a)
	serve(t, c.b)
	return c
}

func (c *cluster) connect(t *testing.T, endpoint string) transport.IRPCClientTransport {
	t.Helper()
	tc := common.DefaultTransportConfig()
	tc.Endpoints = []string{endpoint}
	cli := c.network.NewClientTransport()
	require.NoError(t, cli.Connect(tc))
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func countProfile(records []store.Record, profile int) int {
	n := 0
	for _, r := range records {
		if r.Profile == profile {
			n++
		}
	}
	return n
}

func TestExecuteOverRPC(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()
	peer := client.NewRPCPeerWithTransport(1, c.connect(t, "a"), c.ser)

	numbers := []int{1, 2, 3, 4, 5}
	strs := []string{"a", "b", "c", "d", "e"}
	results, err := peer.ExecuteOperations(ctx, []store.Operation{
		store.NewWrite(0, 10, numbers, strs),
		store.NewRead(0, 10),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	require.True(t, results[1].Success)
	assert.Equal(t, store.Record{Profile: 0, ID: 10, Numbers: numbers, Strings: strs}, *results[1].Data)

	// seeded records are readable as well
	results, err = peer.ExecuteOperations(ctx, []store.Operation{store.NewRead(2, 1)})
	require.NoError(t, err)
	require.True(t, results[0].Success)
	assert.Equal(t, []int{0, 0, 0, 0, 0}, results[0].Data.Numbers)
}

func TestMalformedBatchOverRPC(t *testing.T) {
	c := newCluster(t, nil)
	peer := client.NewRPCPeerWithTransport(1, c.connect(t, "a"), c.ser)

	results, err := peer.ExecuteOperations(context.Background(), []store.Operation{
		store.NewWrite(0, 1, []int{1}, nil),
	})
	assert.True(t, errors.Is(err, store.ErrCode(store.RetCInvalidOperation)), "got %v", err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestMigrationAcrossServers(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()

	peer2 := client.NewRPCPeerWithTransport(2, c.connect(t, "b"), c.ser)
	mon := client.NewRPCMonitorWithTransport(c.connect(t, "a"), c.ser)

	owner, ok, err := mon.Owner(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), owner)

	// node 2 pulls profile 1 from node 1 on the other server
	require.NoError(t, peer2.Migrate(ctx, []int{1}))

	owner, _, err = mon.Owner(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), owner)

	n1, ok := c.a.Node(1)
	require.True(t, ok)
	assert.False(t, n1.Serves(1))

	records, err := peer2.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, countProfile(records, 1))
	assert.Len(t, records, 5*3)

	records, err = client.NewRPCPeerWithTransport(1, c.connect(t, "a"), c.ser).Dump(ctx)
	require.NoError(t, err)
	assert.Zero(t, countProfile(records, 1))

	// migrating a profile the node already serves is a no-op
	require.NoError(t, peer2.Migrate(ctx, []int{1}))

	owners, err := mon.Owners(ctx)
	require.NoError(t, err)
	assert.Len(t, owners, 8)
}

func TestTransferFailureKeepsCodeOverRPC(t *testing.T) {
	c := newCluster(t, nil)
	peer := client.NewRPCPeerWithTransport(1, c.connect(t, "a"), c.ser, client.WithMigrationTimeout(time.Minute))

	err := peer.TransfuseData(context.Background(), 0, 1)
	assert.Equal(t, store.RetCTransferFailed, store.CodeOf(err))

	n1, ok := c.a.Node(1)
	require.True(t, ok)
	assert.True(t, n1.Serves(0))
}

func TestMonitorOverRPC(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()
	mon := client.NewRPCMonitorWithTransport(c.connect(t, "a"), c.ser)

	source, err := mon.NotifyMigration(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), source)

	_, err = mon.NotifyMigration(ctx, 2, 0)
	assert.True(t, errors.Is(err, store.ErrCode(store.RetCMigrationConflict)), "got %v", err)

	require.NoError(t, mon.AbortMigration(ctx, 2, 0))
	err = mon.AbortMigration(ctx, 2, 0)
	assert.Equal(t, store.RetCNotMigrating, store.CodeOf(err))

	_, err = mon.NotifyMigration(ctx, 1, 0)
	assert.Equal(t, store.RetCAlreadyOwner, store.CodeOf(err))

	_, ok, err := mon.Owner(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoutingErrors(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()

	// no node 9 on server a
	_, err := client.NewRPCPeerWithTransport(9, c.connect(t, "a"), c.ser).Dump(ctx)
	assert.Equal(t, store.RetCInvalidOperation, store.CodeOf(err))

	// server b does not host the monitor
	_, err = client.NewRPCMonitorWithTransport(c.connect(t, "b"), c.ser).Owners(ctx)
	assert.Equal(t, store.RetCInvalidOperation, store.CodeOf(err))
}

func TestInfoOverRPC(t *testing.T) {
	c := newCluster(t, nil)
	info, err := client.NewRPCPeerWithTransport(2, c.connect(t, "b"), c.ser).Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.ID)
	assert.Equal(t, uint64(1), info.Left)
	assert.Equal(t, uint64(1), info.Right)
	assert.Equal(t, []int{4, 5, 6, 7}, info.Profiles)
}

func TestHandleInvalidRequest(t *testing.T) {
	ser := serializer.NewBinarySerializer()
	network := loopback.NewNetwork()
	s := NewRPCServer(testConfig("x", nil, nil), network.NewServerTransport(), ser, network.NewClientTransport)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	var resp common.Message
	require.NoError(t, ser.Deserialize(s.handle(1, []byte{0xff}), &resp))
	assert.Equal(t, common.MsgTError, resp.MsgType)
	assert.Equal(t, store.RetCInvalidOperation, store.CodeOf(resp.Error()))

	// node message sent to the monitor
	req, err := ser.Serialize(*common.NewDumpRequest())
	require.NoError(t, err)
	require.NoError(t, ser.Deserialize(s.handle(transport.MonitorTarget, req), &resp))
	assert.Equal(t, store.RetCUnsupportedOperation, store.CodeOf(resp.Error()))

	assert.Error(t, s.Start(context.Background()), "second start")
}

func TestBalancerMovesProfilesAcrossServers(t *testing.T) {
	c := newCluster(t, func(a, b *common.ServerConfig) {
		a.Nodes[0].ProfileCount = 8
		b.Nodes[0].ProfileCount = 0
		for _, cfg := range []*common.ServerConfig{a, b} {
			cfg.Balancer = common.BalancerConfig{
				HoldMillisecond:     5,
				RetryMillisecond:    50,
				MigrationTimeoutSec: 5,
			}
		}
	})

	n1, _ := c.a.Node(1)
	n2, _ := c.b.Node(2)
	require.Eventually(t, func() bool {
		return n2.ServedCount() >= 3 && n1.ServedCount()+n2.ServedCount() == 8
	}, 20*time.Second, 20*time.Millisecond)

	owners, err := c.a.Monitor().Owners(context.Background())
	require.NoError(t, err)
	assert.Len(t, owners, 8)
}
