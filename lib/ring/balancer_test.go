package ring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ----------------------------------------------------------------------------
// Recording host (single balancer, handle is called directly)
// ----------------------------------------------------------------------------

type migrationCall struct {
	target   uint64
	profiles []int
}

type recordingHost struct {
	id      uint64
	mu      sync.Mutex
	served  []int
	sent    []Token
	sendErr error
	calls   []migrationCall
	sends   int
}

func (h *recordingHost) ID() uint64 { return h.id }

func (h *recordingHost) ServedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.served)
}

func (h *recordingHost) PickProfiles(n int) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n = min(n, len(h.served)-1)
	if n <= 0 {
		return nil
	}
	return append([]int(nil), h.served[:n]...)
}

func (h *recordingHost) SendToken(_ context.Context, tok Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends++
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, tok)
	return nil
}

func (h *recordingHost) RequestMigration(_ context.Context, target uint64, profiles []int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, migrationCall{target: target, profiles: profiles})
	return nil
}

func (h *recordingHost) lastSent(t *testing.T) Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.sent)
	return h.sent[len(h.sent)-1]
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.HoldInterval = 0
	opts.RetryInterval = 10 * time.Millisecond
	opts.TokenTimeout = 0
	opts.ForwardAttempts = 3
	opts.ForwardBackoff = time.Millisecond
	return opts
}

func newTestBalancer(t *testing.T, host *recordingHost) *Balancer {
	b, err := NewBalancer(host, NewProfileCountMetric(host.ServedCount), testOptions())
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	return b
}

func profiles(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}

func tokenWithLoads(origin uint64, loads map[uint64]float64) Token {
	tok := NewToken(origin)
	for id, l := range loads {
		tok.Loads[id] = l
	}
	return tok
}

// ----------------------------------------------------------------------------
// Token rules
// ----------------------------------------------------------------------------

func TestUnderloadedAttachesOffer(t *testing.T) {
	host := &recordingHost{id: 1, served: profiles(1)}
	b := newTestBalancer(t, host)

	// mean of (1, 5, 6) is 4, so node 1 can take 3 profiles
	b.handle(context.Background(), tokenWithLoads(2, map[uint64]float64{2: 5, 3: 6}))

	sent := host.lastSent(t)
	require.NotNil(t, sent.Offer)
	assert.Equal(t, Offer{Origin: 1, Capacity: 3}, *sent.Offer)
	assert.Equal(t, 0, sent.Hops)
	assert.Equal(t, 1.0, sent.Loads[1])
	assert.Equal(t, Underloaded, b.Last().Class)
	assert.Equal(t, uint64(1), b.Counters().Offered)
}

func TestOverloadedConsumesOffer(t *testing.T) {
	host := &recordingHost{id: 1, served: profiles(6)}
	b := newTestBalancer(t, host)

	tok := tokenWithLoads(2, map[uint64]float64{2: 1, 3: 2})
	tok.Offer = &Offer{Origin: 2, Capacity: 2}
	b.handle(context.Background(), tok)
	b.wg.Wait()

	host.mu.Lock()
	require.Len(t, host.calls, 1)
	assert.Equal(t, uint64(2), host.calls[0].target)
	assert.Equal(t, []int{0, 1}, host.calls[0].profiles, "min(capacity, excess) coldest profiles")
	require.Len(t, host.sent, 1)
	fresh := host.sent[0]
	host.mu.Unlock()

	assert.True(t, fresh.Empty(), "a fresh empty token is emitted")
	assert.NotEqual(t, tok.ID, fresh.ID)
	assert.Equal(t, uint64(1), b.Counters().Consumed)

	// the consumed token is resolved, a stale copy is a no-op
	b.handle(context.Background(), tok)
	host.mu.Lock()
	assert.Len(t, host.sent, 1)
	assert.Len(t, host.calls, 1)
	host.mu.Unlock()
	assert.Equal(t, uint64(1), b.Counters().Duplicates)
}

func TestOwnOfferReturnsWithoutTaker(t *testing.T) {
	host := &recordingHost{id: 1, served: profiles(1)}
	b := newTestBalancer(t, host)

	tok := tokenWithLoads(1, map[uint64]float64{2: 3, 3: 3})
	tok.Offer = &Offer{Origin: 1, Capacity: 1}
	tok.Hops = 3
	b.handle(context.Background(), tok)

	host.mu.Lock()
	assert.Empty(t, host.sent, "no immediate re-emit")
	host.mu.Unlock()
	assert.NotNil(t, b.regen, "a new token is scheduled")
	assert.True(t, b.resolved.Contains(tok.ID))
	assert.Equal(t, uint64(1), b.Counters().Returned)

	<-b.regen
	b.regen = nil
	b.emit(context.Background())
	fresh := host.lastSent(t)
	assert.True(t, fresh.Empty())
	assert.Equal(t, uint64(1), fresh.Origin)
}

func TestForwardUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		served int
		loads  map[uint64]float64
		offer  *Offer
	}{
		{"BalancedWithOffer", 3, map[uint64]float64{2: 3, 3: 3}, &Offer{Origin: 2, Capacity: 1}},
		{"BalancedEmpty", 3, map[uint64]float64{2: 3, 3: 3}, nil},
		{"OverloadedEmpty", 9, map[uint64]float64{2: 1, 3: 1}, nil},
		{"UnderloadedWithForeignOffer", 1, map[uint64]float64{2: 1, 3: 9}, &Offer{Origin: 2, Capacity: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &recordingHost{id: 1, served: profiles(tt.served)}
			b := newTestBalancer(t, host)

			tok := tokenWithLoads(2, tt.loads)
			tok.Offer = tt.offer
			b.handle(context.Background(), tok)

			sent := host.lastSent(t)
			assert.Equal(t, tok.ID, sent.ID)
			assert.Equal(t, tt.offer, sent.Offer)
			assert.Equal(t, 1, sent.Hops)
			host.mu.Lock()
			assert.Empty(t, host.calls)
			host.mu.Unlock()
		})
	}
}

func TestUnreachableNeighbor(t *testing.T) {
	host := &recordingHost{id: 1, served: profiles(3), sendErr: errors.New("connection refused")}
	b := newTestBalancer(t, host)

	b.handle(context.Background(), tokenWithLoads(2, map[uint64]float64{2: 3}))

	host.mu.Lock()
	assert.Equal(t, 3, host.sends, "bounded attempts")
	host.mu.Unlock()
	assert.Equal(t, uint64(1), b.Counters().Dropped)
	assert.NotNil(t, b.regen, "the dropped token is regenerated later")
}

func TestCanceledForward(t *testing.T) {
	host := &recordingHost{id: 1, served: profiles(3), sendErr: errors.New("connection refused")}
	opts := testOptions()
	opts.ForwardAttempts = 1000
	opts.ForwardBackoff = 50 * time.Millisecond
	b, err := NewBalancer(host, NewProfileCountMetric(host.ServedCount), opts)
	require.NoError(t, err)
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	b.handle(ctx, tokenWithLoads(2, nil))
	assert.Less(t, time.Since(start), time.Second)
}

func TestOfferExceedingMaxHopsIsStripped(t *testing.T) {
	host := &recordingHost{id: 1, served: profiles(3)}
	b := newTestBalancer(t, host)

	tok := tokenWithLoads(2, map[uint64]float64{2: 3, 3: 3})
	tok.Offer = &Offer{Origin: 42, Capacity: 1}
	tok.Hops = b.opts.MaxHops
	b.handle(context.Background(), tok)

	assert.True(t, host.lastSent(t).Empty())
}

func TestDuplicateDeliveryIsDropped(t *testing.T) {
	host := &recordingHost{id: 1, served: profiles(3)}
	b := newTestBalancer(t, host)

	tok := tokenWithLoads(2, map[uint64]float64{2: 3})
	b.handle(context.Background(), tok)
	b.handle(context.Background(), tok)

	host.mu.Lock()
	assert.Len(t, host.sent, 1)
	host.mu.Unlock()
	assert.Equal(t, uint64(1), b.Counters().Duplicates)
}

func TestDeliverAfterStop(t *testing.T) {
	host := &recordingHost{id: 1, served: profiles(1)}
	b := newTestBalancer(t, host)
	b.Stop()
	assert.ErrorIs(t, b.Deliver(NewToken(1)), ErrStopped)
}

func TestWatchdogEmitsToken(t *testing.T) {
	host := &recordingHost{id: 1, served: profiles(2)}
	opts := testOptions()
	opts.TokenTimeout = 10 * time.Millisecond
	b, err := NewBalancer(host, NewProfileCountMetric(host.ServedCount), opts)
	require.NoError(t, err)
	defer b.Stop()

	b.Start(context.Background(), false)
	assert.Eventually(t, func() bool { return b.Counters().Emitted > 0 }, time.Second, 5*time.Millisecond)
}

// ----------------------------------------------------------------------------
// Ring of balancers
// ----------------------------------------------------------------------------

type fakeRing struct {
	mu        sync.Mutex
	order     []uint64
	served    map[uint64][]int
	balancers map[uint64]*Balancer
}

type ringHost struct {
	ring *fakeRing
	id   uint64
}

func (h *ringHost) ID() uint64 { return h.id }

func (h *ringHost) ServedCount() int {
	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()
	return len(h.ring.served[h.id])
}

func (h *ringHost) PickProfiles(n int) []int {
	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()
	own := h.ring.served[h.id]
	n = min(n, len(own)-1)
	if n <= 0 {
		return nil
	}
	return append([]int(nil), own[:n]...)
}

func (h *ringHost) SendToken(_ context.Context, tok Token) error {
	h.ring.mu.Lock()
	var next uint64
	for i, id := range h.ring.order {
		if id == h.id {
			next = h.ring.order[(i+1)%len(h.ring.order)]
		}
	}
	b := h.ring.balancers[next]
	h.ring.mu.Unlock()
	return b.Deliver(tok)
}

func (h *ringHost) RequestMigration(_ context.Context, target uint64, profiles []int) error {
	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()

	moving := make(map[int]bool, len(profiles))
	for _, p := range profiles {
		moving[p] = true
	}
	var kept []int
	for _, p := range h.ring.served[h.id] {
		if moving[p] {
			h.ring.served[target] = append(h.ring.served[target], p)
		} else {
			kept = append(kept, p)
		}
	}
	h.ring.served[h.id] = kept
	return nil
}

func (r *fakeRing) spread() (lo, hi, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lo = -1
	for _, id := range r.order {
		n := len(r.served[id])
		total += n
		if lo < 0 || n < lo {
			lo = n
		}
		hi = max(hi, n)
	}
	return lo, hi, total
}

func TestRingRebalances(t *testing.T) {
	r := &fakeRing{
		order:     []uint64{1, 2, 3},
		served:    map[uint64][]int{1: {0, 1, 2, 3, 4, 5}, 2: {6}, 3: {7, 8}},
		balancers: make(map[uint64]*Balancer),
	}

	opts := testOptions()
	opts.HoldInterval = time.Millisecond
	for _, id := range r.order {
		host := &ringHost{ring: r, id: id}
		b, err := NewBalancer(host, NewProfileCountMetric(host.ServedCount), opts)
		require.NoError(t, err)
		r.balancers[id] = b
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range r.order {
		r.balancers[id].Start(ctx, id == r.order[0])
	}

	assert.Eventually(t, func() bool {
		lo, hi, _ := r.spread()
		return hi-lo <= 2
	}, 5*time.Second, 5*time.Millisecond)

	for _, id := range r.order {
		r.balancers[id].Stop()
	}

	lo, _, total := r.spread()
	assert.Equal(t, 9, total, "no profile lost or duplicated")
	assert.GreaterOrEqual(t, lo, 1, "no node gives away its last profile")

	var all []int
	r.mu.Lock()
	for _, id := range r.order {
		all = append(all, r.served[id]...)
	}
	r.mu.Unlock()
	sort.Ints(all)
	assert.Equal(t, profiles(9), all)
}
