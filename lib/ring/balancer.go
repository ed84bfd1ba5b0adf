package ring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("ring")

	// ErrStopped is returned when a token is delivered to a stopped balancer
	ErrStopped = errors.New("load balancer stopped")
)

// Host is the node a balancer runs on
type Host interface {
	ID() uint64
	// ServedCount returns the number of profiles the host serves
	ServedCount() int
	// PickProfiles returns up to n of the coldest profiles the host can give away
	PickProfiles(n int) []int
	// SendToken hands the token to the right neighbor
	SendToken(ctx context.Context, tok Token) error
	// RequestMigration asks target to pull the profiles from the host
	RequestMigration(ctx context.Context, target uint64, profiles []int) error
}

// Options of a Balancer
type Options struct {
	Thresholds

	// HoldInterval paces the ring: every forward waits this long
	HoldInterval time.Duration
	// RetryInterval is the pause before a new token is emitted after a circuit without taker
	// or after a token was dropped
	RetryInterval time.Duration
	// TokenTimeout emits a new token when no token arrived for this long (0 disables)
	TokenTimeout time.Duration
	// MigrationTimeout bounds a migration request started by this balancer
	MigrationTimeout time.Duration

	// ForwardAttempts and ForwardBackoff bound the delivery to the right neighbor
	ForwardAttempts int
	ForwardBackoff  time.Duration

	// MaxHops strips an offer that did not come back to its origin after this many hops
	MaxHops int

	// ResolvedCacheSize is the number of resolved token ids remembered
	ResolvedCacheSize int
}

func DefaultOptions() Options {
	return Options{
		Thresholds:        Thresholds{Slack: 1},
		HoldInterval:      100 * time.Millisecond,
		RetryInterval:     2 * time.Second,
		TokenTimeout:      30 * time.Second,
		MigrationTimeout:  30 * time.Second,
		ForwardAttempts:   5,
		ForwardBackoff:    50 * time.Millisecond,
		MaxHops:           256,
		ResolvedCacheSize: 1024,
	}
}

// Counters is a snapshot of the token events of one balancer
type Counters struct {
	Received          uint64 `json:"received"`
	Duplicates        uint64 `json:"duplicates"`
	Forwarded         uint64 `json:"forwarded"`
	Dropped           uint64 `json:"dropped"`
	Offered           uint64 `json:"offered"`
	Returned          uint64 `json:"returned"`
	Consumed          uint64 `json:"consumed"`
	Emitted           uint64 `json:"emitted"`
	Migrations        uint64 `json:"migrations"`
	MigrationFailures uint64 `json:"migration_failures"`
}

type counter struct {
	local  atomic.Uint64
	global *metrics.Counter
}

func (c *counter) inc() {
	c.local.Add(1)
	c.global.Inc()
}

// hopKey identifies one delivery of a token
type hopKey struct {
	id   uuid.UUID
	hops int
}

// Balancer is the load balancer actor of one node. Tokens are delivered to its mailbox and
// handled one at a time by a single goroutine.
type Balancer struct {
	host   Host
	metric LoadMetric
	opts   Options

	mailbox  *Mailbox[Token]
	resolved *lru.Cache
	seen     *lru.Cache

	migrating atomic.Bool
	regen     <-chan time.Time // owned by the actor goroutine

	mu   sync.Mutex
	last Assessment

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	received, duplicates, forwarded, dropped, offered, returned,
	consumed, emitted, migrations, migrationFailures counter
}

// NewBalancer creates a balancer for host. It does nothing until Start is called.
func NewBalancer(host Host, metric LoadMetric, opts Options) (*Balancer, error) {
	if host == nil || metric == nil {
		return nil, errors.New("balancer needs a host and a load metric")
	}
	if opts.ResolvedCacheSize <= 0 {
		opts.ResolvedCacheSize = DefaultOptions().ResolvedCacheSize
	}
	if opts.ForwardAttempts <= 0 {
		opts.ForwardAttempts = 1
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultOptions().MaxHops
	}

	resolved, err := lru.New(opts.ResolvedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolved token cache: %w", err)
	}
	seen, err := lru.New(opts.ResolvedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create token delivery cache: %w", err)
	}

	b := &Balancer{
		host:     host,
		metric:   metric,
		opts:     opts,
		mailbox:  NewMailbox[Token](),
		resolved: resolved,
		seen:     seen,
	}

	events := map[string]*counter{
		"received":          &b.received,
		"duplicate":         &b.duplicates,
		"forwarded":         &b.forwarded,
		"dropped":           &b.dropped,
		"offered":           &b.offered,
		"returned":          &b.returned,
		"consumed":          &b.consumed,
		"emitted":           &b.emitted,
		"migration":         &b.migrations,
		"migration_failure": &b.migrationFailures,
	}
	for event, c := range events {
		c.global = metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_ring_tokens_total{node="%d",event="%s"}`, host.ID(), event))
	}
	return b, nil
}

// Start runs the actor until Stop is called or ctx ends. If emitFirst is set the balancer
// puts the first token on the ring.
func (b *Balancer) Start(ctx context.Context, emitFirst bool) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.run(ctx, emitFirst)
}

// Stop ends the actor and waits for running migration requests
func (b *Balancer) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.mailbox.Close()
	b.wg.Wait()
}

// Deliver puts a copy of tok into the mailbox
func (b *Balancer) Deliver(tok Token) error {
	c := tok.Clone()
	if !b.mailbox.Push(&c) {
		return ErrStopped
	}
	return nil
}

// Last returns the most recent load assessment
func (b *Balancer) Last() Assessment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Counters returns a snapshot of the token counters
func (b *Balancer) Counters() Counters {
	return Counters{
		Received:          b.received.local.Load(),
		Duplicates:        b.duplicates.local.Load(),
		Forwarded:         b.forwarded.local.Load(),
		Dropped:           b.dropped.local.Load(),
		Offered:           b.offered.local.Load(),
		Returned:          b.returned.local.Load(),
		Consumed:          b.consumed.local.Load(),
		Emitted:           b.emitted.local.Load(),
		Migrations:        b.migrations.local.Load(),
		MigrationFailures: b.migrationFailures.local.Load(),
	}
}

func (b *Balancer) run(ctx context.Context, emitFirst bool) {
	defer b.wg.Done()

	if emitFirst {
		b.emit(ctx)
	}

	var watchdog <-chan time.Time
	var timer *time.Timer
	if b.opts.TokenTimeout > 0 {
		timer = time.NewTimer(b.opts.TokenTimeout)
		defer timer.Stop()
		watchdog = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case tok, ok := <-b.mailbox.Recv():
			if !ok {
				return
			}
			b.handle(ctx, *tok)
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(b.opts.TokenTimeout)
			}

		case <-b.regen:
			b.regen = nil
			b.emit(ctx)

		case <-watchdog:
			Logger.Warningf("node %d: no token received for %s, emitting a new one", b.host.ID(), b.opts.TokenTimeout)
			b.emit(ctx)
			timer.Reset(b.opts.TokenTimeout)
		}
	}
}

// handle applies the token rules to one received token
func (b *Balancer) handle(ctx context.Context, tok Token) {
	b.received.inc()

	if b.resolved.Contains(tok.ID) || !b.firstDelivery(tok) {
		b.duplicates.inc()
		Logger.Debugf("node %d: dropping already handled %s", b.host.ID(), tok)
		return
	}

	self := b.host.ID()
	load := b.metric.Load()
	tok.Hops++
	if tok.Loads == nil {
		tok.Loads = make(map[uint64]float64)
	}
	tok.Loads[self] = load

	a := b.opts.Assess(load, tok.LoadValues())
	b.mu.Lock()
	b.last = a
	b.mu.Unlock()

	if offer := tok.Offer; offer != nil {
		switch {
		case offer.Origin == self:
			// full circuit without a taker
			b.returned.inc()
			b.resolved.Add(tok.ID, struct{}{})
			Logger.Debugf("node %d: offer came back without taker, retrying in %s", self, b.opts.RetryInterval)
			b.scheduleEmit()
			return

		case tok.Hops > b.opts.MaxHops:
			Logger.Warningf("node %d: %s exceeded %d hops, dropping its offer", self, tok, b.opts.MaxHops)
			tok.Offer = nil

		case a.Class == Overloaded && !b.migrating.Load():
			n := min(offer.Capacity, b.profilesFor(a.Amount(), load))
			if profiles := b.host.PickProfiles(n); len(profiles) > 0 {
				b.consumed.inc()
				b.resolved.Add(tok.ID, struct{}{})
				Logger.Infof("node %d (load %.2f, ring mean %.2f): handing profiles %v to node %d", self, load, a.Ring.Mean, profiles, offer.Origin)
				b.requestMigration(ctx, offer.Origin, profiles)
				b.emit(ctx)
				return
			}
		}
	} else if a.Class == Underloaded {
		tok.Offer = &Offer{Origin: self, Capacity: b.profilesFor(a.Amount(), load)}
		tok.Hops = 0
		b.offered.inc()
		Logger.Debugf("node %d (load %.2f, ring mean %.2f): offering capacity %d", self, load, a.Ring.Mean, tok.Offer.Capacity)
	}

	b.send(ctx, tok)
}

// firstDelivery reports whether this delivery of tok was not handled before.
// A retried send can deliver the same hop twice.
func (b *Balancer) firstDelivery(tok Token) bool {
	contains, _ := b.seen.ContainsOrAdd(hopKey{id: tok.ID, hops: tok.Hops}, struct{}{})
	return !contains
}

// profilesFor converts a load amount into a number of profiles (at least one)
func (b *Balancer) profilesFor(amount, load float64) int {
	perProfile := 1.0
	if served := b.host.ServedCount(); served > 0 && load > 0 {
		perProfile = load / float64(served)
	}
	n := int(math.Floor(amount / perProfile))
	if n < 1 {
		n = 1
	}
	return n
}

func (b *Balancer) requestMigration(ctx context.Context, target uint64, profiles []int) {
	b.migrating.Store(true)
	b.migrations.inc()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.migrating.Store(false)

		mctx := ctx
		if b.opts.MigrationTimeout > 0 {
			var cancel context.CancelFunc
			mctx, cancel = context.WithTimeout(ctx, b.opts.MigrationTimeout)
			defer cancel()
		}

		if err := b.host.RequestMigration(mctx, target, profiles); err != nil {
			b.migrationFailures.inc()
			Logger.Warningf("node %d: migration of profiles %v to node %d failed: %v", b.host.ID(), profiles, target, err)
			return
		}
		Logger.Infof("node %d: profiles %v migrated to node %d", b.host.ID(), profiles, target)
	}()
}

// emit puts a fresh empty token on the ring
func (b *Balancer) emit(ctx context.Context) {
	tok := NewToken(b.host.ID())
	tok.Loads[b.host.ID()] = b.metric.Load()
	b.emitted.inc()
	b.send(ctx, tok)
}

// scheduleEmit makes the actor emit a new token after RetryInterval
func (b *Balancer) scheduleEmit() {
	if b.regen == nil {
		b.regen = time.After(b.opts.RetryInterval)
	}
}

// send forwards tok to the right neighbor. If the neighbor stays unreachable the token is
// dropped and a new one is emitted later.
func (b *Balancer) send(ctx context.Context, tok Token) {
	if !sleep(ctx, b.opts.HoldInterval) {
		return
	}

	backoff := b.opts.ForwardBackoff
	var err error
	for attempt := 1; attempt <= b.opts.ForwardAttempts; attempt++ {
		if err = b.host.SendToken(ctx, tok.Clone()); err == nil {
			b.forwarded.inc()
			return
		}
		if attempt == b.opts.ForwardAttempts {
			break
		}
		Logger.Debugf("node %d: forwarding %s failed (%d/%d): %v", b.host.ID(), tok, attempt, b.opts.ForwardAttempts, err)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(2*backoff, max(b.opts.RetryInterval, b.opts.ForwardBackoff))
	}

	b.dropped.inc()
	Logger.Warningf("node %d: dropping %s, right neighbor unreachable: %v", b.host.ID(), tok, err)
	b.scheduleEmit()
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
