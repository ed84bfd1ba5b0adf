package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/lib/ring"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/keyspace"
	"github.com/ValentinKolb/rKV/lib/store/lstore"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("node")

// Options configures a node
type Options struct {
	ID uint64

	// FirstProfile and ProfileCount define the block of profiles seeded at bootstrap
	FirstProfile int
	ProfileCount int
	// SeedRecords is the number of records written per seeded profile
	SeedRecords int

	Store *lstore.Options

	// LoadMetric is the name of the load metric (ring.MetricProfiles or ring.MetricRate)
	LoadMetric      string
	Balancer        ring.Options
	DisableBalancer bool

	// SnapshotPath is restored on Start and written on Close if set
	SnapshotPath string

	// TransferAttempts bounds the TransfuseData calls of one pull whose outcome stays unknown,
	// TransferBackoff is the wait before the first retry
	TransferAttempts int
	TransferBackoff  time.Duration
}

// DefaultOptions returns the options of a node without seeded profiles
func DefaultOptions(id uint64) Options {
	return Options{
		ID:          id,
		SeedRecords: 5,
		Store:       lstore.DefaultOptions(),
		LoadMetric:  ring.MetricProfiles,
		Balancer:    ring.DefaultOptions(),

		TransferAttempts: 5,
		TransferBackoff:  100 * time.Millisecond,
	}
}

// Node is a storage node of the ring. It owns a transaction engine, the set of profiles it
// serves and a load balancer.
type Node struct {
	id       uint64
	opts     Options
	codec    keyspace.Codec
	kv       db.KVDB
	store    store.IStore
	monitor  monitor.IMonitor
	registry *Registry

	served  *xsync.MapOf[int, struct{}]
	pending *xsync.MapOf[int, uint64] // profiles with an unknown transfer outcome, mapped to their source
	locks   *xsync.MapOf[int, *sync.RWMutex]
	heat    *heatTracker

	left  atomic.Uint64
	right atomic.Uint64

	metric   ring.LoadMetric
	observer ring.RequestObserver
	balancer *ring.Balancer

	started atomic.Bool
	running atomic.Bool // Start completed, the snapshot on Close reflects a served state
	closed  atomic.Bool

	opsTotal *metrics.Counter
}

// NewNode creates a node on top of kv. The node is not registered in reg, the caller does that.
func NewNode(opts Options, kv db.KVDB, mon monitor.IMonitor, reg *Registry) (*Node, error) {
	if opts.ID == 0 {
		return nil, ErrReservedID
	}
	if kv == nil || mon == nil || reg == nil {
		return nil, errors.New("node needs a database, a monitor and a registry")
	}
	if opts.ProfileCount < 0 || opts.SeedRecords < 0 {
		return nil, fmt.Errorf("invalid seed configuration: %d profiles with %d records", opts.ProfileCount, opts.SeedRecords)
	}
	if opts.Store == nil {
		opts.Store = lstore.DefaultOptions()
	}
	if opts.TransferAttempts <= 0 {
		opts.TransferAttempts = 1
	}

	n := &Node{
		id:       opts.ID,
		opts:     opts,
		codec:    opts.Store.Codec,
		kv:       kv,
		store:    lstore.NewLocalStore(func() db.KVDB { return kv }, opts.Store),
		monitor:  mon,
		registry: reg,
		served:   xsync.NewMapOf[int, struct{}](),
		pending:  xsync.NewMapOf[int, uint64](),
		locks:    xsync.NewMapOf[int, *sync.RWMutex](),
		heat:     newHeatTracker(),
		opsTotal: metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_node_operations_total{node="%d"}`, opts.ID)),
	}

	metric, err := ring.NewLoadMetric(opts.LoadMetric, n.ServedCount)
	if err != nil {
		return nil, err
	}
	n.metric = metric
	n.observer, _ = metric.(ring.RequestObserver)

	if !opts.DisableBalancer {
		if n.balancer, err = ring.NewBalancer(ringHost{n: n}, metric, opts.Balancer); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// Start restores the snapshot or seeds the bootstrap profiles and starts the load balancer.
// The node with the smallest id in the registry emits the first token.
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return fmt.Errorf("node %d already started", n.id)
	}

	restored, err := n.restore(ctx)
	if err != nil {
		return err
	}
	if !restored {
		if err := n.seed(ctx); err != nil {
			return err
		}
	}

	if n.balancer != nil {
		ids := n.registry.IDs()
		first := len(ids) > 0 && ids[0] == n.id
		n.balancer.Start(context.Background(), first)
	}

	n.running.Store(true)
	Logger.Infof("node %d started: serving %d profiles (left %d, right %d)", n.id, n.served.Size(), n.left.Load(), n.right.Load())
	return nil
}

// seed writes the bootstrap records of every profile of the node's block and registers the
// profiles with the monitor
func (n *Node) seed(ctx context.Context) error {
	numbers := make([]int, n.codec.Numbers)
	strs := make([]string, n.codec.Strings)
	for i := range strs {
		strs[i] = "0"
	}

	for p := n.opts.FirstProfile; p < n.opts.FirstProfile+n.opts.ProfileCount; p++ {
		if n.opts.SeedRecords > 0 {
			ops := make([]store.Operation, n.opts.SeedRecords)
			for id := range ops {
				ops[id] = store.NewWrite(p, id, numbers, strs)
			}
			if _, err := n.store.Execute(ctx, ops); err != nil {
				return fmt.Errorf("failed to seed profile %d: %w", p, err)
			}
		}
		if err := n.monitor.Register(ctx, p, n.id); err != nil {
			return fmt.Errorf("failed to register profile %d: %w", p, err)
		}
		n.served.Store(p, struct{}{})
	}
	return nil
}

// restore loads the snapshot file. The served profiles are the ones the monitor assigns to this
// node. Profiles of the bootstrap block the monitor does not know are registered again.
func (n *Node) restore(ctx context.Context) (bool, error) {
	if n.opts.SnapshotPath == "" {
		return false, nil
	}

	f, err := os.Open(n.opts.SnapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	if err := n.kv.Load(f); err != nil {
		return false, fmt.Errorf("failed to load snapshot %s: %w", n.opts.SnapshotPath, err)
	}

	owners, err := n.monitor.Owners(ctx)
	if err != nil {
		return false, err
	}
	for p, owner := range owners {
		if owner == n.id {
			n.served.Store(p, struct{}{})
		}
	}
	for p := n.opts.FirstProfile; p < n.opts.FirstProfile+n.opts.ProfileCount; p++ {
		if _, known := owners[p]; known {
			continue
		}
		if err := n.monitor.Register(ctx, p, n.id); err != nil {
			return false, fmt.Errorf("failed to register profile %d: %w", p, err)
		}
		n.served.Store(p, struct{}{})
	}

	Logger.Infof("node %d restored snapshot %s", n.id, n.opts.SnapshotPath)
	return true, nil
}

func (n *Node) saveSnapshot() error {
	tmp := n.opts.SnapshotPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return err
	}
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := n.kv.Save(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, n.opts.SnapshotPath)
}

// Close stops the load balancer, writes the snapshot if configured and the node was started,
// and closes the engine
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n.balancer != nil {
		n.balancer.Stop()
	}
	if rate, ok := n.metric.(*ring.RequestRateMetric); ok {
		rate.Stop()
	}

	var errs []error
	if n.opts.SnapshotPath != "" && n.running.Load() {
		if err := n.saveSnapshot(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ----------------------------------------------------------------------------
// Accessors
// ----------------------------------------------------------------------------

func (n *Node) ID() uint64 { return n.id }

// SetLeftNeighbor and SetRightNeighbor are used when the ring is assembled
func (n *Node) SetLeftNeighbor(id uint64)  { n.left.Store(id) }
func (n *Node) SetRightNeighbor(id uint64) { n.right.Store(id) }

func (n *Node) LeftNeighbor() uint64  { return n.left.Load() }
func (n *Node) RightNeighbor() uint64 { return n.right.Load() }

// Served returns the served profiles in ascending order
func (n *Node) Served() []int { return sortedProfiles(n.served) }

func (n *Node) ServedCount() int { return n.served.Size() }

func (n *Node) Serves(profile int) bool {
	_, ok := n.served.Load(profile)
	return ok
}

// Balancer returns the load balancer, nil if it is disabled
func (n *Node) Balancer() *ring.Balancer { return n.balancer }

// ----------------------------------------------------------------------------
// Data plane
// ----------------------------------------------------------------------------

func (n *Node) ExecuteOperations(ctx context.Context, ops []store.Operation) ([]store.OperationResult, error) {
	return n.execute(ctx, ops, true)
}

func (n *Node) InjectData(ctx context.Context, ops []store.Operation) ([]store.OperationResult, error) {
	for i, op := range ops {
		if op.Type != store.OpTWrite {
			return store.FailedResults(len(ops)), store.Errorf(store.RetCInvalidOperation, "inject accepts only writes, operation %d is a %s", i, op.Type)
		}
	}
	// the migration adds the profile to the served set once the transfer is complete
	return n.execute(ctx, ops, false)
}

// execute runs ops while holding the read locks of every profile they touch.
// With discover set, profiles seen in successful writes and deletes become served.
func (n *Node) execute(ctx context.Context, ops []store.Operation, discover bool) ([]store.OperationResult, error) {
	profiles := profilesOf(ops)
	for _, p := range profiles {
		l := n.profileLock(p)
		l.RLock()
		defer l.RUnlock()
	}

	results, err := n.store.Execute(ctx, ops)

	n.opsTotal.Add(len(ops))
	if n.observer != nil {
		n.observer.Observe(len(ops))
	}
	for _, op := range ops {
		n.heat.touch(op.Record.Profile, 1)
	}

	if err == nil && discover {
		for _, op := range ops {
			if op.Type != store.OpTWrite && op.Type != store.OpTDelete {
				continue
			}
			if _, loaded := n.served.LoadOrStore(op.Record.Profile, struct{}{}); !loaded {
				Logger.Infof("node %d: discovered profile %d", n.id, op.Record.Profile)
			}
		}
	}
	return results, err
}

func (n *Node) profileLock(profile int) *sync.RWMutex {
	l, _ := n.locks.LoadOrCompute(profile, func() *sync.RWMutex { return &sync.RWMutex{} })
	return l
}

// profilesOf returns the distinct profiles of ops in ascending order
func profilesOf(ops []store.Operation) []int {
	seen := make(map[int]struct{}, len(ops))
	out := make([]int, 0, len(ops))
	for _, op := range ops {
		if _, ok := seen[op.Record.Profile]; !ok {
			seen[op.Record.Profile] = struct{}{}
			out = append(out, op.Record.Profile)
		}
	}
	sort.Ints(out)
	return out
}

// ----------------------------------------------------------------------------
// Diagnostics
// ----------------------------------------------------------------------------

func (n *Node) Dump(ctx context.Context) ([]store.Record, error) {
	var records []store.Record
	var errs []error
	for _, p := range n.Served() {
		recs, err := n.store.Scan(ctx, p)
		records = append(records, recs...)
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %d: %w", p, err))
		}
	}
	return records, errors.Join(errs...)
}

func (n *Node) Info(_ context.Context) (Info, error) {
	profiles := n.Served()
	info := Info{
		ID:       n.id,
		Left:     n.left.Load(),
		Right:    n.right.Load(),
		Profiles: profiles,
		Heat:     n.heat.snapshot(profiles),
		Metric:   n.metric.Name(),
		Load:     n.metric.Load(),
	}
	if n.balancer != nil {
		a := n.balancer.Last()
		info.Class = a.Class.String()
		info.RingMean = a.Ring.Mean
		info.Tokens = n.balancer.Counters()
	}
	dbInfo, err := n.store.GetDBInfo()
	info.DB = dbInfo
	return info, err
}

func (n *Node) ReceiveToken(_ context.Context, tok ring.Token) error {
	if n.balancer == nil {
		return store.Errorf(store.RetCUnsupportedOperation, "node %d has no load balancer", n.id)
	}
	return n.balancer.Deliver(tok)
}
