package node

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/ring"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrDuplicateNode = errors.New("node already registered")
	ErrReservedID    = errors.New("node id 0 is reserved for the monitor")
)

// Peer is a node as seen by other nodes and clients. It is implemented by *Node and by the
// rpc client of a remote node.
type Peer interface {
	// ID returns the node id
	ID() uint64

	// ExecuteOperations is the data plane entry point, see store.IStore.Execute
	ExecuteOperations(ctx context.Context, ops []store.Operation) ([]store.OperationResult, error)

	// InjectData executes write operations pushed by a migration source
	InjectData(ctx context.Context, ops []store.Operation) ([]store.OperationResult, error)

	// TransfuseData moves every record of profile to the target node: scan, inject into the
	// target, delete locally. It is called on the source of a migration.
	TransfuseData(ctx context.Context, profile int, target uint64) error

	// Migrate pulls the given profiles to this node through the monitor
	Migrate(ctx context.Context, profiles []int) error

	// ReceiveToken delivers a load balancer token
	ReceiveToken(ctx context.Context, tok ring.Token) error

	// Dump returns every record of every served profile
	Dump(ctx context.Context) ([]store.Record, error)

	// Info returns diagnostics of the node
	Info(ctx context.Context) (Info, error)
}

// Info describes the state of a node
type Info struct {
	ID       uint64          `json:"id"`
	Left     uint64          `json:"left"`
	Right    uint64          `json:"right"`
	Profiles []int           `json:"profiles"`
	Heat     map[int]uint64  `json:"heat"`
	Metric   string          `json:"metric"`
	Load     float64         `json:"load"`
	Class    string          `json:"class"`
	RingMean float64         `json:"ring_mean"`
	Tokens   ring.Counters   `json:"tokens"`
	DB       db.DatabaseInfo `json:"db"`
}

// ----------------------------------------------------------------------------
// Registry
// ----------------------------------------------------------------------------

// Registry maps node ids to peers. Nodes refer to each other (neighbors, migration sources and
// targets) only by id and resolve the peer when they need it.
type Registry struct {
	peers *xsync.MapOf[uint64, Peer]
}

func NewRegistry() *Registry {
	return &Registry{peers: xsync.NewMapOf[uint64, Peer]()}
}

// Register adds a peer under id
func (r *Registry) Register(id uint64, p Peer) error {
	if id == 0 {
		return ErrReservedID
	}
	if p == nil {
		return fmt.Errorf("peer %d is nil", id)
	}
	if _, loaded := r.peers.LoadOrStore(id, p); loaded {
		return fmt.Errorf("%w: %d", ErrDuplicateNode, id)
	}
	return nil
}

// Replace registers p under id, replacing a previous peer
func (r *Registry) Replace(id uint64, p Peer) {
	r.peers.Store(id, p)
}

// Lookup returns the peer registered under id
func (r *Registry) Lookup(id uint64) (Peer, error) {
	p, ok := r.peers.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return p, nil
}

// Remove drops id from the registry
func (r *Registry) Remove(id uint64) {
	r.peers.Delete(id)
}

// IDs returns every registered id in ascending order
func (r *Registry) IDs() []uint64 {
	ids := make([]uint64, 0, r.peers.Size())
	r.peers.Range(func(id uint64, _ Peer) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Neighbors returns the left and right neighbor of id on the ring formed by ids in ascending
// order. A single node is its own neighbor.
func Neighbors(ids []uint64, id uint64) (left, right uint64, err error) {
	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i, candidate := range sorted {
		if candidate == id {
			left = sorted[(i+len(sorted)-1)%len(sorted)]
			right = sorted[(i+1)%len(sorted)]
			return left, right, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %d is not part of the ring", ErrUnknownNode, id)
}
