package pebbledb

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// DBOptions configures the pebble engine
type DBOptions struct {
	Dir      string // Directory of the pebble store (ignored when InMemory is set)
	InMemory bool   // Keep everything in an in-memory filesystem
	Sync     bool   // fsync every committed batch
}

// DefaultOptions returns options for an in-memory store without fsync
func DefaultOptions() *DBOptions {
	return &DBOptions{
		InMemory: true,
	}
}

// pebbleImpl wraps a pebble.DB.
// writeMu serializes batches so delete flags can be computed against a stable state.
// Every use of pdb holds openMu as a reader, Close takes it as the writer.
type pebbleImpl struct {
	pdb       *pebble.DB
	opts      DBOptions
	writeOpts *pebble.WriteOptions
	writeMu   sync.Mutex
	openMu    sync.RWMutex
	closed    bool // guarded by openMu
}

// NewPebbleDB opens (or creates) a pebble store
func NewPebbleDB(opts *DBOptions) (db.KVDB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pebbleOpts := &pebble.Options{}
	dir := opts.Dir
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		dir = ""
	} else if dir == "" {
		return nil, fmt.Errorf("pebble: a directory is required for a persistent store")
	}

	pdb, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("pebble: failed to open store: %w", err)
	}

	writeOpts := pebble.NoSync
	if opts.Sync {
		writeOpts = pebble.Sync
	}

	return &pebbleImpl{
		pdb:       pdb,
		opts:      *opts,
		writeOpts: writeOpts,
	}, nil
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (p *pebbleImpl) Put(key db.Key, value []byte) error {
	_, err := p.Execute([]db.Op{{Type: db.OpPut, Key: key, Value: value}})
	return err
}

func (p *pebbleImpl) Delete(key db.Key) (bool, error) {
	res, err := p.Execute([]db.Op{{Type: db.OpDelete, Key: key}})
	if err != nil {
		return false, err
	}
	return res[0], nil
}

func (p *pebbleImpl) Execute(ops []db.Op) ([]bool, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: empty batch", db.ErrMalformedBatch)
	}

	encoded := make([][]byte, len(ops))
	for i, op := range ops {
		if op.Type != db.OpPut && op.Type != db.OpDelete {
			return nil, fmt.Errorf("%w: unknown operation type %d at %d", db.ErrMalformedBatch, op.Type, i)
		}
		if err := op.Key.Validate(); err != nil {
			return nil, err
		}
		encoded[i] = db.EncodeKey(op.Key)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.acquire() {
		return nil, db.ErrClosed
	}
	defer p.openMu.RUnlock()

	// keys written or deleted earlier in the same batch shadow the store
	pending := make(map[string]bool, len(ops))

	batch := p.pdb.NewBatch()
	defer batch.Close()

	results := make([]bool, len(ops))
	for i, op := range ops {
		k := string(encoded[i])
		switch op.Type {
		case db.OpPut:
			if err := batch.Set(encoded[i], op.Value, nil); err != nil {
				return nil, fmt.Errorf("%w: %v", db.ErrExecution, err)
			}
			pending[k] = true
			results[i] = true
		case db.OpDelete:
			exists, seen := pending[k]
			if !seen {
				var err error
				if exists, err = p.has(encoded[i]); err != nil {
					return nil, err
				}
			}
			if err := batch.Delete(encoded[i], nil); err != nil {
				return nil, fmt.Errorf("%w: %v", db.ErrExecution, err)
			}
			pending[k] = false
			results[i] = exists
		}
	}

	if err := batch.Commit(p.writeOpts); err != nil {
		return nil, fmt.Errorf("%w: commit failed: %v", db.ErrExecution, err)
	}
	return results, nil
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (p *pebbleImpl) Get(key db.Key) ([]byte, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	if !p.acquire() {
		return nil, false, db.ErrClosed
	}
	defer p.openMu.RUnlock()

	value, closer, err := p.pdb.Get(db.EncodeKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", db.ErrUnavailable, err)
	}
	defer closer.Close()

	// the slice returned by pebble is only valid until the closer is closed
	result := make([]byte, len(value))
	copy(result, value)
	return result, true, nil
}

func (p *pebbleImpl) MultiGet(major string, r *db.KeyRange) ([]db.Entry, error) {
	if err := db.NewKey(major).Validate(); err != nil {
		return nil, err
	}
	if !p.acquire() {
		return nil, db.ErrClosed
	}
	defer p.openMu.RUnlock()

	lower, upper := db.ScanBounds(major, r)
	iter := p.pdb.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	defer iter.Close()

	var entries []db.Entry
	for valid := iter.First(); valid; valid = iter.Next() {
		key, err := db.DecodeKey(iter.Key())
		if err != nil {
			return nil, err
		}
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		entries = append(entries, db.Entry{Key: key, Value: value})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrUnavailable, err)
	}
	return entries, nil
}

// has checks the committed state for a key, the caller holds openMu
func (p *pebbleImpl) has(encoded []byte) (bool, error) {
	_, closer, err := p.pdb.Get(encoded)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", db.ErrUnavailable, err)
	}
	closer.Close()
	return true, nil
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save writes every entry of a pebble snapshot, concurrent writers are not blocked
func (p *pebbleImpl) Save(w io.Writer) error {
	if !p.acquire() {
		return db.ErrClosed
	}
	defer p.openMu.RUnlock()

	snap := p.pdb.NewSnapshot()
	defer snap.Close()

	// first pass counts, second pass writes (the snapshot does not change in between)
	count := uint64(0)
	countIter := snap.NewIter(nil)
	for valid := countIter.First(); valid; valid = countIter.Next() {
		count++
	}
	if err := countIter.Close(); err != nil {
		return err
	}

	iter := snap.NewIter(nil)
	defer iter.Close()

	started := false
	return db.WriteSnapshot(w, count, func() ([]byte, []byte, bool) {
		var valid bool
		if !started {
			valid = iter.First()
			started = true
		} else {
			valid = iter.Next()
		}
		if !valid {
			return nil, nil, false
		}
		return iter.Key(), iter.Value(), true
	})
}

// Load replaces the whole content in one batch
func (p *pebbleImpl) Load(r io.Reader) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.acquire() {
		return db.ErrClosed
	}
	defer p.openMu.RUnlock()

	batch := p.pdb.NewBatch()
	defer batch.Close()

	iter := p.pdb.NewIter(nil)
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := batch.Delete(append([]byte{}, iter.Key()...), nil); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	err := db.ReadSnapshot(r, func(key, value []byte) error {
		if _, err := db.DecodeKey(key); err != nil {
			return err
		}
		return batch.Set(key, value, nil)
	})
	if err != nil {
		return err
	}
	return batch.Commit(p.writeOpts)
}

// --------------------------------------------------------------------------
// Feature Support
// --------------------------------------------------------------------------

const supportedFeatures = db.FeaturePut | db.FeatureGet | db.FeatureDelete |
	db.FeatureBatch | db.FeatureRangeScan | db.FeatureSave | db.FeatureLoad

func (p *pebbleImpl) SupportsFeature(feature db.Feature) bool {
	return supportedFeatures&feature == feature
}

func (p *pebbleImpl) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType: db.ImplPebble,
		SupportedFeatures: []db.Feature{
			db.FeaturePut, db.FeatureGet, db.FeatureDelete,
			db.FeatureBatch, db.FeatureRangeScan,
			db.FeatureSave, db.FeatureLoad,
		},
		Metadata: map[string]interface{}{
			"dir":       p.opts.Dir,
			"in_memory": p.opts.InMemory,
			"sync":      p.opts.Sync,
		},
	}
	if !p.acquire() {
		return info
	}
	defer p.openMu.RUnlock()

	iter := p.pdb.NewIter(nil)
	for valid := iter.First(); valid; valid = iter.Next() {
		info.Entries++
		info.SizeBytes += len(iter.Key()) + len(iter.Value())
	}
	_ = iter.Close()
	return info
}

// acquire read locks openMu and reports false, without holding the lock, once the store is closed
func (p *pebbleImpl) acquire() bool {
	p.openMu.RLock()
	if p.closed {
		p.openMu.RUnlock()
		return false
	}
	return true
}

// Close waits for running calls to leave pdb
func (p *pebbleImpl) Close() error {
	p.openMu.Lock()
	defer p.openMu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.pdb.Close()
}
