package memdb

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultDegree = 32 // Default btree degree
)

// --------------------------------------------------------------------------
// Tree Item
// --------------------------------------------------------------------------

// entry is a single encoded key-value pair stored in the tree
type entry struct {
	key   []byte
	value []byte
}

// Less implements btree.Item, ordering entries by their encoded key
func (e *entry) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entry).key) < 0
}

// pivot creates an item that is only used for lookups
func pivot(key []byte) *entry {
	return &entry{key: key}
}

// --------------------------------------------------------------------------
// Core MemDB structure
// --------------------------------------------------------------------------

// memDBImpl is an ordered in-memory engine.
// A single RWMutex guards the tree: batches take the write lock, scans the read lock.
type memDBImpl struct {
	mu        sync.RWMutex
	tree      *btree.BTree
	degree    int
	sizeBytes int
	closed    bool
}

// DBOptions configures the memDBImpl behavior during initialization
type DBOptions struct {
	Degree int // Degree of the btree (0 = use default)
}

// DefaultOptions returns the default memDBImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		Degree: defaultDegree,
	}
}

// NewMemDB creates a new in-memory engine with the specified options (optional)
func NewMemDB(opts *DBOptions) db.KVDB {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Degree < 2 {
		opts.Degree = defaultDegree
	}
	return &memDBImpl{
		tree:   btree.New(opts.Degree),
		degree: opts.Degree,
	}
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (m *memDBImpl) Put(key db.Key, value []byte) error {
	_, err := m.Execute([]db.Op{{Type: db.OpPut, Key: key, Value: value}})
	return err
}

func (m *memDBImpl) Delete(key db.Key) (bool, error) {
	res, err := m.Execute([]db.Op{{Type: db.OpDelete, Key: key}})
	if err != nil {
		return false, err
	}
	return res[0], nil
}

// Execute validates the whole batch before touching the tree, so a rejected batch leaves no trace.
//
// Thread-safety: This method is thread-safe, batches are serialized by the write lock.
func (m *memDBImpl) Execute(ops []db.Op) ([]bool, error) {
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

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, db.ErrClosed
	}

	results := make([]bool, len(ops))
	for i, op := range ops {
		switch op.Type {
		case db.OpPut:
			value := make([]byte, len(op.Value))
			copy(value, op.Value)
			if old := m.tree.ReplaceOrInsert(&entry{key: encoded[i], value: value}); old != nil {
				prev := old.(*entry)
				m.sizeBytes -= len(prev.key) + len(prev.value)
			}
			m.sizeBytes += len(encoded[i]) + len(value)
			results[i] = true
		case db.OpDelete:
			if old := m.tree.Delete(pivot(encoded[i])); old != nil {
				prev := old.(*entry)
				m.sizeBytes -= len(prev.key) + len(prev.value)
				results[i] = true
			}
		}
	}
	return results, nil
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (m *memDBImpl) Get(key db.Key) ([]byte, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, db.ErrClosed
	}

	item := m.tree.Get(pivot(db.EncodeKey(key)))
	if item == nil {
		return nil, false, nil
	}

	// return a copy so the caller can not modify the stored value
	value := item.(*entry).value
	result := make([]byte, len(value))
	copy(result, value)
	return result, true, nil
}

func (m *memDBImpl) MultiGet(major string, r *db.KeyRange) ([]db.Entry, error) {
	if err := db.NewKey(major).Validate(); err != nil {
		return nil, err
	}
	lower, upper := db.ScanBounds(major, r)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, db.ErrClosed
	}

	var entries []db.Entry
	var decodeErr error
	m.tree.AscendRange(pivot(lower), pivot(upper), func(i btree.Item) bool {
		e := i.(*entry)
		key, err := db.DecodeKey(e.key)
		if err != nil {
			decodeErr = err
			return false
		}
		value := make([]byte, len(e.value))
		copy(value, e.value)
		entries = append(entries, db.Entry{Key: key, Value: value})
		return true
	})
	return entries, decodeErr
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save writes a consistent snapshot, writers are blocked while it runs
func (m *memDBImpl) Save(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return db.ErrClosed
	}

	items := make([]*entry, 0, m.tree.Len())
	m.tree.Ascend(func(i btree.Item) bool {
		items = append(items, i.(*entry))
		return true
	})

	idx := 0
	return db.WriteSnapshot(w, uint64(len(items)), func() ([]byte, []byte, bool) {
		if idx >= len(items) {
			return nil, nil, false
		}
		e := items[idx]
		idx++
		return e.key, e.value, true
	})
}

// Load replaces the current content. On error the previous content is kept.
func (m *memDBImpl) Load(r io.Reader) error {
	tree := btree.New(m.degree)
	size := 0
	err := db.ReadSnapshot(r, func(key, value []byte) error {
		if _, err := db.DecodeKey(key); err != nil {
			return err
		}
		tree.ReplaceOrInsert(&entry{key: key, value: value})
		size += len(key) + len(value)
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return db.ErrClosed
	}
	m.tree = tree
	m.sizeBytes = size
	return nil
}

// --------------------------------------------------------------------------
// Feature Support
// --------------------------------------------------------------------------

const supportedFeatures = db.FeaturePut | db.FeatureGet | db.FeatureDelete |
	db.FeatureBatch | db.FeatureRangeScan | db.FeatureSave | db.FeatureLoad

func (m *memDBImpl) SupportsFeature(feature db.Feature) bool {
	return supportedFeatures&feature == feature
}

func (m *memDBImpl) GetInfo() db.DatabaseInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return db.DatabaseInfo{
		Entries:   m.tree.Len(),
		SizeBytes: m.sizeBytes,
		DbType:    db.ImplMemDB,
		SupportedFeatures: []db.Feature{
			db.FeaturePut, db.FeatureGet, db.FeatureDelete,
			db.FeatureBatch, db.FeatureRangeScan,
			db.FeatureSave, db.FeatureLoad,
		},
		Metadata: map[string]interface{}{
			"degree": m.degree,
		},
	}
}

func (m *memDBImpl) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tree = btree.New(m.degree)
	m.sizeBytes = 0
	return nil
}
