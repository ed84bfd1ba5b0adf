package db

import (
	"errors"
	"io"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMemDB  Implementation = "memdb"
	ImplPebble Implementation = "pebble"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeaturePut       Feature = 1 << iota // Support for Put operations
	FeatureGet                           // Support for Get operations
	FeatureDelete                        // Support for Delete operations
	FeatureBatch                         // Support for atomic Execute batches
	FeatureRangeScan                     // Support for ordered MultiGet scans
	FeatureSave                          // Support for Save operations
	FeatureLoad                          // Support for Load operations
)

func (f Feature) String() string {
	switch f {
	case FeaturePut:
		return "Put"
	case FeatureGet:
		return "Get"
	case FeatureDelete:
		return "Delete"
	case FeatureBatch:
		return "Batch"
	case FeatureRangeScan:
		return "RangeScan"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	Entries           int            `json:"entries"`
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// OpType is the kind of primitive operation inside a batch
type OpType uint8

const (
	OpPut OpType = iota
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is a single primitive operation of an atomic batch
type Op struct {
	Type  OpType
	Key   Key
	Value []byte
}

// Entry is one key-value pair returned by a range scan
type Entry struct {
	Key   Key
	Value []byte
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// transient faults, the caller may retry the whole batch

	ErrTimeout     = errors.New("db: operation timed out")
	ErrUnavailable = errors.New("db: engine temporarily unavailable")
	ErrExecution   = errors.New("db: non-fatal execution fault")

	// permanent faults

	ErrMalformedBatch = errors.New("db: malformed batch")
	ErrInvalidKey     = errors.New("db: invalid key")
	ErrClosed         = errors.New("db: database is closed")
)

// IsTransient reports whether err is a fault after which the same batch may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrExecution)
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for ordered key-value engines addressed by a two-level Key.
// Entries of one major key are kept in minor key order, which makes MultiGet an ordered range scan.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Put inserts or updates the value stored under key.
	Put(key Key, value []byte) (err error)

	// Delete removes the entry stored under key.
	// The returned flag reports whether the key existed.
	Delete(key Key) (existed bool, err error)

	// Execute applies all operations as one indivisible unit: either every operation is applied or none is.
	// It returns one success flag per operation. Put flags are always true, delete flags report
	// whether the key existed at the moment the delete was applied.
	Execute(ops []Op) (results []bool, err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value for an exact key.
	// The boolean return value indicates whether a value for the key was found.
	Get(key Key) (value []byte, loaded bool, err error)

	// MultiGet returns every entry below the major key, ordered by minor key.
	// A non-nil KeyRange restricts the scan to entries whose first minor component lies in the range.
	MultiGet(major string, r *KeyRange) (entries []Entry, err error)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current state of the database to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load replaces the database state with the data provided by an io.Reader.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close closes the database. Every later call returns ErrClosed.
	Close() (err error)
}
