package lstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/keyspace"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("store")

var (
	lookupsTotal     = metrics.GetOrCreateCounter(`rkv_store_requests_total{kind="lookup"}`)
	batchesTotal     = metrics.GetOrCreateCounter(`rkv_store_requests_total{kind="batch"}`)
	corruptTotal     = metrics.GetOrCreateCounter(`rkv_store_corrupt_records_total`)
	batchSizeEntries = metrics.GetOrCreateHistogram(`rkv_store_batch_primitive_ops`)
	executeDuration  = metrics.GetOrCreateHistogram(`rkv_store_execute_duration_seconds`)
)

// Options configures the local store
type Options struct {
	Codec keyspace.Codec
	Retry RetryOptions
}

// DefaultOptions returns records with 5 numeric and 5 string attributes and the default retry policy
func DefaultOptions() *Options {
	return &Options{
		Codec: keyspace.NewCodec(5, 5),
		Retry: DefaultRetryOptions(),
	}
}

type storeImpl struct {
	db    db.KVDB
	codec keyspace.Codec
	retry RetryOptions
}

// NewLocalStore creates a new local transaction engine on top of the db created by factory.
func NewLocalStore(factory store.DBFactory, opts *Options) store.IStore {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &storeImpl{
		db:    factory(),
		codec: opts.Codec,
		retry: opts.Retry,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Execute(ctx context.Context, ops []store.Operation) ([]store.OperationResult, error) {
	defer executeDuration.UpdateDuration(time.Now())

	if len(ops) == 0 {
		return store.FailedResults(0), store.NewError(store.RetCInvalidOperation, "empty request")
	}
	if err := s.validate(ops); err != nil {
		return store.FailedResults(len(ops)), err
	}

	// a single read is a pure lookup
	if len(ops) == 1 && ops[0].Type == store.OpTRead {
		lookupsTotal.Inc()
		results := store.FailedResults(1)
		rec, found, err := s.lookup(ctx, ops[0].Record.Profile, ops[0].Record.ID)
		if err != nil {
			return results, err
		}
		if found {
			results[0] = store.OperationResult{Success: true, Data: &rec}
		}
		return results, nil
	}

	batchesTotal.Inc()
	return s.executeBatch(ctx, ops)
}

func (s *storeImpl) Scan(ctx context.Context, profile int) ([]store.Record, error) {
	var entries []db.Entry
	err := s.retry.retry(ctx, fmt.Sprintf("scan of profile %d", profile), func() (err error) {
		entries, err = s.db.MultiGet(keyspace.Major(profile), nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	records, skipped := s.codec.Group(profile, entries)
	if len(skipped) > 0 {
		corruptTotal.Add(len(skipped))
		for _, e := range skipped {
			Logger.Warningf("skipping record during scan of profile %d: %v", profile, e)
		}
		return records, fmt.Errorf("%w: %w", store.Errorf(store.RetCCorruption, "%d entries of profile %d could not be decoded", len(skipped), profile), errors.Join(skipped...))
	}
	return records, nil
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}

func (s *storeImpl) Close() error {
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Internal Helpers
// --------------------------------------------------------------------------

// validate rejects unknown operation types and writes with wrong attribute counts
func (s *storeImpl) validate(ops []store.Operation) error {
	for i, op := range ops {
		switch op.Type {
		case store.OpTRead, store.OpTDelete:
		case store.OpTWrite:
			if err := s.codec.Validate(op.Record); err != nil {
				return store.Errorf(store.RetCInvalidOperation, "operation %d: %v", i, err)
			}
		default:
			return store.Errorf(store.RetCInvalidOperation, "operation %d has unknown type %d", i, op.Type)
		}
	}
	return nil
}

// lookup reads one record with a range scan. A record is found only if
// exactly Numbers+Strings entries exist and all of them decode.
func (s *storeImpl) lookup(ctx context.Context, profile, id int) (store.Record, bool, error) {
	major, r := s.codec.RecordRange(profile, id)

	var entries []db.Entry
	err := s.retry.retry(ctx, fmt.Sprintf("lookup of %d/%d", profile, id), func() (err error) {
		entries, err = s.db.MultiGet(major, r)
		return err
	})
	if err != nil {
		return store.Record{}, false, err
	}

	if len(entries) != s.codec.Attributes() {
		return store.Record{}, false, nil
	}

	rec, err := s.codec.DecodeRecord(profile, id, entries)
	if err != nil {
		corruptTotal.Inc()
		Logger.Warningf("corrupt record %d/%d: %v", profile, id, err)
		return store.Record{}, false, nil
	}
	return rec, true, nil
}

// executeBatch lowers all writes and deletes into one atomic batch. Each logical operation
// owns a group of Numbers+Strings primitive operations; its result is the flag of the group's
// first primitive operation. Reads are served after the batch committed.
func (s *storeImpl) executeBatch(ctx context.Context, ops []store.Operation) ([]store.OperationResult, error) {
	results := store.FailedResults(len(ops))

	groupStart := make([]int, len(ops))
	primitives := make([]db.Op, 0, len(ops)*s.codec.Attributes())
	for i, op := range ops {
		groupStart[i] = len(primitives)
		switch op.Type {
		case store.OpTWrite:
			lowered, err := s.codec.EncodeWrite(op.Record)
			if err != nil {
				return results, store.Errorf(store.RetCInvalidOperation, "operation %d: %v", i, err)
			}
			primitives = append(primitives, lowered...)
		case store.OpTDelete:
			primitives = append(primitives, s.codec.EncodeDelete(op.Record.Profile, op.Record.ID)...)
		}
	}

	if len(primitives) > 0 {
		batchSizeEntries.Update(float64(len(primitives)))

		var flags []bool
		err := s.retry.retry(ctx, fmt.Sprintf("batch of %d operations", len(ops)), func() (err error) {
			flags, err = s.db.Execute(primitives)
			return err
		})
		if err != nil {
			return results, err
		}
		if len(flags) != len(primitives) {
			return results, store.Errorf(store.RetCInternalError, "engine returned %d flags for %d operations", len(flags), len(primitives))
		}

		for i, op := range ops {
			if op.Type == store.OpTWrite || op.Type == store.OpTDelete {
				results[i].Success = flags[groupStart[i]]
			}
		}
	}

	for i, op := range ops {
		if op.Type != store.OpTRead {
			continue
		}
		rec, found, err := s.lookup(ctx, op.Record.Profile, op.Record.ID)
		if err != nil {
			return results, err
		}
		if found {
			results[i] = store.OperationResult{Success: true, Data: &rec}
		}
	}
	return results, nil
}
