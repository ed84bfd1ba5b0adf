package lstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/engines/memdb"
	dbtesting "github.com/ValentinKolb/rKV/lib/db/testing"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/keyspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryOptions {
	return RetryOptions{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func newTestStore(t *testing.T) (store.IStore, *dbtesting.FaultyDB) {
	faulty := dbtesting.NewFaultyDB(memdb.NewMemDB(nil))
	s := NewLocalStore(func() db.KVDB { return faulty }, &Options{
		Codec: keyspace.NewCodec(5, 5),
		Retry: fastRetry(),
	})
	t.Cleanup(func() { s.Close() })
	return s, faulty
}

func sampleRecord(profile, id int) store.Record {
	return store.Record{
		Profile: profile,
		ID:      id,
		Numbers: []int{700, 701, 702, 703, 704},
		Strings: []string{"s1", "s2", "s3", "s4", "s5"},
	}
}

func writeOp(rec store.Record) store.Operation {
	return store.NewWrite(rec.Profile, rec.ID, rec.Numbers, rec.Strings)
}

func TestWriteReadDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rec := sampleRecord(4, 42)

	res, err := s.Execute(ctx, []store.Operation{writeOp(rec)})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Success)
	assert.Nil(t, res[0].Data)

	res, err = s.Execute(ctx, []store.Operation{store.NewRead(4, 42)})
	require.NoError(t, err)
	require.True(t, res[0].Success)
	assert.Equal(t, rec, *res[0].Data)

	res, err = s.Execute(ctx, []store.Operation{store.NewDelete(4, 42)})
	require.NoError(t, err)
	assert.True(t, res[0].Success)

	res, err = s.Execute(ctx, []store.Operation{store.NewRead(4, 42)})
	require.NoError(t, err)
	assert.False(t, res[0].Success)
	assert.Nil(t, res[0].Data)
}

func TestDeleteKeepsSiblings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// 4 and 42 share a string prefix but must stay independent
	_, err := s.Execute(ctx, []store.Operation{writeOp(sampleRecord(1, 4)), writeOp(sampleRecord(1, 42))})
	require.NoError(t, err)

	_, err = s.Execute(ctx, []store.Operation{store.NewDelete(1, 4)})
	require.NoError(t, err)

	res, err := s.Execute(ctx, []store.Operation{store.NewRead(1, 42)})
	require.NoError(t, err)
	assert.True(t, res[0].Success)

	res, err = s.Execute(ctx, []store.Operation{store.NewRead(1, 4)})
	require.NoError(t, err)
	assert.False(t, res[0].Success)
}

func TestDeleteMissingFails(t *testing.T) {
	s, _ := newTestStore(t)

	res, err := s.Execute(context.Background(), []store.Operation{store.NewDelete(1, 1)})
	require.NoError(t, err)
	assert.False(t, res[0].Success)
}

func TestBatchAtomicity(t *testing.T) {
	s, faulty := newTestStore(t)
	ctx := context.Background()

	const n = 20
	ops := make([]store.Operation, n)
	for i := range ops {
		ops[i] = writeOp(sampleRecord(2, i))
	}

	res, err := s.Execute(ctx, ops)
	require.NoError(t, err)
	require.Len(t, res, n)
	for i := range res {
		assert.True(t, res[i].Success, "write %d", i)
	}
	assert.Equal(t, 1, faulty.ExecuteCalls(), "a request must be a single batch")

	for i := 0; i < n; i++ {
		res, err := s.Execute(ctx, []store.Operation{store.NewRead(2, i)})
		require.NoError(t, err)
		assert.True(t, res[0].Success, "read %d", i)
	}
}

func TestMixedBatchReadsItsWrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Execute(ctx, []store.Operation{writeOp(sampleRecord(3, 1))})
	require.NoError(t, err)

	res, err := s.Execute(ctx, []store.Operation{
		store.NewRead(3, 2),
		writeOp(sampleRecord(3, 2)),
		store.NewDelete(3, 1),
		store.NewRead(3, 1),
		store.NewDelete(3, 99),
	})
	require.NoError(t, err)
	require.Len(t, res, 5)
	assert.True(t, res[0].Success)
	assert.Equal(t, 2, res[0].Data.ID)
	assert.True(t, res[1].Success)
	assert.True(t, res[2].Success)
	assert.False(t, res[3].Success)
	assert.False(t, res[4].Success)
}

func TestNeverWrittenNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	ops := []store.Operation{store.NewRead(9, 1), store.NewRead(9, 2), store.NewRead(10, 1)}
	res, err := s.Execute(context.Background(), ops)
	require.NoError(t, err)
	require.Len(t, res, len(ops))
	for _, r := range res {
		assert.False(t, r.Success)
		assert.Nil(t, r.Data)
	}
}

func TestTornRecordNotFound(t *testing.T) {
	s, faulty := newTestStore(t)
	codec := keyspace.NewCodec(5, 5)

	// a record with a missing attribute is not a record
	require.NoError(t, faulty.Put(codec.AttributeKey(5, 1, 0), []byte("1")))

	res, err := s.Execute(context.Background(), []store.Operation{store.NewRead(5, 1)})
	require.NoError(t, err)
	assert.False(t, res[0].Success)
}

func TestInvalidRequests(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ops  []store.Operation
	}{
		{"Empty", nil},
		{"WrongNumberCount", []store.Operation{store.NewWrite(1, 1, []int{1}, []string{"a", "b", "c", "d", "e"})}},
		{"WrongStringCount", []store.Operation{store.NewWrite(1, 1, []int{1, 2, 3, 4, 5}, nil)}},
		{"UnknownType", []store.Operation{{Type: store.OperationType(42)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Execute(ctx, tt.ops)
			assert.ErrorIs(t, err, store.ErrCode(store.RetCInvalidOperation))
			assert.Len(t, res, len(tt.ops))
			for _, r := range res {
				assert.False(t, r.Success)
			}
		})
	}
}

func TestTransientFaultsAreRetried(t *testing.T) {
	s, faulty := newTestStore(t)
	ctx := context.Background()

	faulty.FailExecute(db.ErrTimeout, db.ErrUnavailable)

	res, err := s.Execute(ctx, []store.Operation{writeOp(sampleRecord(1, 1)), writeOp(sampleRecord(1, 2))})
	require.NoError(t, err)
	assert.True(t, res[0].Success)
	assert.True(t, res[1].Success)
	assert.Equal(t, 3, faulty.ExecuteCalls())

	faulty.FailMultiGet(db.ErrExecution)
	res, err = s.Execute(ctx, []store.Operation{store.NewRead(1, 1)})
	require.NoError(t, err)
	assert.True(t, res[0].Success)
}

func TestRetriesExhausted(t *testing.T) {
	s, faulty := newTestStore(t)

	faulty.FailAlways(db.ErrTimeout)
	res, err := s.Execute(context.Background(), []store.Operation{writeOp(sampleRecord(1, 1)), store.NewDelete(1, 2)})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrCode(store.RetCRetriesExhausted))
	assert.ErrorIs(t, err, db.ErrTimeout)
	assert.Len(t, res, 2)
	assert.Equal(t, 3, faulty.ExecuteCalls())

	// nothing was applied
	faulty.FailAlways(nil)
	res, err = s.Execute(context.Background(), []store.Operation{store.NewRead(1, 1)})
	require.NoError(t, err)
	assert.False(t, res[0].Success)
}

func TestPermanentFaultIsNotRetried(t *testing.T) {
	s, faulty := newTestStore(t)

	faulty.FailExecute(db.ErrMalformedBatch)
	_, err := s.Execute(context.Background(), []store.Operation{writeOp(sampleRecord(1, 1)), writeOp(sampleRecord(1, 2))})
	assert.ErrorIs(t, err, store.ErrCode(store.RetCInternalError))
	assert.ErrorIs(t, err, db.ErrMalformedBatch)
	assert.Equal(t, 1, faulty.ExecuteCalls())
}

func TestCanceledContext(t *testing.T) {
	faulty := dbtesting.NewFaultyDB(memdb.NewMemDB(nil))
	s := NewLocalStore(func() db.KVDB { return faulty }, &Options{
		Codec: keyspace.NewCodec(5, 5),
		Retry: RetryOptions{MaxAttempts: 1000, BaseBackoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
	})
	defer s.Close()

	faulty.FailAlways(db.ErrUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Execute(ctx, []store.Operation{writeOp(sampleRecord(1, 1)), writeOp(sampleRecord(1, 2))})
	assert.ErrorIs(t, err, store.ErrCode(store.RetCCanceled))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestScan(t *testing.T) {
	s, faulty := newTestStore(t)
	ctx := context.Background()

	ops := make([]store.Operation, 0, 10)
	for i := 9; i >= 0; i-- {
		ops = append(ops, writeOp(sampleRecord(6, i)))
	}
	ops = append(ops, writeOp(sampleRecord(60, 1)))
	_, err := s.Execute(ctx, ops)
	require.NoError(t, err)

	records, err := s.Scan(ctx, 6)
	require.NoError(t, err)
	require.Len(t, records, 10)
	for i, r := range records {
		assert.Equal(t, i, r.ID)
		assert.Equal(t, 6, r.Profile)
	}

	// corrupt one record: the rest is still returned
	codec := keyspace.NewCodec(5, 5)
	require.NoError(t, faulty.Put(codec.AttributeKey(6, 3, 0), []byte("not-a-number")))

	records, err = s.Scan(ctx, 6)
	assert.ErrorIs(t, err, store.ErrCode(store.RetCCorruption))
	assert.Len(t, records, 9)
}

func TestStoreErrorFormatting(t *testing.T) {
	err := store.Errorf(store.RetCMigrationConflict, "profile %d", 3)
	assert.Equal(t, fmt.Sprintf("rKV error (code %s): profile 3", store.RetCMigrationConflict), err.Error())
	assert.Equal(t, store.RetCMigrationConflict, store.CodeOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, store.RetCInternalError, store.CodeOf(errors.New("plain")))
	assert.Equal(t, store.RetCSuccess, store.CodeOf(nil))
}
