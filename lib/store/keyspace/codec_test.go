package keyspace

import (
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/engines/memdb"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeEntries(t *testing.T, c Codec, rec store.Record) []db.Entry {
	ops, err := c.EncodeWrite(rec)
	require.NoError(t, err)
	entries := make([]db.Entry, len(ops))
	for i, op := range ops {
		entries[i] = db.Entry{Key: op.Key, Value: op.Value}
	}
	return entries
}

func TestAttributeKeyRoundTrip(t *testing.T) {
	c := NewCodec(5, 5)

	key := c.AttributeKey(4, 42, 7)
	assert.Equal(t, "4", key.Major)
	assert.Equal(t, []string{"42", "7"}, key.Minor)

	profile, id, attr, err := c.DecodeKey(key)
	require.NoError(t, err)
	assert.Equal(t, 4, profile)
	assert.Equal(t, 42, id)
	assert.Equal(t, 7, attr)
}

func TestDecodeKeyCorrupt(t *testing.T) {
	c := NewCodec(2, 1)

	tests := []struct {
		name string
		key  db.Key
	}{
		{"MissingAttribute", db.NewKey("1", "2")},
		{"NonNumericProfile", db.NewKey("x", "2", "0")},
		{"NonNumericID", db.NewKey("1", "y", "0")},
		{"NonNumericAttribute", db.NewKey("1", "2", "z")},
		{"AttributeOutOfRange", db.NewKey("1", "2", "3")},
		{"NegativeAttribute", db.NewKey("1", "2", "-1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := c.DecodeKey(tt.key)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestEncodeWrite(t *testing.T) {
	c := NewCodec(2, 2)

	ops, err := c.EncodeWrite(store.Record{Profile: 3, ID: 9, Numbers: []int{-1, 20}, Strings: []string{"", "b"}})
	require.NoError(t, err)
	require.Len(t, ops, 4)

	expected := []string{"-1", "20", "", "b"}
	for i, op := range ops {
		assert.Equal(t, db.OpPut, op.Type)
		assert.Equal(t, c.AttributeKey(3, 9, i), op.Key)
		assert.Equal(t, expected[i], string(op.Value))
	}

	_, err = c.EncodeWrite(store.Record{Profile: 3, ID: 9, Numbers: []int{1}, Strings: []string{"a", "b"}})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestEncodeDelete(t *testing.T) {
	c := NewCodec(3, 2)

	ops := c.EncodeDelete(1, 2)
	require.Len(t, ops, 5)
	for i, op := range ops {
		assert.Equal(t, db.OpDelete, op.Type)
		assert.Equal(t, c.AttributeKey(1, 2, i), op.Key)
	}
}

func TestDecodeRecordRoundTrip(t *testing.T) {
	c := NewCodec(5, 5)
	rec := store.Record{
		Profile: 4,
		ID:      42,
		Numbers: []int{700, 701, 702, 703, 704},
		Strings: []string{"s1", "s2", "s3", "s4", "s5"},
	}

	entries := encodeEntries(t, c, rec)

	// order of the entries does not matter
	entries[0], entries[9] = entries[9], entries[0]

	decoded, err := c.DecodeRecord(4, 42, entries)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestDecodeRecordCorrupt(t *testing.T) {
	c := NewCodec(2, 1)
	rec := store.Record{Profile: 1, ID: 1, Numbers: []int{1, 2}, Strings: []string{"x"}}

	t.Run("Torn", func(t *testing.T) {
		entries := encodeEntries(t, c, rec)
		_, err := c.DecodeRecord(1, 1, entries[:2])
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("BadNumber", func(t *testing.T) {
		entries := encodeEntries(t, c, rec)
		entries[1].Value = []byte("NaN")
		_, err := c.DecodeRecord(1, 1, entries)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("DuplicateAttribute", func(t *testing.T) {
		entries := encodeEntries(t, c, rec)
		entries[2] = entries[0]
		_, err := c.DecodeRecord(1, 1, entries)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("ForeignRecord", func(t *testing.T) {
		entries := encodeEntries(t, c, rec)
		_, err := c.DecodeRecord(1, 2, entries)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestGroup(t *testing.T) {
	c := NewCodec(1, 1)

	var entries []db.Entry
	for _, id := range []int{10, 2, 1} {
		entries = append(entries, encodeEntries(t, c, store.Record{Profile: 7, ID: id, Numbers: []int{id}, Strings: []string{"s"}})...)
	}
	// torn record 5
	torn := encodeEntries(t, c, store.Record{Profile: 7, ID: 5, Numbers: []int{5}, Strings: []string{"s"}})
	entries = append(entries, torn[0])

	records, skipped := c.Group(7, entries)
	require.Len(t, records, 3)
	assert.Equal(t, 1, records[0].ID)
	assert.Equal(t, 2, records[1].ID)
	assert.Equal(t, 10, records[2].ID)
	require.Len(t, skipped, 1)
	assert.ErrorIs(t, skipped[0], ErrCorrupt)
}

// ids are plain decimals, so 1 and 10 share a prefix and sort lexically
func TestRecordRangeDoesNotMatchPrefixes(t *testing.T) {
	c := NewCodec(1, 1)
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	for _, id := range []int{1, 10, 100, 9} {
		ops, err := c.EncodeWrite(store.Record{Profile: 7, ID: id, Numbers: []int{id}, Strings: []string{"s"}})
		require.NoError(t, err)
		_, err = kv.Execute(ops)
		require.NoError(t, err)
	}

	major, r := c.RecordRange(7, 1)
	entries, err := kv.MultiGet(major, r)
	require.NoError(t, err)
	records, skipped := c.Group(7, entries)
	require.Empty(t, skipped)
	require.Len(t, records, 1)
	assert.Equal(t, []int{1}, records[0].Numbers)

	entries, err = kv.MultiGet(Major(7), nil)
	require.NoError(t, err)
	records, _ = c.Group(7, entries)
	ids := make([]int, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	assert.Equal(t, []int{1, 9, 10, 100}, ids)
}
