package keyspace

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/store"
)

var (
	// ErrCorrupt is returned when a stored key or value does not have the expected shape
	ErrCorrupt = errors.New("keyspace: corrupt entry")
	// ErrInvalidRecord is returned when a record does not match the configured attribute counts
	ErrInvalidRecord = errors.New("keyspace: invalid record")
)

// Codec maps records to primitive keys.
// The major component is the decimal profile id, the minor components are
// (record id, attribute index). Indices below Numbers hold numeric attributes,
// the remaining Strings indices hold string attributes.
type Codec struct {
	Numbers int
	Strings int
}

// NewCodec creates a codec for records with the given attribute counts
func NewCodec(numbers, strings int) Codec {
	return Codec{Numbers: numbers, Strings: strings}
}

// Attributes returns the number of primitive keys occupied by one record
func (c Codec) Attributes() int {
	return c.Numbers + c.Strings
}

// Major returns the major key component of a profile
func Major(profile int) string {
	return strconv.Itoa(profile)
}

// RecordRange returns the scan covering all attributes of one record
func (c Codec) RecordRange(profile, id int) (major string, r *db.KeyRange) {
	return Major(profile), db.Exact(strconv.Itoa(id))
}

// AttributeKey returns the primitive key of a single attribute
func (c Codec) AttributeKey(profile, id, attr int) db.Key {
	return db.NewKey(Major(profile), strconv.Itoa(id), strconv.Itoa(attr))
}

// DecodeKey is the inverse of AttributeKey
func (c Codec) DecodeKey(key db.Key) (profile, id, attr int, err error) {
	if len(key.Minor) != 2 {
		return 0, 0, 0, fmt.Errorf("%w: key %s has %d minor components", ErrCorrupt, key, len(key.Minor))
	}
	if profile, err = strconv.Atoi(key.Major); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: profile of key %s: %v", ErrCorrupt, key, err)
	}
	if id, err = strconv.Atoi(key.Minor[0]); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: record id of key %s: %v", ErrCorrupt, key, err)
	}
	if attr, err = strconv.Atoi(key.Minor[1]); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: attribute of key %s: %v", ErrCorrupt, key, err)
	}
	if attr < 0 || attr >= c.Attributes() {
		return 0, 0, 0, fmt.Errorf("%w: attribute %d of key %s out of range", ErrCorrupt, attr, key)
	}
	return profile, id, attr, nil
}

// --------------------------------------------------------------------------
// Record Encoding
// --------------------------------------------------------------------------

// Validate checks the attribute counts of a record
func (c Codec) Validate(rec store.Record) error {
	if len(rec.Numbers) != c.Numbers || len(rec.Strings) != c.Strings {
		return fmt.Errorf("%w: record %d/%d has %d numbers and %d strings, expected %d and %d",
			ErrInvalidRecord, rec.Profile, rec.ID, len(rec.Numbers), len(rec.Strings), c.Numbers, c.Strings)
	}
	return nil
}

// EncodeWrite lowers a record into one put per attribute
func (c Codec) EncodeWrite(rec store.Record) ([]db.Op, error) {
	if err := c.Validate(rec); err != nil {
		return nil, err
	}
	ops := make([]db.Op, 0, c.Attributes())
	for i, n := range rec.Numbers {
		ops = append(ops, db.Op{Type: db.OpPut, Key: c.AttributeKey(rec.Profile, rec.ID, i), Value: []byte(strconv.Itoa(n))})
	}
	for i, s := range rec.Strings {
		ops = append(ops, db.Op{Type: db.OpPut, Key: c.AttributeKey(rec.Profile, rec.ID, c.Numbers+i), Value: []byte(s)})
	}
	return ops, nil
}

// EncodeDelete lowers a delete into one primitive delete per attribute
func (c Codec) EncodeDelete(profile, id int) []db.Op {
	ops := make([]db.Op, c.Attributes())
	for attr := range ops {
		ops[attr] = db.Op{Type: db.OpDelete, Key: c.AttributeKey(profile, id, attr)}
	}
	return ops
}

// DecodeRecord rebuilds a record from the entries of one record range.
// It fails with ErrCorrupt unless every attribute is present exactly once and parses.
func (c Codec) DecodeRecord(profile, id int, entries []db.Entry) (store.Record, error) {
	if len(entries) != c.Attributes() {
		return store.Record{}, fmt.Errorf("%w: record %d/%d has %d of %d attributes", ErrCorrupt, profile, id, len(entries), c.Attributes())
	}

	rec := store.Record{
		Profile: profile,
		ID:      id,
		Numbers: make([]int, c.Numbers),
		Strings: make([]string, c.Strings),
	}
	seen := make([]bool, c.Attributes())

	for _, e := range entries {
		p, i, attr, err := c.DecodeKey(e.Key)
		if err != nil {
			return store.Record{}, err
		}
		if p != profile || i != id {
			return store.Record{}, fmt.Errorf("%w: key %s does not belong to record %d/%d", ErrCorrupt, e.Key, profile, id)
		}
		if seen[attr] {
			return store.Record{}, fmt.Errorf("%w: attribute %d of record %d/%d appears twice", ErrCorrupt, attr, profile, id)
		}
		seen[attr] = true

		if attr < c.Numbers {
			n, err := strconv.Atoi(string(e.Value))
			if err != nil {
				return store.Record{}, fmt.Errorf("%w: numeric attribute %d of record %d/%d: %v", ErrCorrupt, attr, profile, id, err)
			}
			rec.Numbers[attr] = n
		} else {
			rec.Strings[attr-c.Numbers] = string(e.Value)
		}
	}
	return rec, nil
}

// Group regroups the entries of a profile scan into records ordered by id.
// Records that cannot be decoded (torn or corrupt) are left out and reported in skipped.
func (c Codec) Group(profile int, entries []db.Entry) (records []store.Record, skipped []error) {
	byID := make(map[int][]db.Entry)
	for _, e := range entries {
		p, id, _, err := c.DecodeKey(e.Key)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		if p != profile {
			skipped = append(skipped, fmt.Errorf("%w: key %s found in scan of profile %d", ErrCorrupt, e.Key, profile))
			continue
		}
		byID[id] = append(byID[id], e)
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	records = make([]store.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := c.DecodeRecord(profile, id, byID[id])
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		records = append(records, rec)
	}
	return records, skipped
}
