package serializer

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/ValentinKolb/rKV/lib/ring"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/google/uuid"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: MsgType (1 byte) | flags (2 bytes, big endian) | present fields in flag order.
// Integers are varints, lengths and counts uvarints, floats 8 byte IEEE 754 bits.
// Empty slices and maps are decoded as nil, Value keeps the difference between nil and empty.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasProfile  uint16 = 1 << 0
	hasNode     uint16 = 1 << 1
	hasProfiles uint16 = 1 << 2
	hasOps      uint16 = 1 << 3
	hasResults  uint16 = 1 << 4
	hasRecords  uint16 = 1 << 5
	hasToken    uint16 = 1 << 6
	hasOwners   uint16 = 1 << 7
	hasValue    uint16 = 1 << 8
	hasOk       uint16 = 1 << 9
	hasCode     uint16 = 1 << 10
	hasErr      uint16 = 1 << 11
)

const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	e := encoder{buf: make([]byte, headerSize, headerSize+64)}
	e.buf[0] = byte(msg.MsgType)

	var flags uint16

	if msg.Profile != 0 {
		flags |= hasProfile
		e.varint(int64(msg.Profile))
	}
	if msg.Node != 0 {
		flags |= hasNode
		e.uvarint(msg.Node)
	}
	if len(msg.Profiles) > 0 {
		flags |= hasProfiles
		e.ints(msg.Profiles)
	}
	if len(msg.Ops) > 0 {
		flags |= hasOps
		e.uvarint(uint64(len(msg.Ops)))
		for _, op := range msg.Ops {
			e.buf = append(e.buf, byte(op.Type))
			e.record(op.Record)
		}
	}
	if len(msg.Results) > 0 {
		flags |= hasResults
		e.uvarint(uint64(len(msg.Results)))
		for _, res := range msg.Results {
			var state byte
			if res.Success {
				state |= 1
			}
			if res.Data != nil {
				state |= 2
			}
			e.buf = append(e.buf, state)
			if res.Data != nil {
				e.record(*res.Data)
			}
		}
	}
	if len(msg.Records) > 0 {
		flags |= hasRecords
		e.uvarint(uint64(len(msg.Records)))
		for _, rec := range msg.Records {
			e.record(rec)
		}
	}
	if msg.Token != nil {
		flags |= hasToken
		e.token(*msg.Token)
	}
	if len(msg.Owners) > 0 {
		flags |= hasOwners
		profiles := make([]int, 0, len(msg.Owners))
		for p := range msg.Owners {
			profiles = append(profiles, p)
		}
		sort.Ints(profiles)
		e.uvarint(uint64(len(profiles)))
		for _, p := range profiles {
			e.varint(int64(p))
			e.uvarint(msg.Owners[p])
		}
	}
	if msg.Value != nil {
		flags |= hasValue
		e.blob(msg.Value)
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Code != 0 {
		flags |= hasCode
		e.uvarint(msg.Code)
	}
	if msg.Err != "" {
		flags |= hasErr
		e.str(msg.Err)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(e.buf[1:headerSize], flags)
	return e.buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:headerSize])
	d := decoder{data: data, pos: headerSize}

	if flags&hasProfile != 0 {
		msg.Profile = int(d.varint("profile"))
	}
	if flags&hasNode != 0 {
		msg.Node = d.uvarint("node")
	}
	if flags&hasProfiles != 0 {
		msg.Profiles = d.ints("profiles")
	}
	if flags&hasOps != 0 {
		n := d.count("ops", 2)
		if n > 0 {
			msg.Ops = make([]store.Operation, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			msg.Ops[i].Type = store.OperationType(d.u8("operation type"))
			msg.Ops[i].Record = d.record()
		}
	}
	if flags&hasResults != 0 {
		n := d.count("results", 1)
		if n > 0 {
			msg.Results = make([]store.OperationResult, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			state := d.u8("result state")
			msg.Results[i].Success = state&1 != 0
			if state&2 != 0 {
				rec := d.record()
				msg.Results[i].Data = &rec
			}
		}
	}
	if flags&hasRecords != 0 {
		n := d.count("records", 2)
		if n > 0 {
			msg.Records = make([]store.Record, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			msg.Records[i] = d.record()
		}
	}
	if flags&hasToken != 0 {
		tok := d.token()
		msg.Token = &tok
	}
	if flags&hasOwners != 0 {
		n := d.count("owners", 2)
		if n > 0 {
			msg.Owners = make(map[int]uint64, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			p := int(d.varint("owner profile"))
			msg.Owners[p] = d.uvarint("owner node")
		}
	}
	if flags&hasValue != 0 {
		msg.Value = d.blob("value")
		if msg.Value == nil && d.err == nil {
			msg.Value = []byte{}
		}
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasCode != 0 {
		msg.Code = d.uvarint("code")
	}
	if flags&hasErr != 0 {
		msg.Err = d.str("error")
	}

	return d.err
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// encoder appends fields to buf
type encoder struct {
	buf []byte
}

func (e *encoder) varint(v int64)   { e.buf = binary.AppendVarint(e.buf, v) }
func (e *encoder) uvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }

func (e *encoder) blob(v []byte) {
	e.uvarint(uint64(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) {
	e.uvarint(uint64(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) ints(v []int) {
	e.uvarint(uint64(len(v)))
	for _, i := range v {
		e.varint(int64(i))
	}
}

func (e *encoder) record(r store.Record) {
	e.varint(int64(r.Profile))
	e.varint(int64(r.ID))
	e.ints(r.Numbers)
	e.uvarint(uint64(len(r.Strings)))
	for _, s := range r.Strings {
		e.str(s)
	}
}

func (e *encoder) token(t ring.Token) {
	e.buf = append(e.buf, t.ID[:]...)
	e.uvarint(t.Origin)
	e.varint(int64(t.Hops))
	if t.Offer != nil {
		e.buf = append(e.buf, 1)
		e.uvarint(t.Offer.Origin)
		e.varint(int64(t.Offer.Capacity))
	} else {
		e.buf = append(e.buf, 0)
	}

	nodes := make([]uint64, 0, len(t.Loads))
	for id := range t.Loads {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	e.uvarint(uint64(len(nodes)))
	for _, id := range nodes {
		e.uvarint(id)
		e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(t.Loads[id]))
	}
}

// decoder reads fields from data. The first error is kept and every later read is a no-op.
type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) fail(field string) {
	if d.err == nil {
		d.err = fmt.Errorf("data too short for %s", field)
	}
}

func (d *decoder) u8(field string) byte {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.data) {
		d.fail(field)
		return 0
	}
	v := d.data[d.pos]
	d.pos++
	return v
}

func (d *decoder) varint(field string) int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.data[d.pos:])
	if n <= 0 {
		d.fail(field)
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) uvarint(field string) uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		d.fail(field)
		return 0
	}
	d.pos += n
	return v
}

// count reads a length prefix and checks that the remaining data can hold n items of
// at least minSize bytes each
func (d *decoder) count(field string, minSize int) int {
	n := d.uvarint(field + " count")
	if d.err != nil {
		return 0
	}
	if n > uint64((len(d.data)-d.pos)/max(minSize, 1)) {
		d.fail(field)
		return 0
	}
	return int(n)
}

func (d *decoder) raw(field string, n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.fail(field)
		return nil
	}
	v := d.data[d.pos : d.pos+n]
	d.pos += n
	return v
}

func (d *decoder) blob(field string) []byte {
	n := d.count(field, 1)
	if n == 0 {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.raw(field, n))
	return v
}

func (d *decoder) str(field string) string {
	return string(d.raw(field, d.count(field, 1)))
}

func (d *decoder) ints(field string) []int {
	n := d.count(field, 1)
	if n == 0 {
		return nil
	}
	v := make([]int, n)
	for i := range v {
		v[i] = int(d.varint(field))
	}
	return v
}

func (d *decoder) record() store.Record {
	r := store.Record{
		Profile: int(d.varint("record profile")),
		ID:      int(d.varint("record id")),
		Numbers: d.ints("record numbers"),
	}
	if n := d.count("record strings", 1); n > 0 {
		r.Strings = make([]string, n)
		for i := range r.Strings {
			r.Strings[i] = d.str("record string")
		}
	}
	return r
}

func (d *decoder) token() ring.Token {
	var t ring.Token
	if id := d.raw("token id", len(uuid.UUID{})); id != nil {
		copy(t.ID[:], id)
	}
	t.Origin = d.uvarint("token origin")
	t.Hops = int(d.varint("token hops"))
	if d.u8("token offer") == 1 {
		t.Offer = &ring.Offer{
			Origin:   d.uvarint("offer origin"),
			Capacity: int(d.varint("offer capacity")),
		}
	}
	if n := d.count("token loads", 9); n > 0 {
		t.Loads = make(map[uint64]float64, n)
		for i := 0; i < n && d.err == nil; i++ {
			id := d.uvarint("load node")
			if bits := d.raw("load value", 8); bits != nil {
				t.Loads[id] = math.Float64frombits(binary.BigEndian.Uint64(bits))
			}
		}
	}
	return t
}
