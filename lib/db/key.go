package db

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// keySeparator terminates every key component in the byte encoding.
// Components never contain it, so byte order of encoded keys equals component-wise string order.
const keySeparator byte = 0x00

// Key is a two-level key: a major (partition) component and an ordered list of minor components.
type Key struct {
	Major string
	Minor []string
}

// NewKey creates a key from a major component and any number of minor components
func NewKey(major string, minor ...string) Key {
	return Key{Major: major, Minor: minor}
}

// String renders the key in path form, e.g. /4/-/42/3
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteString("/")
	sb.WriteString(k.Major)
	if len(k.Minor) > 0 {
		sb.WriteString("/-")
		for _, c := range k.Minor {
			sb.WriteString("/")
			sb.WriteString(c)
		}
	}
	return sb.String()
}

// Validate checks that no component holds the separator byte
func (k Key) Validate() error {
	if k.Major == "" {
		return fmt.Errorf("%w: empty major component", ErrInvalidKey)
	}
	if strings.IndexByte(k.Major, keySeparator) >= 0 {
		return fmt.Errorf("%w: major component contains 0x00", ErrInvalidKey)
	}
	for i, c := range k.Minor {
		if strings.IndexByte(c, keySeparator) >= 0 {
			return fmt.Errorf("%w: minor component %d contains 0x00", ErrInvalidKey, i)
		}
	}
	return nil
}

// KeyRange is an inclusive range over the first minor component of a key.
// An empty Start means unbounded below, an empty End means unbounded above.
type KeyRange struct {
	Start string
	End   string
}

// Exact returns a range that matches exactly one value of the first minor component.
// Unlike a string prefix, Exact("4") does not match "42".
func Exact(component string) *KeyRange {
	return &KeyRange{Start: component, End: component}
}

// --------------------------------------------------------------------------
// Byte Encoding (used by all ordered engines)
// --------------------------------------------------------------------------

// EncodeKey converts a key into its ordered byte form:
// major 0x00 minor0 0x00 minor1 0x00 ...
func EncodeKey(k Key) []byte {
	size := len(k.Major) + 1
	for _, c := range k.Minor {
		size += len(c) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, k.Major...)
	buf = append(buf, keySeparator)
	for _, c := range k.Minor {
		buf = append(buf, c...)
		buf = append(buf, keySeparator)
	}
	return buf
}

// DecodeKey is the inverse of EncodeKey
func DecodeKey(b []byte) (Key, error) {
	if len(b) == 0 || b[len(b)-1] != keySeparator {
		return Key{}, fmt.Errorf("%w: encoded key is not terminated", ErrInvalidKey)
	}
	parts := bytes.Split(b[:len(b)-1], []byte{keySeparator})
	k := Key{Major: string(parts[0])}
	if len(parts) > 1 {
		k.Minor = make([]string, len(parts)-1)
		for i, p := range parts[1:] {
			k.Minor[i] = string(p)
		}
	}
	return k, nil
}

// ScanBounds returns the encoded [lower, upper) interval covering all keys of
// the major component that fall in the (optional) range.
func ScanBounds(major string, r *KeyRange) (lower, upper []byte) {
	prefix := append([]byte(major), keySeparator)

	lower = prefix
	upper = append([]byte(major), keySeparator+1)
	if r == nil {
		return lower, upper
	}

	if r.Start != "" {
		lower = append(append(append([]byte{}, prefix...), r.Start...), keySeparator)
	}
	if r.End != "" {
		upper = append(append(append([]byte{}, prefix...), r.End...), keySeparator+1)
	}
	return lower, upper
}

// --------------------------------------------------------------------------
// Snapshot Format (shared by Save / Load)
// --------------------------------------------------------------------------

const (
	snapshotMagic   = "RKVSNAP\x00" // File format identifier
	snapshotVersion = 1             // Format version
)

// WriteSnapshot writes all encoded entries produced by next to w.
// next is called until it returns ok=false.
func WriteSnapshot(w io.Writer, count uint64, next func() (key, value []byte, ok bool)) error {
	bw := bufio.NewWriterSize(w, 1024*1024) // 1 MB buffer

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(snapshotVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, count); err != nil {
		return err
	}

	written := uint64(0)
	for {
		key, value, ok := next()
		if !ok {
			break
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(key))); err != nil {
			return err
		}
		if _, err := bw.Write(key); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(value))); err != nil {
			return err
		}
		if _, err := bw.Write(value); err != nil {
			return err
		}
		written++
	}

	if written != count {
		return fmt.Errorf("snapshot: announced %d entries but wrote %d", count, written)
	}
	return bw.Flush()
}

// ReadSnapshot reads a snapshot written by WriteSnapshot and calls apply for every entry.
func ReadSnapshot(r io.Reader, apply func(key, value []byte) error) error {
	br := bufio.NewReaderSize(r, 1024*1024) // 1 MB buffer

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return err
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("invalid file format: magic number mismatch")
	}

	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != snapshotVersion {
		return fmt.Errorf("unsupported version: %d (expected %d)", version, snapshotVersion)
	}

	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		var keyLen uint32
		if err := binary.Read(br, binary.LittleEndian, &keyLen); err != nil {
			return err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return err
		}

		var valueLen uint32
		if err := binary.Read(br, binary.LittleEndian, &valueLen); err != nil {
			return err
		}
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(br, value); err != nil {
			return err
		}

		if err := apply(key, value); err != nil {
			return err
		}
	}
	return nil
}
