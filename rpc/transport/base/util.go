package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	// frameHeaderSize is target id (8) + request id (8) + payload length (4)
	frameHeaderSize = 20
	// maxFrameSize bounds the payload a peer may announce, a dump of a large node stays well below
	maxFrameSize = 1 << 30
)

// writeFrame writes one frame, all integers big endian:
//
//	| target (uint64, 0 = monitor) | requestID (uint64) | length (uint32) | payload |
func writeFrame(conn net.Conn, target uint64, requestID uint64, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds the limit of %d bytes", len(data), maxFrameSize)
	}
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], target)
	binary.BigEndian.PutUint64(header[8:16], requestID)
	binary.BigEndian.PutUint32(header[16:], uint32(len(data)))

	// one writev for header and payload
	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame into buf. A payload larger than buf gets its own allocation,
// the returned slice aliases buf otherwise.
func readFrame(conn net.Conn, buf []byte) (target uint64, requestID uint64, data []byte, err error) {
	if len(buf) < frameHeaderSize {
		buf = make([]byte, frameHeaderSize)
	}
	if _, err = io.ReadFull(conn, buf[:frameHeaderSize]); err != nil {
		return 0, 0, nil, err
	}

	target = binary.BigEndian.Uint64(buf[:8])
	requestID = binary.BigEndian.Uint64(buf[8:16])
	length := int(binary.BigEndian.Uint32(buf[16:frameHeaderSize]))

	if length == 0 {
		return target, requestID, []byte{}, nil
	}
	if length > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("peer announced a frame of %d bytes (limit %d)", length, maxFrameSize)
	}
	if len(buf) < length {
		buf = make([]byte, length)
	}
	if _, err = io.ReadFull(conn, buf[:length]); err != nil {
		return 0, 0, nil, err
	}
	return target, requestID, buf[:length], nil
}
