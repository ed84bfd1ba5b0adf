package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTRegister CommandType = iota // Record the initial owner of a profile.
	CommandTBegin                       // Begin a migration of a profile to a requester.
	CommandTEnd                         // Complete the in-flight migration.
	CommandTAbort                       // Cancel the in-flight migration.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTRegister:
		return "Register"
	case CommandTBegin:
		return "Begin"
	case CommandTEnd:
		return "End"
	case CommandTAbort:
		return "Abort"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// commandSize is the size of every serialized command: type + profile + node
const commandSize = 1 + 8 + 8

// Command represents a command to be executed by the state machine (a single entry in the raft log)
type Command struct {
	Type    CommandType
	Profile int
	Node    uint64 // owner for register, requester for begin/end/abort
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 8 bytes for the profile (big endian, two's complement),
// 8 bytes for the node id (big endian)
func (command *Command) Serialize() []byte {
	result := make([]byte, commandSize)
	result[0] = byte(command.Type)
	binary.BigEndian.PutUint64(result[1:9], uint64(int64(command.Profile)))
	binary.BigEndian.PutUint64(result[9:17], command.Node)
	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) != commandSize {
		return fmt.Errorf("command must be %d bytes, got %d", commandSize, len(data))
	}
	command.Type = CommandType(data[0])
	command.Profile = int(int64(binary.BigEndian.Uint64(data[1:9])))
	command.Node = binary.BigEndian.Uint64(data[9:17])
	return nil
}

// EncodeNode encodes a node id as result data
func EncodeNode(node uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, node)
}

// DecodeNode is the inverse of EncodeNode
func DecodeNode(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("node id must be 8 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}
