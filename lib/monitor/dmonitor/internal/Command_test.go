package internal

import (
	"testing"
)

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name:    "Register",
			command: Command{Type: CommandTRegister, Profile: 12, Node: 3},
		},
		{
			name:    "Begin with large node id",
			command: Command{Type: CommandTBegin, Profile: 1, Node: ^uint64(0)},
		},
		{
			name:    "Negative profile",
			command: Command{Type: CommandTAbort, Profile: -7, Node: 1},
		},
		{
			name:    "Zero values",
			command: Command{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()
			if len(data) != commandSize {
				t.Fatalf("Serialize() produced %d bytes, want %d", len(data), commandSize)
			}

			var decoded Command
			if err := decoded.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if decoded != tt.command {
				t.Errorf("Deserialize() = %+v, want %+v", decoded, tt.command)
			}
		})
	}
}

// TestDeserializeErrors tests error handling of the Deserialize method
func TestDeserializeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"Too short", make([]byte, commandSize-1)},
		{"Too long", make([]byte, commandSize+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd Command
			if err := cmd.Deserialize(tt.data); err == nil {
				t.Errorf("Deserialize() expected an error for %d bytes", len(tt.data))
			}
		})
	}
}

func TestNodeEncoding(t *testing.T) {
	for _, node := range []uint64{0, 1, 1 << 40, ^uint64(0)} {
		decoded, err := DecodeNode(EncodeNode(node))
		if err != nil || decoded != node {
			t.Errorf("DecodeNode(EncodeNode(%d)) = %d, %v", node, decoded, err)
		}
	}
	if _, err := DecodeNode([]byte{1, 2}); err == nil {
		t.Errorf("DecodeNode() expected an error for short input")
	}
}
