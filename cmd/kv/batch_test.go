package kv

import (
	"strings"
	"testing"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBatch(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []store.Operation
		wantErr string
	}{
		{
			name: "all operations",
			input: "read 1 2\n" +
				"write 1 3 4,5 a,b\n" +
				"DELETE 0 7\n",
			want: []store.Operation{
				store.NewRead(1, 2),
				store.NewWrite(1, 3, []int{4, 5}, []string{"a", "b"}),
				store.NewDelete(0, 7),
			},
		},
		{
			name:  "comments and blank lines",
			input: "# header\n\n   \nread 4 4\n  # indented comment\n",
			want:  []store.Operation{store.NewRead(4, 4)},
		},
		{
			name:  "empty string attributes are kept",
			input: "write 2 1 0 ,x,",
			want:  []store.Operation{store.NewWrite(2, 1, []int{0}, []string{"", "x", ""})},
		},
		{
			name:    "empty batch",
			input:   "# only a comment\n",
			wantErr: "batch is empty",
		},
		{
			name:    "unknown operation",
			input:   "read 1 1\nupdate 1 1\n",
			wantErr: "line 2: unknown operation",
		},
		{
			name:    "missing id",
			input:   "read 1",
			wantErr: "line 1: expected OPERATION PROFILE ID",
		},
		{
			name:    "invalid profile",
			input:   "delete x 1",
			wantErr: "invalid profile",
		},
		{
			name:    "read with attributes",
			input:   "read 1 1 2,3 a,b",
			wantErr: "read takes PROFILE ID",
		},
		{
			name:    "write without attributes",
			input:   "write 1 1",
			wantErr: "write takes PROFILE ID NUMBERS STRINGS",
		},
		{
			name:    "invalid number",
			input:   "write 1 1 1,z a",
			wantErr: "invalid number",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, err := parseBatch(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ops)
		})
	}
}
