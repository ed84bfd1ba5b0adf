package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	c := newCluster(t, []nodeSpec{{3, 0, 1}, {1, 1, 1}}, nil)
	r := NewRegistry()

	require.NoError(t, r.Register(3, c.nodes[3]))
	require.NoError(t, r.Register(1, c.nodes[1]))
	assert.ErrorIs(t, r.Register(1, c.nodes[1]), ErrDuplicateNode)
	assert.ErrorIs(t, r.Register(0, c.nodes[1]), ErrReservedID)
	assert.Error(t, r.Register(7, nil))

	assert.Equal(t, []uint64{1, 3}, r.IDs())

	p, err := r.Lookup(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p.ID())

	_, err = r.Lookup(2)
	assert.ErrorIs(t, err, ErrUnknownNode)

	r.Replace(3, c.nodes[1])
	p, _ = r.Lookup(3)
	assert.Equal(t, uint64(1), p.ID())

	r.Remove(3)
	assert.Equal(t, []uint64{1}, r.IDs())
}

func TestNeighbors(t *testing.T) {
	tests := []struct {
		name        string
		ids         []uint64
		id          uint64
		left, right uint64
	}{
		{"Middle", []uint64{3, 1, 2}, 2, 1, 3},
		{"First", []uint64{1, 2, 3}, 1, 3, 2},
		{"Last", []uint64{1, 2, 3}, 3, 2, 1},
		{"Single", []uint64{5}, 5, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			left, right, err := Neighbors(tt.ids, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.left, left)
			assert.Equal(t, tt.right, right)
		})
	}

	_, _, err := Neighbors([]uint64{1, 2}, 4)
	assert.ErrorIs(t, err, ErrUnknownNode)
}
