package partitions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripGrid_TwoStrips(t *testing.T) {
	d, err := StripGrid(5, 3, 2)
	require.NoError(t, err)
	require.Equal(t, 2, d.NumRanks())
	assert.Equal(t, 15, d.GlobalNodes)

	r0, r1 := d.Ranks[0], d.Ranks[1]
	assert.Equal(t, 9, r0.LocalNodes)
	assert.Equal(t, 9, r1.LocalNodes)
	assert.Equal(t, []int{0, 1, 2, 5, 6, 7, 10, 11, 12}, r0.LocalToGlobal)
	assert.Equal(t, []int{2, 3, 4, 7, 8, 9, 12, 13, 14}, r1.LocalToGlobal)

	assert.Equal(t, []int{2}, r0.Interface.Neighbors)
	assert.Equal(t, []int{0, 3}, r0.Interface.Index)
	assert.Equal(t, []int{3, 6, 9}, r0.Interface.Nodes)

	assert.Equal(t, []int{1}, r1.Interface.Neighbors)
	assert.Equal(t, []int{1, 4, 7}, r1.Interface.Nodes)

	mult := d.Multiplicity()
	for g, m := range mult {
		want := 1
		if g%5 == 2 {
			want = 2
		}
		assert.Equal(t, want, m, "global node %d", g)
	}
}

func TestBlockGrid_CornerSharing(t *testing.T) {
	d, err := BlockGrid(3, 3, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 4, d.NumRanks())

	r0 := d.Ranks[0].Interface
	assert.Equal(t, []int{2, 3, 4}, r0.Neighbors)
	assert.Equal(t, []int{0, 2, 4, 5}, r0.Index)
	assert.Equal(t, []int{2, 4, 3, 4, 4}, r0.Nodes)

	assert.Equal(t, 4, d.Multiplicity()[4])

	stats := d.Statistics()
	assert.Equal(t, Stats{
		NumRanks:     4,
		MinNeighbors: 3,
		MaxNeighbors: 3,
		MinInterface: 5,
		MaxInterface: 5,
		AvgInterface: 5,
		TotalVolume:  20,
		Imbalance:    1,
	}, stats)
}

func TestBlockGrid_SinglePartition(t *testing.T) {
	d, err := BlockGrid(4, 4, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 1, d.NumRanks())
	assert.Zero(t, d.Ranks[0].Interface.NumNeighbors())
	assert.Equal(t, []int{0}, d.Ranks[0].Interface.Index)
	assert.Equal(t, 16, d.Ranks[0].LocalNodes)
}

func TestGridBuilder_Invalid(t *testing.T) {
	for _, gb := range []GridBuilder{
		{NX: 1, NY: 3, PX: 1, PY: 1},
		{NX: 3, NY: 3, PX: 0, PY: 1},
		{NX: 3, NY: 3, PX: 3, PY: 1},
		{NX: 3, NY: 3, PX: 1, PY: 5},
	} {
		_, err := gb.Build()
		assert.Error(t, err, "%+v", gb)
	}
}

func TestBlockCuts(t *testing.T) {
	assert.Equal(t, []int{0, 2, 4}, blockCuts(4, 2))
	assert.Equal(t, []int{0, 2, 3, 4}, blockCuts(4, 3))
	assert.Equal(t, []int{0, 2, 3, 4, 5}, blockCuts(5, 4))
	assert.Equal(t, []int{0, 1, 2, 3}, blockCuts(3, 3))
	assert.Equal(t, []int{0, 7}, blockCuts(7, 1))
}
