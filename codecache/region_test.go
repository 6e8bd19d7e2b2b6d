package codecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionIndexOverlap(t *testing.T) {
	var idx regionIndex
	idx.insert(0x1000, 0x1010)
	idx.insert(0x2000, 0x2020)
	idx.insert(0x1500, 0x1510)

	require.ElementsMatch(t, []uint64{0x1000}, idx.overlapping(0x1008, 0x1010))
	require.ElementsMatch(t, []uint64{0x1000, 0x1500}, idx.overlapping(0x1005, 0x1505))
	require.Empty(t, idx.overlapping(0x9000, 0x9010))
}

func TestRegionIndexInsertOverwrites(t *testing.T) {
	var idx regionIndex
	idx.insert(0x1000, 0x1010)
	idx.insert(0x1000, 0x1020)
	require.Equal(t, 1, idx.len())
	require.ElementsMatch(t, []uint64{0x1000}, idx.overlapping(0x1015, 0x1018))
}

func TestRegionIndexRemove(t *testing.T) {
	var idx regionIndex
	idx.insert(0x1000, 0x1010)
	idx.insert(0x2000, 0x2010)
	idx.remove(0x1000)
	require.Equal(t, 1, idx.len())
	require.Empty(t, idx.overlapping(0x1000, 0x1010))
}
