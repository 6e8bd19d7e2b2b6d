package profiledb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndGetBlockCount(t *testing.T) {
	db := NewMapDB()
	db.RecordBlock(0x1000)
	db.RecordBlock(0x1000)
	db.RecordBlock(0x2000)

	require.Equal(t, uint64(2), db.GetBlockCount(0x1000))
	require.Equal(t, uint64(1), db.GetBlockCount(0x2000))
	require.Equal(t, uint64(0), db.GetBlockCount(0x3000))
}

func TestBranchBias(t *testing.T) {
	db := NewMapDB()
	_, known := db.BranchBias(0x1000)
	require.False(t, known)

	db.RecordBranch(0x1000, true)
	db.RecordBranch(0x1000, true)
	db.RecordBranch(0x1000, false)

	bias, known := db.BranchBias(0x1000)
	require.True(t, known)
	require.InDelta(t, 2.0/3.0, bias, 1e-9)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	db := NewMapDB()
	db.RecordBlock(0x1000)
	db.RecordBlock(0x1000)
	db.RecordBlock(0x2000)
	db.RecordBranch(0x3000, true)
	db.RecordBranch(0x3000, false)
	db.RecordBranch(0x3000, false)

	data, err := db.Serialize()
	require.NoError(t, err)

	restored := NewMapDB()
	require.NoError(t, restored.Deserialize(data))

	require.Equal(t, uint64(2), restored.GetBlockCount(0x1000))
	require.Equal(t, uint64(1), restored.GetBlockCount(0x2000))

	bias, known := restored.BranchBias(0x3000)
	require.True(t, known)
	require.InDelta(t, 1.0/3.0, bias, 1e-9)
}

func TestDeserializeSkipsUnknownFields(t *testing.T) {
	db := NewMapDB()
	db.RecordBlock(0x1000)
	data, err := db.Serialize()
	require.NoError(t, err)

	// simulate a future writer appending an unknown top-level field
	extended := append(append([]byte{}, data...), 0x1a, 0x02, 0xAA, 0xBB)

	restored := NewMapDB()
	require.NoError(t, restored.Deserialize(extended))
	require.Equal(t, uint64(1), restored.GetBlockCount(0x1000))
}
