package profiledb

import (
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the top-level stream. Field 1 repeats once per
// tracked block, field 2 once per tracked branch site; both are
// length-delimited embedded messages, so unknown future fields at any
// level are skipped rather than rejected, giving the format forward and
// backward compatibility without generated message code.
const (
	fieldBlockRecord  = 1
	fieldBranchRecord = 2
)

// Field numbers within a BlockRecord submessage.
const (
	blockFieldRIP   = 1
	blockFieldCount = 2
)

// Field numbers within a BranchRecord submessage.
const (
	branchFieldRIP       = 1
	branchFieldTaken     = 2
	branchFieldNotTaken  = 3
)

type branchCounts struct {
	taken    uint64
	notTaken uint64
}

// MapDB is an in-memory DB backed by plain maps, guarded by a mutex.
type MapDB struct {
	mu       sync.RWMutex
	blocks   map[uint64]uint64
	branches map[uint64]branchCounts
}

// NewMapDB creates an empty MapDB.
func NewMapDB() *MapDB {
	return &MapDB{
		blocks:   make(map[uint64]uint64),
		branches: make(map[uint64]branchCounts),
	}
}

// RecordBlock increments the execution count for rip.
func (db *MapDB) RecordBlock(rip uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.blocks[rip]++
}

// RecordBranch records one outcome of the branch at rip.
func (db *MapDB) RecordBranch(rip uint64, taken bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c := db.branches[rip]
	if taken {
		c.taken++
	} else {
		c.notTaken++
	}
	db.branches[rip] = c
}

// GetBlockCount returns the recorded execution count for rip.
func (db *MapDB) GetBlockCount(rip uint64) uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.blocks[rip]
}

// BranchBias returns the fraction of observed outcomes at rip that were
// taken, and whether any outcomes have been recorded at all.
func (db *MapDB) BranchBias(rip uint64) (bias float64, known bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.branches[rip]
	total := c.taken + c.notTaken
	if !ok || total == 0 {
		return 0, false
	}
	return float64(c.taken) / float64(total), true
}

// Serialize encodes every tracked block and branch record into the
// profile wire format.
func (db *MapDB) Serialize() ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []byte
	for rip, count := range db.blocks {
		var rec []byte
		rec = protowire.AppendTag(rec, blockFieldRIP, protowire.VarintType)
		rec = protowire.AppendVarint(rec, rip)
		rec = protowire.AppendTag(rec, blockFieldCount, protowire.VarintType)
		rec = protowire.AppendVarint(rec, count)

		out = protowire.AppendTag(out, fieldBlockRecord, protowire.BytesType)
		out = protowire.AppendBytes(out, rec)
	}

	for rip, c := range db.branches {
		var rec []byte
		rec = protowire.AppendTag(rec, branchFieldRIP, protowire.VarintType)
		rec = protowire.AppendVarint(rec, rip)
		rec = protowire.AppendTag(rec, branchFieldTaken, protowire.VarintType)
		rec = protowire.AppendVarint(rec, c.taken)
		rec = protowire.AppendTag(rec, branchFieldNotTaken, protowire.VarintType)
		rec = protowire.AppendVarint(rec, c.notTaken)

		out = protowire.AppendTag(out, fieldBranchRecord, protowire.BytesType)
		out = protowire.AppendBytes(out, rec)
	}

	return out, nil
}

// Deserialize replaces the DB's contents with what data encodes. Unknown
// top-level and submessage fields are skipped, so a profile written by a
// newer version of this format can still be read.
func (db *MapDB) Deserialize(data []byte) error {
	blocks := make(map[uint64]uint64)
	branches := make(map[uint64]branchCounts)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldBlockRecord && typ == protowire.BytesType:
			rec, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			rip, count := decodeBlockRecord(rec)
			blocks[rip] = count

		case num == fieldBranchRecord && typ == protowire.BytesType:
			rec, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			rip, c := decodeBranchRecord(rec)
			branches[rip] = c

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	db.mu.Lock()
	db.blocks = blocks
	db.branches = branches
	db.mu.Unlock()
	return nil
}

func decodeBlockRecord(data []byte) (rip uint64, count uint64) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return
		}
		data = data[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return
		}
		data = data[n:]
		switch num {
		case blockFieldRIP:
			rip = v
		case blockFieldCount:
			count = v
		}
		_ = typ
	}
	return
}

func decodeBranchRecord(data []byte) (rip uint64, c branchCounts) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return
		}
		data = data[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return
		}
		data = data[n:]
		switch num {
		case branchFieldRIP:
			rip = v
		case branchFieldTaken:
			c.taken = v
		case branchFieldNotTaken:
			c.notTaken = v
		}
		_ = typ
	}
	return
}
