package deopt

import (
	"sync/atomic"

	"github.com/joeycumines/go-nvmjit/guard"
)

// Stats holds the running deoptimization counters for a Manager.
type Stats struct {
	totalDeopts            uint64
	typeMismatches         uint64
	valueMismatches        uint64
	rangeViolations        uint64
	nullPointers           uint64
	branchMispredicts      uint64
	callTargetMismatches   uint64
	guardsDisabled         uint64
	recompilationsTriggered uint64
}

// Snapshot is an immutable point-in-time copy of Stats.
type Snapshot struct {
	TotalDeopts             uint64
	TypeMismatches          uint64
	ValueMismatches         uint64
	RangeViolations         uint64
	NullPointers            uint64
	BranchMispredicts       uint64
	CallTargetMismatches    uint64
	GuardsDisabled          uint64
	RecompilationsTriggered uint64
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		TotalDeopts:             atomic.LoadUint64(&s.totalDeopts),
		TypeMismatches:          atomic.LoadUint64(&s.typeMismatches),
		ValueMismatches:         atomic.LoadUint64(&s.valueMismatches),
		RangeViolations:         atomic.LoadUint64(&s.rangeViolations),
		NullPointers:            atomic.LoadUint64(&s.nullPointers),
		BranchMispredicts:       atomic.LoadUint64(&s.branchMispredicts),
		CallTargetMismatches:    atomic.LoadUint64(&s.callTargetMismatches),
		GuardsDisabled:          atomic.LoadUint64(&s.guardsDisabled),
		RecompilationsTriggered: atomic.LoadUint64(&s.recompilationsTriggered),
	}
}

func (s *Stats) recordReason(r guard.Reason) {
	switch r {
	case guard.TypeMismatch:
		atomic.AddUint64(&s.typeMismatches, 1)
	case guard.ValueMismatch:
		atomic.AddUint64(&s.valueMismatches, 1)
	case guard.RangeViolation:
		atomic.AddUint64(&s.rangeViolations, 1)
	case guard.NullPointer:
		atomic.AddUint64(&s.nullPointers, 1)
	case guard.BranchMispredict:
		atomic.AddUint64(&s.branchMispredicts, 1)
	case guard.CallTargetMismatch:
		atomic.AddUint64(&s.callTargetMismatches, 1)
	}
}
