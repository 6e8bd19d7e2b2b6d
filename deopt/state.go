// Package deopt implements zero-stop-the-world deoptimization: when a
// speculation guard inlined into compiled code fails, execution must
// transfer back to the interpreter with the guest's register state
// reconstructed from whatever the native code left behind.
package deopt

import "github.com/joeycumines/go-nvmjit/guard"

// State is the guest-visible register state reconstructed at a
// deoptimization point, ready to resume interpretation from.
type State struct {
	GuestRIP uint64
	GPRs     [16]uint64
	RFlags   uint64
	RSP      uint64
	Reason   guard.Reason
	GuardID  uint32
}

// RegMapKind discriminates the ways a guest register's value can be
// recovered from native execution state.
type RegMapKind uint8

const (
	// InRegister means the guest register's value is currently held in a
	// native register.
	InRegister RegMapKind = iota
	// OnStack means the guest register's value was spilled to the native
	// stack at a fixed offset from RSP.
	OnStack
	// Constant means the guest register's value is a compile-time
	// constant that never needed a physical location.
	Constant
	// Computed means the guest register's value is derived as
	// base + index*scale + offset, as it would be from an addressing-mode
	// style computation.
	Computed
)

// RegMap describes how to recover one guest register's value at a
// specific deopt point.
type RegMap struct {
	Kind RegMapKind

	Reg uint8 // InRegister: native register index

	StackOffset int32 // OnStack: offset from RSP

	Value uint64 // Constant: the value itself

	Base     uint8 // Computed: native register index of the base
	HasIndex bool  // Computed: whether Index is meaningful
	Index    uint8 // Computed: native register index of the index
	Scale    uint8 // Computed: index scale factor
	Offset   int32 // Computed: additive offset
}

// InRegisterMap builds a RegMap recovering a value from a native register.
func InRegisterMap(reg uint8) RegMap {
	return RegMap{Kind: InRegister, Reg: reg}
}

// OnStackMap builds a RegMap recovering a value from the native stack.
func OnStackMap(offset int32) RegMap {
	return RegMap{Kind: OnStack, StackOffset: offset}
}

// ConstantMap builds a RegMap for a value baked in at compile time.
func ConstantMap(value uint64) RegMap {
	return RegMap{Kind: Constant, Value: value}
}

// ComputedMap builds a RegMap recovering a value as an addressing-mode
// computation over native registers.
func ComputedMap(base uint8, index *uint8, scale uint8, offset int32) RegMap {
	rm := RegMap{Kind: Computed, Base: base, Scale: scale, Offset: offset}
	if index != nil {
		rm.HasIndex = true
		rm.Index = *index
	}
	return rm
}

// Metadata ties a single deopt point in compiled native code back to the
// guest state and guard it belongs to.
type Metadata struct {
	// NativeOffset is the byte offset of this deopt point within its
	// block's native code.
	NativeOffset uint32
	GuestRIP     uint64
	// RegMap[i] describes how to recover guest register i.
	RegMap  []RegMap
	GuardID uint32
	Reason  guard.Reason
}

// NativeRegs is the native execution state captured by a guard-failure
// trampoline, passed to Manager.HandleDeopt for guest-state
// reconstruction.
type NativeRegs struct {
	// GPRs holds the native general-purpose register file at the
	// trampoline, indexed by native register number.
	GPRs   [16]uint64
	RSP    uint64
	RFlags uint64
	// ReadStack recovers the 8 bytes at RSP+offset, for RegMap entries of
	// kind OnStack. It may be nil, in which case OnStack entries resolve
	// to zero.
	ReadStack func(offsetFromRSP int32) uint64
}

func reconstructGPRs(regMap []RegMap, native NativeRegs) [16]uint64 {
	var out [16]uint64
	for i, rm := range regMap {
		if i >= len(out) {
			break
		}
		switch rm.Kind {
		case InRegister:
			if int(rm.Reg) < len(native.GPRs) {
				out[i] = native.GPRs[rm.Reg]
			}
		case OnStack:
			if native.ReadStack != nil {
				out[i] = native.ReadStack(rm.StackOffset)
			}
		case Constant:
			out[i] = rm.Value
		case Computed:
			var base, index uint64
			if int(rm.Base) < len(native.GPRs) {
				base = native.GPRs[rm.Base]
			}
			if rm.HasIndex && int(rm.Index) < len(native.GPRs) {
				index = native.GPRs[rm.Index]
			}
			out[i] = base + index*uint64(rm.Scale) + uint64(int64(rm.Offset))
		}
	}
	return out
}
