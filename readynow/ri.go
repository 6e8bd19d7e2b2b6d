package readynow

import (
	"bytes"
	"encoding/binary"

	"github.com/joeycumines/go-nvmjit/ir"
)

// SaveRI encodes blocks, keyed by guest RIP, into the NVRI wire format.
func SaveRI(blocks map[uint64]ir.Block) []byte {
	var buf bytes.Buffer
	buf.Write(riMagic[:])
	writeU32(&buf, Version)
	writeU32(&buf, uint32(len(blocks)))

	for rip, block := range blocks {
		writeU64(&buf, rip)
		writeU64(&buf, block.EntryRIP)
		writeU32(&buf, uint32(len(block.BasicBlocks)))
		for _, bb := range block.BasicBlocks {
			writeBasicBlock(&buf, bb)
		}
	}

	return buf.Bytes()
}

func writeBasicBlock(buf *bytes.Buffer, bb ir.BasicBlock) {
	writeU32(buf, bb.ID)
	writeU32(buf, uint32(len(bb.Instrs)))
	for _, instr := range bb.Instrs {
		writeInstr(buf, instr)
	}
	writeExit(buf, bb.Exit)
}

func writeInstr(buf *bytes.Buffer, instr ir.Instr) {
	writeU64(buf, instr.RIP)
	switch instr.Code {
	case ir.OpNop:
		buf.WriteByte(0)
	case ir.OpLoadConst:
		buf.WriteByte(1)
		writeU32(buf, uint32(instr.Dst))
		writeU64(buf, instr.Value)
	case ir.OpCopy:
		buf.WriteByte(2)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.Src))
	case ir.OpAdd:
		buf.WriteByte(3)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.A))
		writeU32(buf, uint32(instr.B))
	case ir.OpSub:
		buf.WriteByte(4)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.A))
		writeU32(buf, uint32(instr.B))
	case ir.OpAnd:
		buf.WriteByte(5)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.A))
		writeU32(buf, uint32(instr.B))
	case ir.OpOr:
		buf.WriteByte(6)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.A))
		writeU32(buf, uint32(instr.B))
	case ir.OpXor:
		buf.WriteByte(7)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.A))
		writeU32(buf, uint32(instr.B))
	case ir.OpMul:
		buf.WriteByte(8)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.A))
		writeU32(buf, uint32(instr.B))
	case ir.OpShl:
		buf.WriteByte(9)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.A))
		writeU32(buf, uint32(instr.B))
	case ir.OpShr:
		buf.WriteByte(10)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.A))
		writeU32(buf, uint32(instr.B))
	case ir.OpLoad64:
		buf.WriteByte(11)
		writeU32(buf, uint32(instr.Dst))
		writeU32(buf, uint32(instr.Addr))
	case ir.OpStore64:
		buf.WriteByte(12)
		writeU32(buf, uint32(instr.Addr))
		writeU32(buf, uint32(instr.Src))
	default:
		// Unrecognized opcode: persisted as OpUnknown, which the tier
		// that eventually loads this block treats as a forced recompile.
		buf.WriteByte(255)
	}
}

func writeExit(buf *bytes.Buffer, exit ir.Exit) {
	switch exit.Kind {
	case ir.ExitFallthrough:
		buf.WriteByte(0)
	case ir.ExitJump:
		buf.WriteByte(1)
		writeU32(buf, exit.Target)
	case ir.ExitBranch:
		buf.WriteByte(2)
		writeU32(buf, uint32(exit.Cond))
		writeU32(buf, exit.Target)
		writeU32(buf, exit.Fallthrough)
	case ir.ExitReturn:
		buf.WriteByte(3)
		if exit.HasValue {
			buf.WriteByte(1)
			writeU32(buf, exit.Value)
		} else {
			buf.WriteByte(0)
		}
	case ir.ExitHalt:
		buf.WriteByte(4)
	case ir.ExitInterrupt:
		buf.WriteByte(5)
		buf.WriteByte(exit.Vector)
	case ir.ExitIoNeeded:
		buf.WriteByte(6)
		writeU16(buf, exit.Port)
		if exit.IsWrite {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		buf.WriteByte(exit.Size)
	case ir.ExitIndirectJump:
		buf.WriteByte(7)
		writeU32(buf, exit.Target)
	default:
		buf.WriteByte(0)
	}
}

// LoadRI decodes data written by SaveRI. Per the RI format's
// backward-only compatibility guarantee, a file written by a newer
// format version is rejected outright rather than partially decoded.
func LoadRI(data []byte) (map[uint64]ir.Block, error) {
	if len(data) < 12 || !bytes.Equal(data[:4], riMagic[:]) {
		return nil, ErrInvalidFormat
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version > Version {
		return nil, ErrIncompatibleVersion
	}

	blockCount := binary.LittleEndian.Uint32(data[8:12])
	r := newByteReader(data[12:])
	blocks := make(map[uint64]ir.Block, blockCount)

	for i := uint32(0); i < blockCount; i++ {
		rip, ok := r.u64()
		if !ok {
			break
		}
		block, ok := readIrBlock(r)
		if !ok {
			break
		}
		block.RIP = rip
		blocks[rip] = block
	}

	return blocks, nil
}

func readIrBlock(r *byteReader) (ir.Block, bool) {
	entryRIP, ok := r.u64()
	if !ok {
		return ir.Block{}, false
	}
	bbCount, ok := r.u32()
	if !ok {
		return ir.Block{}, false
	}

	bbs := make([]ir.BasicBlock, 0, bbCount)
	for i := uint32(0); i < bbCount; i++ {
		bb, ok := readBasicBlock(r)
		if !ok {
			return ir.Block{}, false
		}
		bbs = append(bbs, bb)
	}

	return ir.Block{EntryRIP: entryRIP, BasicBlocks: bbs}, true
}

func readBasicBlock(r *byteReader) (ir.BasicBlock, bool) {
	id, ok := r.u32()
	if !ok {
		return ir.BasicBlock{}, false
	}
	instrCount, ok := r.u32()
	if !ok {
		return ir.BasicBlock{}, false
	}

	instrs := make([]ir.Instr, 0, instrCount)
	for i := uint32(0); i < instrCount; i++ {
		instr, ok := readInstr(r)
		if !ok {
			return ir.BasicBlock{}, false
		}
		instrs = append(instrs, instr)
	}

	exit, ok := readExit(r)
	if !ok {
		return ir.BasicBlock{}, false
	}

	return ir.BasicBlock{ID: id, Instrs: instrs, Exit: exit}, true
}

func readInstr(r *byteReader) (ir.Instr, bool) {
	rip, ok := r.u64()
	if !ok {
		return ir.Instr{}, false
	}
	op, ok := r.u8()
	if !ok {
		return ir.Instr{}, false
	}
	switch op {
	case 0:
		return ir.Instr{RIP: rip, Code: ir.OpNop}, true
	case 1:
		dst, ok1 := r.u32()
		val, ok2 := r.u64()
		if !ok1 || !ok2 {
			return ir.Instr{}, false
		}
		return ir.LoadConst(rip, ir.VReg(dst), val), true
	case 2:
		dst, ok1 := r.u32()
		src, ok2 := r.u32()
		if !ok1 || !ok2 {
			return ir.Instr{}, false
		}
		return ir.Copy(rip, ir.VReg(dst), ir.VReg(src)), true
	case 3, 4, 5, 6, 7, 8, 9, 10:
		dst, ok1 := r.u32()
		a, ok2 := r.u32()
		b, ok3 := r.u32()
		if !ok1 || !ok2 || !ok3 {
			return ir.Instr{}, false
		}
		return ir.Binary(rip, binaryOpFromByte(op), ir.VReg(dst), ir.VReg(a), ir.VReg(b)), true
	case 11:
		dst, ok1 := r.u32()
		addr, ok2 := r.u32()
		if !ok1 || !ok2 {
			return ir.Instr{}, false
		}
		return ir.Load64(rip, ir.VReg(dst), ir.VReg(addr)), true
	case 12:
		addr, ok1 := r.u32()
		src, ok2 := r.u32()
		if !ok1 || !ok2 {
			return ir.Instr{}, false
		}
		return ir.Store64(rip, ir.VReg(addr), ir.VReg(src)), true
	default:
		return ir.Instr{RIP: rip, Code: ir.OpUnknown}, true
	}
}

func binaryOpFromByte(b byte) ir.OpCode {
	switch b {
	case 3:
		return ir.OpAdd
	case 4:
		return ir.OpSub
	case 5:
		return ir.OpAnd
	case 6:
		return ir.OpOr
	case 7:
		return ir.OpXor
	case 8:
		return ir.OpMul
	case 9:
		return ir.OpShl
	default:
		return ir.OpShr
	}
}

func readExit(r *byteReader) (ir.Exit, bool) {
	kind, ok := r.u8()
	if !ok {
		return ir.Exit{}, false
	}
	switch kind {
	case 0:
		return ir.Exit{Kind: ir.ExitFallthrough}, true
	case 1:
		target, ok := r.u32()
		if !ok {
			return ir.Exit{}, false
		}
		return ir.Exit{Kind: ir.ExitJump, Target: target}, true
	case 2:
		cond, ok1 := r.u32()
		target, ok2 := r.u32()
		fallthru, ok3 := r.u32()
		if !ok1 || !ok2 || !ok3 {
			return ir.Exit{}, false
		}
		return ir.Exit{Kind: ir.ExitBranch, Cond: ir.VReg(cond), Target: target, Fallthrough: fallthru}, true
	case 3:
		has, ok := r.u8()
		if !ok {
			return ir.Exit{}, false
		}
		if has != 0 {
			val, ok := r.u32()
			if !ok {
				return ir.Exit{}, false
			}
			return ir.Exit{Kind: ir.ExitReturn, HasValue: true, Value: val}, true
		}
		return ir.Exit{Kind: ir.ExitReturn}, true
	case 4:
		return ir.Exit{Kind: ir.ExitHalt}, true
	case 5:
		vec, ok := r.u8()
		if !ok {
			return ir.Exit{}, false
		}
		return ir.Exit{Kind: ir.ExitInterrupt, Vector: vec}, true
	case 6:
		port, ok1 := r.u16()
		isWrite, ok2 := r.u8()
		size, ok3 := r.u8()
		if !ok1 || !ok2 || !ok3 {
			return ir.Exit{}, false
		}
		return ir.Exit{Kind: ir.ExitIoNeeded, Port: port, IsWrite: isWrite != 0, Size: size}, true
	case 7:
		target, ok := r.u32()
		if !ok {
			return ir.Exit{}, false
		}
		return ir.Exit{Kind: ir.ExitIndirectJump, Target: target}, true
	default:
		return ir.Exit{Kind: ir.ExitFallthrough}, true
	}
}
