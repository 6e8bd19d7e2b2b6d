package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	require.Equal(t, Instr{RIP: 0x100, Code: OpLoadConst, Dst: 1, Value: 42}, LoadConst(0x100, 1, 42))
	require.Equal(t, Instr{RIP: 0x104, Code: OpCopy, Dst: 1, Src: 2}, Copy(0x104, 1, 2))
	require.Equal(t, Instr{RIP: 0x108, Code: OpAdd, Dst: 1, A: 2, B: 3}, Binary(0x108, OpAdd, 1, 2, 3))
	require.Equal(t, Instr{RIP: 0x10c, Code: OpLoad64, Dst: 1, Addr: 2}, Load64(0x10c, 1, 2))
	require.Equal(t, Instr{RIP: 0x110, Code: OpStore64, Addr: 1, Src: 2}, Store64(0x110, 1, 2))
}

func TestUnknownIsNoOpFallback(t *testing.T) {
	i := Instr{Code: OpUnknown}
	require.Equal(t, OpCode(255), i.Code)
}
