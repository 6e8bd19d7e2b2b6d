package deopt

import (
	"testing"

	"github.com/joeycumines/go-nvmjit/guard"
	"github.com/stretchr/testify/require"
)

func TestHandleDeoptUnknownGuard(t *testing.T) {
	m := NewManager(3)
	state, ok := m.HandleDeopt(42, 0, NativeRegs{})
	require.False(t, ok)
	require.Nil(t, state)
}

func TestHandleDeoptReconstructsState(t *testing.T) {
	m := NewManager(3)

	g := guard.New(m.AllocGuardID(), 0x4000, guard.NonNull(0), guard.NullPointer)
	m.RegisterGuard(g)

	base := uintptr(0x8000)
	m.RegisterMetadata(0x4000, base, []Metadata{
		{
			NativeOffset: 0x10,
			GuestRIP:     0x4000,
			GuardID:      g.ID,
			Reason:       guard.NullPointer,
			RegMap: []RegMap{
				InRegisterMap(2),
				ConstantMap(0xdead),
			},
		},
	})

	native := NativeRegs{}
	native.GPRs[2] = 0x1234

	state, ok := m.HandleDeopt(g.ID, base+0x10, native)
	require.True(t, ok)
	require.Equal(t, uint64(0x4000), state.GuestRIP)
	require.Equal(t, uint64(0x1234), state.GPRs[0])
	require.Equal(t, uint64(0xdead), state.GPRs[1])
	require.Equal(t, guard.NullPointer, state.Reason)
	require.Equal(t, uint64(1), g.FailureCount())
}

func TestHandleDeoptFallsBackWithoutMetadata(t *testing.T) {
	m := NewManager(3)
	g := guard.New(m.AllocGuardID(), 0x5000, guard.NonNull(0), guard.NullPointer)
	m.RegisterGuard(g)

	state, ok := m.HandleDeopt(g.ID, 0x9999, NativeRegs{})
	require.True(t, ok)
	require.Equal(t, uint64(0x5000), state.GuestRIP)
	require.Equal(t, [16]uint64{}, state.GPRs)
}

func TestDisablesAfterThreshold(t *testing.T) {
	m := NewManager(2)
	kind := guard.ValueEquals(0, 7)
	g := guard.New(m.AllocGuardID(), 0x6000, kind, guard.TypeMismatch)
	m.RegisterGuard(g)

	require.False(t, m.IsSpeculationDisabled(0x6000, kind))

	_, _ = m.HandleDeopt(g.ID, 0, NativeRegs{})
	require.False(t, m.IsSpeculationDisabled(0x6000, kind))

	_, _ = m.HandleDeopt(g.ID, 0, NativeRegs{})
	require.True(t, m.IsSpeculationDisabled(0x6000, kind))

	// further failures of an already-disabled guard must not inflate
	// GuardsDisabled again; it counts disable events, not failures.
	_, _ = m.HandleDeopt(g.ID, 0, NativeRegs{})
	_, _ = m.HandleDeopt(g.ID, 0, NativeRegs{})

	snap := m.StatsSnapshot()
	require.Equal(t, uint64(4), snap.TotalDeopts)
	require.Equal(t, uint64(4), snap.TypeMismatches)
	require.Equal(t, uint64(1), snap.GuardsDisabled)
}

func TestClearBlockRemovesGuardsAndMetadata(t *testing.T) {
	m := NewManager(5)
	g := guard.New(m.AllocGuardID(), 0x7000, guard.NonNull(0), guard.NullPointer)
	m.RegisterGuard(g)
	m.RegisterMetadata(0x7000, 0x1000, []Metadata{{NativeOffset: 0, GuestRIP: 0x7000, GuardID: g.ID}})

	m.ClearBlock(0x7000)

	_, ok := m.HandleDeopt(g.ID, 0x1000, NativeRegs{})
	require.False(t, ok, "guard should have been removed")
}
