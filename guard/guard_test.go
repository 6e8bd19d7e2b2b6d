package guard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReasonShouldInvalidate(t *testing.T) {
	require.True(t, TypeMismatch.ShouldInvalidate())
	require.True(t, ValueMismatch.ShouldInvalidate())
	require.True(t, BranchMispredict.ShouldInvalidate())
	require.True(t, CallTargetMismatch.ShouldInvalidate())

	require.False(t, DivisionByZero.ShouldInvalidate())
	require.False(t, Overflow.ShouldInvalidate())
	require.False(t, MemoryFault.ShouldInvalidate())
	require.False(t, RangeViolation.ShouldInvalidate())
	require.False(t, NullPointer.ShouldInvalidate())
	require.False(t, Other.ShouldInvalidate())
}

func TestReasonString(t *testing.T) {
	require.Equal(t, "type_mismatch", TypeMismatch.String())
	require.Equal(t, "other", Other.String())
	require.Equal(t, "unknown", Reason(200).String())
}

func TestHashDeterministic(t *testing.T) {
	k1 := ValueEquals(3, 42)
	k2 := ValueEquals(3, 42)
	require.Equal(t, k1.Hash(), k2.Hash())
}

func TestHashDistinguishesFields(t *testing.T) {
	require.NotEqual(t, ValueEquals(3, 42).Hash(), ValueEquals(3, 43).Hash())
	require.NotEqual(t, ValueEquals(3, 42).Hash(), ValueEquals(4, 42).Hash())
	require.NotEqual(t, ValueEquals(3, 42).Hash(), NonNull(3).Hash())
}

func TestHashCompoundShallow(t *testing.T) {
	a := All([]Kind{ValueEquals(1, 1), NonNull(2)})
	b := All([]Kind{ValueEquals(1, 9), NonNull(5)})
	require.Equal(t, a.Hash(), b.Hash(), "All only hashes child count")

	c := All([]Kind{ValueEquals(1, 1)})
	require.NotEqual(t, a.Hash(), c.Hash())

	d := Any([]Kind{ValueEquals(1, 1), NonNull(2)})
	require.NotEqual(t, a.Hash(), d.Hash(), "All and Any must not collide")
}

func TestGuardRecordFailureConcurrent(t *testing.T) {
	g := New(1, 0x1000, NonNull(0), NullPointer)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RecordFailure()
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(100), g.FailureCount())
}

func TestGuardShouldDisable(t *testing.T) {
	g := New(1, 0x1000, NonNull(0), NullPointer)
	require.False(t, g.ShouldDisable(3))

	g.RecordFailure()
	g.RecordFailure()
	g.RecordFailure()
	require.True(t, g.ShouldDisable(3))
}
