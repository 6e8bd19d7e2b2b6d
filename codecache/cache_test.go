package codecache

import (
	"testing"

	"github.com/joeycumines/go-nvmjit/tier"
	"github.com/stretchr/testify/require"
)

func TestInsertLookup(t *testing.T) {
	cc := New(1024 * 1024)

	block := &Block{
		GuestRIP:      0x1000,
		GuestSize:     16,
		HostSize:      32,
		Tier:          tier.S1,
		GuestInstrs:   4,
		GuestChecksum: 0x12345678,
	}
	require.NoError(t, cc.Insert(block))

	info, ok := cc.GetBlock(0x1000)
	require.True(t, ok)
	require.Equal(t, tier.S1, info.Tier)
	require.Equal(t, uint32(16), info.GuestSize)
}

func TestLookupHitsAndMisses(t *testing.T) {
	cc := New(1024 * 1024)
	code := []byte{0x90, 0x90, 0x90}
	addr, ok := cc.AllocateCode(code)
	require.True(t, ok)

	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x2000, HostCode: addr, HostSize: uint32(len(code)), Tier: tier.S1}))

	got, ok := cc.Lookup(0x2000)
	require.True(t, ok)
	require.Equal(t, addr, got)

	_, ok = cc.Lookup(0x9999)
	require.False(t, ok)

	stats := cc.GetStats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func TestInvalidationByRegion(t *testing.T) {
	cc := New(1024 * 1024)

	require.NoError(t, cc.Insert(&Block{
		GuestRIP:  0x1000,
		GuestSize: 16,
		HostSize:  32,
		Tier:      tier.S1,
	}))

	count := cc.InvalidateRegion(0x1008, 0x1010)
	require.Equal(t, 1, count)

	info, ok := cc.GetBlock(0x1000)
	require.True(t, ok)
	require.True(t, info.Invalidated)
}

func TestInvalidationIsSticky(t *testing.T) {
	cc := New(1024 * 1024)
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, GuestSize: 16, HostSize: 32, Tier: tier.S1}))

	require.True(t, cc.Invalidate(0x1000))
	require.False(t, cc.Invalidate(0x1000), "second invalidate reports no transition")

	info, _ := cc.GetBlock(0x1000)
	require.True(t, info.Invalidated)
}

func TestChecksumDeterministicAndDistinguishing(t *testing.T) {
	code1 := []byte{0x48, 0x89, 0xc0}
	code2 := []byte{0x48, 0x89, 0xc1}

	h1 := ComputeChecksum(code1)
	h2 := ComputeChecksum(code2)

	require.NotEqual(t, h1, h2)
	require.Equal(t, h1, ComputeChecksum(code1))
}

func TestTierPromotionsOnlyOnStrictIncrease(t *testing.T) {
	cc := New(1024 * 1024)

	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, HostSize: 16, Tier: tier.S1}))
	require.Equal(t, uint64(0), cc.GetStats().TierPromotions)

	// same-tier replace must not count as a promotion
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, HostSize: 16, Tier: tier.S1}))
	require.Equal(t, uint64(0), cc.GetStats().TierPromotions)

	// strict increase counts
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, HostSize: 16, Tier: tier.S2}))
	require.Equal(t, uint64(1), cc.GetStats().TierPromotions)
}

func TestEvictionFreesSpaceForInsert(t *testing.T) {
	cc := New(64)

	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, HostSize: 32, Tier: tier.S1}))
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x2000, HostSize: 32, Tier: tier.S1}))

	// cache is now full; a third insert must evict the LRU block
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x3000, HostSize: 32, Tier: tier.S1}))

	stats := cc.GetStats()
	require.Equal(t, uint64(1), stats.Evictions)
	require.Equal(t, 2, stats.BlockCount)

	_, ok := cc.GetBlock(0x1000)
	require.False(t, ok, "oldest block should have been evicted")
}

func TestEvictionRespectsTouchOrderNotInsertionRace(t *testing.T) {
	cc := New(64)

	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, HostCode: 0xdead1000, HostSize: 32, Tier: tier.S1}))
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x2000, HostCode: 0xdead2000, HostSize: 32, Tier: tier.S1}))

	// touching 0x1000 must make 0x2000 the LRU victim, even though
	// 0x1000 was inserted first.
	_, ok := cc.Lookup(0x1000)
	require.True(t, ok)

	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x3000, HostSize: 32, Tier: tier.S1}))

	_, ok = cc.GetBlock(0x1000)
	require.True(t, ok, "touched block must survive eviction")
	_, ok = cc.GetBlock(0x2000)
	require.False(t, ok, "untouched, older-accessed block must be evicted")
}

func TestDynamicExpansionBeforeEviction(t *testing.T) {
	cc := NewDynamic(WithInitialSize(64), WithHardMaxSize(1<<30), WithGrowthFactor(2.0))

	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, HostSize: 32, Tier: tier.S1}))
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x2000, HostSize: 32, Tier: tier.S1}))
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x3000, HostSize: 32, Tier: tier.S1}))

	stats := cc.GetStats()
	require.Equal(t, uint64(0), stats.Evictions, "cache should expand rather than evict")
	require.Equal(t, 3, stats.BlockCount)
	require.Greater(t, cc.ExpansionCount(), uint64(0))
}

func TestExpansionRefusedAtHardLimit(t *testing.T) {
	cc := NewDynamic(WithInitialSize(64), WithHardMaxSize(64), WithGrowthFactor(2.0))

	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, HostSize: 32, Tier: tier.S1}))
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x2000, HostSize: 32, Tier: tier.S1}))

	// no room to expand: the cache is at the hard ceiling, so the insert
	// evicts the least-recently-used 32-byte block to make room instead
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x3000, HostSize: 32, Tier: tier.S1}))
	require.Equal(t, uint64(0), cc.ExpansionCount())
	require.Equal(t, uint64(1), cc.GetStats().Evictions)
}

func TestPromotionCandidatesHottestFirst(t *testing.T) {
	cc := New(1024 * 1024)

	mk := func(rip uint64, execs int) {
		b := &Block{GuestRIP: rip, HostSize: 16, Tier: tier.S1}
		require.NoError(t, cc.Insert(b))
		for i := 0; i < execs; i++ {
			b.RecordExecution()
		}
	}
	mk(0x1000, 10)
	mk(0x2000, 50)
	mk(0x3000, 20)

	candidates := cc.GetPromotionCandidates(5, 2)
	require.Equal(t, []uint64{0x2000, 0x3000}, candidates)
}

func TestShouldPromote(t *testing.T) {
	cc := New(1024 * 1024)
	b := &Block{GuestRIP: 0x1000, HostSize: 16, Tier: tier.S1}
	require.NoError(t, cc.Insert(b))

	require.False(t, cc.ShouldPromote(0x1000, 10))
	for i := 0; i < 10; i++ {
		b.RecordExecution()
	}
	require.True(t, cc.ShouldPromote(0x1000, 10))

	cc.Invalidate(0x1000)
	require.False(t, cc.ShouldPromote(0x1000, 10), "invalidated blocks never promote")
}

func TestGetAllBlocksForPersistSkipsInvalidated(t *testing.T) {
	cc := New(1024 * 1024)
	code := []byte{0x01, 0x02, 0x03, 0x04}
	addr, ok := cc.AllocateCode(code)
	require.True(t, ok)

	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, HostCode: addr, HostSize: uint32(len(code)), Tier: tier.S1}))
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x2000, HostCode: addr, HostSize: uint32(len(code)), Tier: tier.S1}))
	cc.Invalidate(0x2000)

	entries := cc.GetAllBlocksForPersist()
	require.Len(t, entries, 1)
	require.Equal(t, uint64(0x1000), entries[0].GuestRIP)
	require.Equal(t, code, entries[0].Info.NativeCode)
}

func TestClear(t *testing.T) {
	cc := New(1024 * 1024)
	require.NoError(t, cc.Insert(&Block{GuestRIP: 0x1000, HostSize: 16, Tier: tier.S1}))
	cc.Clear()

	require.Equal(t, 0, cc.BlockCount())
	_, ok := cc.GetBlock(0x1000)
	require.False(t, ok)
}

func TestNewDynamicPanicsOnInvalidConfig(t *testing.T) {
	require.Panics(t, func() {
		NewDynamic(WithInitialSize(100), WithHardMaxSize(10))
	})
	require.Panics(t, func() {
		NewDynamic(WithGrowthFactor(0.5))
	})
}
