package codecache

import "sync/atomic"

// Stats holds the running counters for a CodeCache.
type Stats struct {
	hits            uint64
	misses          uint64
	evictions       uint64
	invalidations   uint64
	s1Compiles      uint64
	s2Compiles      uint64
	tierPromotions  uint64
	expansions      uint64
}

// StatsSnapshot is an immutable point-in-time copy of Stats plus derived
// size/count figures.
type StatsSnapshot struct {
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	Invalidations  uint64
	S1Compiles     uint64
	S2Compiles     uint64
	TierPromotions uint64
	Expansions     uint64
	TotalSize      uint64
	BlockCount     int
}

// HitRate returns hits / (hits + misses), or 0 if there have been no
// lookups yet.
func (s StatsSnapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s *Stats) snapshot(totalSize uint64, blockCount int) StatsSnapshot {
	return StatsSnapshot{
		Hits:           atomic.LoadUint64(&s.hits),
		Misses:         atomic.LoadUint64(&s.misses),
		Evictions:      atomic.LoadUint64(&s.evictions),
		Invalidations:  atomic.LoadUint64(&s.invalidations),
		S1Compiles:     atomic.LoadUint64(&s.s1Compiles),
		S2Compiles:     atomic.LoadUint64(&s.s2Compiles),
		TierPromotions: atomic.LoadUint64(&s.tierPromotions),
		Expansions:     atomic.LoadUint64(&s.expansions),
		TotalSize:      totalSize,
		BlockCount:     blockCount,
	}
}
