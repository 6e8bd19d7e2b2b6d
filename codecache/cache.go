package codecache

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/joeycumines/go-nvmjit/pool"
	"github.com/joeycumines/go-nvmjit/tier"
)

// CodeCache holds compiled guest code blocks, keyed by guest RIP, backed
// by one or more executable memory pools that expand on demand up to a
// hard size ceiling.
type CodeCache struct {
	blocksMu sync.RWMutex
	blocks   map[uint64]*Block

	regionsMu sync.RWMutex
	regions   regionIndex

	totalSize      uint64 // atomic
	currentMaxSize uint64 // atomic
	hardMaxSize    uint64
	growthFactor   float64

	epoch uint64 // atomic

	stats Stats

	poolsMu         sync.RWMutex
	pools           []*pool.Pool
	initialPoolSize int
}

// NewDynamic creates a CodeCache that starts at its configured initial
// size and grows toward its hard maximum as blocks are inserted.
func NewDynamic(opts ...Option) *CodeCache {
	cfg := newConfig(opts...)

	initialPoolSize := cfg.initialSize
	if initialPoolSize > defaultExecPoolSize {
		initialPoolSize = defaultExecPoolSize
	}

	cc := &CodeCache{
		blocks:          make(map[uint64]*Block),
		currentMaxSize:  cfg.initialSize,
		hardMaxSize:     cfg.maxSize,
		growthFactor:    cfg.growthFactor,
		initialPoolSize: int(initialPoolSize),
	}
	cc.pools = append(cc.pools, pool.New(int(initialPoolSize)))
	return cc
}

// New creates a CodeCache with a single fixed size limit; a convenience
// equivalent to NewDynamic with growth disabled.
func New(maxSize uint64) *CodeCache {
	return NewDynamic(WithInitialSize(maxSize), WithHardMaxSize(maxSize), WithGrowthFactor(1.0))
}

func atomicSubUint64(addr *uint64, v uint64) {
	atomic.AddUint64(addr, ^(v - 1))
}

// AllocateCode copies code into executable memory, expanding the cache
// with a new pool if no existing pool has room.
func (cc *CodeCache) AllocateCode(code []byte) (uintptr, bool) {
	if addr, ok := cc.tryPools(code); ok {
		return addr, true
	}

	if !cc.tryExpandCache(len(code)) {
		return 0, false
	}

	cc.poolsMu.RLock()
	defer cc.poolsMu.RUnlock()
	if len(cc.pools) == 0 {
		return 0, false
	}
	return cc.pools[len(cc.pools)-1].Allocate(code)
}

func (cc *CodeCache) tryPools(code []byte) (uintptr, bool) {
	cc.poolsMu.RLock()
	defer cc.poolsMu.RUnlock()
	for _, p := range cc.pools {
		if addr, ok := p.Allocate(code); ok {
			return addr, true
		}
	}
	return 0, false
}

func (cc *CodeCache) tryExpandCache(minNeeded int) bool {
	current := atomic.LoadUint64(&cc.currentMaxSize)

	newPoolSize := pool.NextPoolSize(cc.initialPoolSize, cc.growthFactor, minNeeded)
	newTotal := current + uint64(newPoolSize)

	if newTotal > cc.hardMaxSize {
		return false
	}

	cc.poolsMu.Lock()
	cc.pools = append(cc.pools, pool.New(newPoolSize))
	cc.poolsMu.Unlock()

	atomic.StoreUint64(&cc.currentMaxSize, newTotal)
	atomic.AddUint64(&cc.stats.expansions, 1)
	return true
}

// Capacity returns the cache's current dynamic size limit.
func (cc *CodeCache) Capacity() uint64 {
	return atomic.LoadUint64(&cc.currentMaxSize)
}

// ExpansionCount returns how many times the cache has grown.
func (cc *CodeCache) ExpansionCount() uint64 {
	return atomic.LoadUint64(&cc.stats.expansions)
}

// Lookup finds the host code address for rip, recording a hit or miss
// and, on a hit, touching the block's LRU epoch and execution counter.
func (cc *CodeCache) Lookup(rip uint64) (uintptr, bool) {
	cc.blocksMu.RLock()
	block, ok := cc.blocks[rip]
	cc.blocksMu.RUnlock()

	if !ok || block.Invalidated() {
		atomic.AddUint64(&cc.stats.misses, 1)
		return 0, false
	}

	atomic.AddUint64(&cc.stats.hits, 1)
	epoch := atomic.AddUint64(&cc.epoch, 1) - 1
	block.Touch(epoch)
	block.RecordExecution()
	return block.HostCode, true
}

// GetBlock returns a metadata snapshot for rip.
func (cc *CodeCache) GetBlock(rip uint64) (Info, bool) {
	cc.blocksMu.RLock()
	defer cc.blocksMu.RUnlock()
	b, ok := cc.blocks[rip]
	if !ok {
		return Info{}, false
	}
	return b.info(), true
}

// Insert adds block to the cache, expanding or evicting to make room if
// necessary. Inserting over an existing block at the same RIP replaces
// it; TierPromotions is only incremented when the new tier is strictly
// higher than the old one.
func (cc *CodeCache) Insert(block *Block) error {
	hostSize := uint64(block.HostSize)
	rip := block.GuestRIP

	currentSize := atomic.LoadUint64(&cc.totalSize)
	currentMax := atomic.LoadUint64(&cc.currentMaxSize)
	if currentSize+hostSize > currentMax {
		if !cc.tryExpandCache(int(hostSize)) {
			if err := cc.evictLRU(hostSize); err != nil {
				return err
			}
		}
	}

	cc.regionsMu.Lock()
	cc.regions.insert(block.GuestRIP, block.GuestEnd())
	cc.regionsMu.Unlock()

	newTier := block.Tier
	cc.blocksMu.Lock()
	if old, ok := cc.blocks[rip]; ok {
		atomicSubUint64(&cc.totalSize, uint64(old.HostSize))
		if old.Tier.Less(newTier) {
			atomic.AddUint64(&cc.stats.tierPromotions, 1)
		}
	}
	// Stamp LastAccess from the same monotonic counter Lookup's Touch
	// uses, so a never-looked-up block is ordered by insertion time
	// rather than sharing the zero value with every other untouched
	// block; evictLRU's tie-break depends on every block having a
	// distinct epoch.
	block.Touch(atomic.AddUint64(&cc.epoch, 1) - 1)
	cc.blocks[rip] = block
	cc.blocksMu.Unlock()

	atomic.AddUint64(&cc.totalSize, hostSize)

	switch newTier {
	case tier.S1:
		atomic.AddUint64(&cc.stats.s1Compiles, 1)
	case tier.S2:
		atomic.AddUint64(&cc.stats.s2Compiles, 1)
	}

	return nil
}

// Replace invalidates any existing block at rip and installs code as a
// new S2 block at that RIP.
func (cc *CodeCache) Replace(rip uint64, code []byte) error {
	cc.Invalidate(rip)

	hostPtr, ok := cc.AllocateCode(code)
	if !ok {
		return ErrOutOfMemory
	}

	return cc.Insert(&Block{
		GuestRIP: rip,
		HostCode: hostPtr,
		HostSize: uint32(len(code)),
		Tier:     tier.S2,
	})
}

// InvalidateRange is an alias for InvalidateRegion.
func (cc *CodeCache) InvalidateRange(start, end uint64) int {
	return cc.InvalidateRegion(start, end)
}

// InvalidateRegion invalidates every block whose guest range overlaps
// [start, end), as triggered by a self-modifying-code write.
func (cc *CodeCache) InvalidateRegion(start, end uint64) int {
	cc.regionsMu.RLock()
	overlap := cc.regions.overlapping(start, end)
	cc.regionsMu.RUnlock()

	if len(overlap) == 0 {
		return 0
	}

	cc.blocksMu.Lock()
	for _, s := range overlap {
		if b, ok := cc.blocks[s]; ok {
			b.Invalidate()
		}
	}
	cc.blocksMu.Unlock()

	atomic.AddUint64(&cc.stats.invalidations, uint64(len(overlap)))
	return len(overlap)
}

// Invalidate marks the block at rip invalidated, reporting whether it
// made a transition (false if already invalidated or absent).
func (cc *CodeCache) Invalidate(rip uint64) bool {
	cc.blocksMu.RLock()
	b, ok := cc.blocks[rip]
	cc.blocksMu.RUnlock()
	if !ok {
		return false
	}
	if b.Invalidate() {
		atomic.AddUint64(&cc.stats.invalidations, 1)
		return true
	}
	return false
}

type evictCandidate struct {
	rip        uint64
	lastAccess uint64
	size       uint64
}

func (cc *CodeCache) evictLRU(needed uint64) error {
	cc.blocksMu.RLock()
	candidates := make([]evictCandidate, 0, len(cc.blocks))
	for rip, b := range cc.blocks {
		candidates = append(candidates, evictCandidate{rip: rip, lastAccess: b.LastAccess(), size: uint64(b.HostSize)})
	}
	cc.blocksMu.RUnlock()

	// Every block's LastAccess is stamped from the cache's single
	// monotonic epoch counter, at Insert and on every Lookup hit, so no
	// two blocks ever share a value; the rip fallback is just belt and
	// braces against that invariant ever slipping.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lastAccess != candidates[j].lastAccess {
			return candidates[i].lastAccess < candidates[j].lastAccess
		}
		return candidates[i].rip < candidates[j].rip
	})

	var freed uint64
	var toRemove []uint64
	for _, c := range candidates {
		toRemove = append(toRemove, c.rip)
		freed += c.size
		if freed >= needed {
			break
		}
	}

	if freed < needed {
		return ErrOutOfMemory
	}

	cc.blocksMu.Lock()
	cc.regionsMu.Lock()
	for _, rip := range toRemove {
		if b, ok := cc.blocks[rip]; ok {
			delete(cc.blocks, rip)
			cc.regions.remove(b.GuestRIP)
			atomicSubUint64(&cc.totalSize, uint64(b.HostSize))
			atomic.AddUint64(&cc.stats.evictions, 1)
		}
	}
	cc.regionsMu.Unlock()
	cc.blocksMu.Unlock()

	return nil
}

// ShouldPromote reports whether the block at rip is an un-invalidated S1
// block that has crossed s2Threshold executions.
func (cc *CodeCache) ShouldPromote(rip uint64, s2Threshold uint64) bool {
	cc.blocksMu.RLock()
	defer cc.blocksMu.RUnlock()
	b, ok := cc.blocks[rip]
	if !ok {
		return false
	}
	return b.Tier == tier.S1 && !b.Invalidated() && b.ExecCount() >= s2Threshold
}

// GetPromotionCandidates returns up to max guest RIPs of S1 blocks ready
// for S2 promotion, hottest first; equal execution counts are ordered by
// ascending RIP.
func (cc *CodeCache) GetPromotionCandidates(s2Threshold uint64, max int) []uint64 {
	type candidate struct {
		rip  uint64
		exec uint64
	}

	cc.blocksMu.RLock()
	var candidates []candidate
	for rip, b := range cc.blocks {
		if b.Tier == tier.S1 && !b.Invalidated() && b.ExecCount() >= s2Threshold {
			candidates = append(candidates, candidate{rip: rip, exec: b.ExecCount()})
		}
	}
	cc.blocksMu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].exec != candidates[j].exec {
			return candidates[i].exec > candidates[j].exec
		}
		return candidates[i].rip < candidates[j].rip
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]uint64, len(candidates))
	for i, c := range candidates {
		out[i] = c.rip
	}
	return out
}

// Clear removes every block and region from the cache. Executable pools
// are kept and their allocation offsets are not reset, matching the
// reference behavior that only a full cache teardown reclaims pool
// memory.
func (cc *CodeCache) Clear() {
	cc.blocksMu.Lock()
	cc.regionsMu.Lock()
	cc.blocks = make(map[uint64]*Block)
	cc.regions.clear()
	cc.regionsMu.Unlock()
	cc.blocksMu.Unlock()
	atomic.StoreUint64(&cc.totalSize, 0)
}

// GetStats returns a snapshot of the cache's statistics.
func (cc *CodeCache) GetStats() StatsSnapshot {
	cc.blocksMu.RLock()
	n := len(cc.blocks)
	cc.blocksMu.RUnlock()
	return cc.stats.snapshot(atomic.LoadUint64(&cc.totalSize), n)
}

// BlockCount returns the number of blocks currently in the cache.
func (cc *CodeCache) BlockCount() int {
	cc.blocksMu.RLock()
	defer cc.blocksMu.RUnlock()
	return len(cc.blocks)
}

// PersistEntry pairs a guest RIP with the persistable snapshot of its
// block.
type PersistEntry struct {
	GuestRIP uint64
	Info     PersistInfo
}

// GetAllBlocksForPersist returns a snapshot of every live, valid block
// with its native code copied out of executable memory, ready for
// ReadyNow! serialization.
func (cc *CodeCache) GetAllBlocksForPersist() []PersistEntry {
	cc.blocksMu.RLock()
	defer cc.blocksMu.RUnlock()

	out := make([]PersistEntry, 0, len(cc.blocks))
	for rip, b := range cc.blocks {
		if b.Invalidated() || b.HostCode == 0 {
			continue
		}

		var native []byte
		if b.HostSize > 0 {
			native = make([]byte, b.HostSize)
			src := unsafe.Slice((*byte)(unsafe.Pointer(b.HostCode)), b.HostSize)
			copy(native, src)
		}

		out = append(out, PersistEntry{
			GuestRIP: rip,
			Info: PersistInfo{
				GuestRIP:      b.GuestRIP,
				GuestSize:     b.GuestSize,
				HostSize:      b.HostSize,
				Tier:          b.Tier,
				ExecCount:     b.ExecCount(),
				GuestInstrs:   b.GuestInstrs,
				GuestChecksum: b.GuestChecksum,
				NativeCode:    native,
			},
		})
	}
	return out
}
