// Package codecache implements the JIT code cache: guest-RIP-keyed
// compiled blocks backed by bump-allocated executable memory pools, with
// LRU eviction, dynamic pool expansion, and self-modifying-code
// invalidation.
package codecache

import (
	"sync/atomic"

	"github.com/joeycumines/go-nvmjit/tier"
)

// Block is a compiled translation of a guest code region.
type Block struct {
	GuestRIP      uint64
	GuestSize     uint32
	HostCode      uintptr
	HostSize      uint32
	Tier          tier.Tier
	GuestInstrs   uint32
	GuestChecksum uint64
	DependsOn     []uint64

	execCount   uint64 // atomic
	lastAccess  uint64 // atomic
	invalidated uint32 // atomic bool; sticky, set-only
}

// RecordExecution increments the block's execution counter.
func (b *Block) RecordExecution() {
	atomic.AddUint64(&b.execCount, 1)
}

// ExecCount returns the block's execution counter.
func (b *Block) ExecCount() uint64 {
	return atomic.LoadUint64(&b.execCount)
}

// Touch records epoch as this block's last-access time, for LRU eviction.
func (b *Block) Touch(epoch uint64) {
	atomic.StoreUint64(&b.lastAccess, epoch)
}

// LastAccess returns the block's last-access epoch.
func (b *Block) LastAccess() uint64 {
	return atomic.LoadUint64(&b.lastAccess)
}

// IsHot reports whether the block has executed at least threshold times.
func (b *Block) IsHot(threshold uint64) bool {
	return b.ExecCount() >= threshold
}

// Invalidate marks the block invalidated. Invalidation is sticky: once
// set it is never cleared, and a block can only be made current again by
// being replaced with a fresh insert.
func (b *Block) Invalidate() (transitioned bool) {
	return atomic.CompareAndSwapUint32(&b.invalidated, 0, 1)
}

// Invalidated reports whether the block has been invalidated.
func (b *Block) Invalidated() bool {
	return atomic.LoadUint32(&b.invalidated) != 0
}

// GuestEnd returns the exclusive end of the guest address range this
// block covers.
func (b *Block) GuestEnd() uint64 {
	return b.GuestRIP + uint64(b.GuestSize)
}

// Info is a snapshot of a block's metadata, without its live atomics or
// host pointer.
type Info struct {
	GuestRIP    uint64
	GuestSize   uint32
	HostSize    uint32
	Tier        tier.Tier
	ExecCount   uint64
	Invalidated bool
}

// PersistInfo is a snapshot of a block plus a copy of its native code,
// suitable for ReadyNow! persistence.
type PersistInfo struct {
	GuestRIP      uint64
	GuestSize     uint32
	HostSize      uint32
	Tier          tier.Tier
	ExecCount     uint64
	GuestInstrs   uint32
	GuestChecksum uint64
	NativeCode    []byte
}

func (b *Block) info() Info {
	return Info{
		GuestRIP:    b.GuestRIP,
		GuestSize:   b.GuestSize,
		HostSize:    b.HostSize,
		Tier:        b.Tier,
		ExecCount:   b.ExecCount(),
		Invalidated: b.Invalidated(),
	}
}
