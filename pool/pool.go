package pool

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// alignment is the byte boundary every allocation is rounded up to,
	// matching the host calling convention assumed by the compiler
	// backends this cache is built to serve.
	alignment = 16

	// minPoolSize is the floor NextPoolSize applies to every pool created
	// during expansion. A cache's first pool is sized from its initial
	// size and is not subject to this floor.
	minPoolSize = 4 * 1024 * 1024
)

type (
	// Pool is a bump-allocated region of host-executable memory.
	//
	// Instances must be created with New. The zero value is not usable.
	Pool struct {
		mem    []byte
		size   uint32
		offset uint32 // atomic
		closed uint32 // atomic
	}
)

// New obtains a mapping of at least size bytes with read, write, and
// execute permissions. It panics if the OS refuses the mapping - per the
// core's error taxonomy this is the one unrecoverable condition, since a
// JIT with nowhere to put compiled code cannot make progress.
func New(size int) *Pool {
	if size <= 0 {
		panic(`pool: size must be positive`)
	}

	mem, err := mapExecutable(size)
	if err != nil {
		panic(fmt.Errorf(`pool: failed to map executable memory: %w`, err))
	}

	return &Pool{
		mem:  mem,
		size: uint32(size),
	}
}

// Allocate reserves aligned(len(code)) bytes and copies code into them,
// returning the base address of the copy. It reports false if the pool
// does not have room; callers are expected to try the next pool, expand
// the cache, or evict.
//
// Allocate is lock-free: concurrent callers race on a single atomic
// offset via compare-and-swap, and any call that observes enough
// remaining space is guaranteed to eventually succeed.
func (p *Pool) Allocate(code []byte) (addr uintptr, ok bool) {
	if atomic.LoadUint32(&p.closed) != 0 {
		return 0, false
	}

	aligned := uint32(len(code)+alignment-1) &^ (alignment - 1)

	for {
		current := atomic.LoadUint32(&p.offset)
		next := current + aligned
		if next < current || next > p.size {
			// overflow, or insufficient remaining space
			return 0, false
		}

		if atomic.CompareAndSwapUint32(&p.offset, current, next) {
			dst := p.mem[current : current+uint32(len(code))]
			copy(dst, code)
			return uintptr(unsafe.Pointer(&p.mem[current])), true
		}
		// lost the race, reload and retry
	}
}

// Contains reports whether addr falls within this pool's backing memory.
func (p *Pool) Contains(addr uintptr) bool {
	if len(p.mem) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&p.mem[0]))
	return addr >= base && addr < base+uintptr(len(p.mem))
}

// Used returns the number of bytes handed out so far.
func (p *Pool) Used() int {
	return int(atomic.LoadUint32(&p.offset))
}

// Available returns the number of bytes still allocatable.
func (p *Pool) Available() int {
	return int(p.size) - p.Used()
}

// Size returns the total capacity of the pool.
func (p *Pool) Size() int {
	return int(p.size)
}

// Reset rewinds the allocation offset to zero, making the entire pool
// available again. This invalidates every pointer previously returned by
// Allocate and must only be used during teardown, never while any code
// handed out by this pool might still execute.
func (p *Pool) Reset() {
	atomic.StoreUint32(&p.offset, 0)
}

// Close releases the backing mapping. Like Reset, this invalidates every
// outstanding pointer; it is the only way the memory is reclaimed.
func (p *Pool) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}
	return unmapExecutable(p.mem)
}

// NextPoolSize computes the size of a new pool given the configured
// initial size, growth factor, and the number of bytes the caller
// actually needs right now, per the dynamic-expansion rule: the larger of
// initial*growth, 2*needed, or a 4MiB floor.
func NextPoolSize(initialSize int, growthFactor float64, needed int) int {
	grown := int(float64(initialSize) * growthFactor)
	size := grown
	if twice := needed * 2; twice > size {
		size = twice
	}
	if size < minPoolSize {
		size = minPoolSize
	}
	return size
}
