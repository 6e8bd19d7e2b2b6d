// Package pool implements bump-allocated executable memory regions for the
// JIT code cache.
//
// A Pool owns one contiguous mapping obtained from the OS with read, write,
// and execute permissions. Allocation is lock-free: a single atomic offset
// is advanced with compare-and-swap, so many goroutines may allocate
// concurrently without contending on a mutex. Freeing individual
// allocations is not supported; the only way to reclaim a Pool's memory is
// to Close it, which invalidates every pointer handed out by Allocate.
package pool
