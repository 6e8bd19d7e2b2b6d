//go:build unix

package pool

import (
	"golang.org/x/sys/unix"
)

// mapExecutable requests an anonymous, private mapping with read, write,
// and execute permissions. RWX is unusual outside a JIT, but this cache
// writes freshly compiled machine code into the same pages it executes
// from; splitting the mapping into a write-then-remap-exec pair would add
// a second syscall and a race window on every insert for no benefit here.
func mapExecutable(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapExecutable(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
