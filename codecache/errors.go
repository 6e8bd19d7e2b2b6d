package codecache

import "errors"

// ErrOutOfMemory is returned when a block cannot be inserted even after
// attempting to expand the cache and evict its least-recently-used
// blocks.
var ErrOutOfMemory = errors.New(`nvmjit/codecache: out of memory`)

// ErrInvalidBlock identifies a block that is unfit for insertion.
// CodeCache.Insert performs no validation of its own, and no method of
// CodeCache returns this error.
var ErrInvalidBlock = errors.New(`nvmjit/codecache: invalid block`)

// ErrCompilationFailed documents a possible result from a
// compiler.Compiler; the cache itself never produces it.
var ErrCompilationFailed = errors.New(`nvmjit/codecache: compilation failed`)
