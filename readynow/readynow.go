// Package readynow implements ReadyNow! persistence: saving and loading
// the three warm-start artifacts a hypervisor JIT can use to skip cold
// startup work — profiling data, decoded IR, and compiled native code —
// plus the deopt manager's own snapshot handled in the deopt package.
//
// The three formats trade compatibility for size and load latency. The
// profile format is fully forward and backward compatible, since it
// only ever guides compilation decisions and a partial or stale read is
// harmless. The RI format is backward compatible only: a newer reader
// can load an older RI file, but an older reader must refuse a file
// produced by a version it doesn't understand, since it cannot safely
// guess at opcodes it wasn't built to decode. The native format accepts
// only an exact version and architecture match, since machine code from
// a mismatched JIT generation or target is unsafe to execute at all.
package readynow

import "errors"

// Version is the current ReadyNow! format version. It is written into
// every file header and checked on load per the compatibility rules
// documented on the package.
const Version uint32 = 1

var (
	profileMagic = [4]byte{'N', 'V', 'M', 'P'}
	riMagic      = [4]byte{'N', 'V', 'R', 'I'}
	nativeMagic  = [4]byte{'N', 'V', 'N', 'C'}
)

// Architecture identifies the target the native-code format was
// compiled for. Native code is only ever valid for the exact
// architecture it was produced on.
type Architecture uint8

const (
	X86_64 Architecture = iota
	Aarch64
)

func (a Architecture) valid() bool {
	return a == X86_64 || a == Aarch64
}

// ErrInvalidFormat is returned when data does not begin with the
// expected magic, or is too short to contain a header.
var ErrInvalidFormat = errors.New(`nvmjit/readynow: invalid format`)

// ErrIncompatibleVersion is returned by LoadRI when data was written by
// a newer format version than this package understands.
var ErrIncompatibleVersion = errors.New(`nvmjit/readynow: incompatible version`)

// ErrTruncated is returned when data ends in the middle of a record, or
// fails its trailing checksum.
var ErrTruncated = errors.New(`nvmjit/readynow: truncated or corrupt data`)
