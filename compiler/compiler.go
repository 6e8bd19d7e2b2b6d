// Package compiler defines the pluggable backend the orchestrator calls
// into on a cache miss. Guest decoding, IR construction, register
// allocation, and the S1/S2 code generators themselves are out of scope
// for this module and live entirely behind this interface.
package compiler

import (
	"errors"

	"github.com/joeycumines/go-nvmjit/deopt"
	"github.com/joeycumines/go-nvmjit/guard"
	"github.com/joeycumines/go-nvmjit/tier"
)

// ErrCompilationFailed is a possible result from Compile; the core never
// produces it itself, only documents it as a contract the orchestrator
// must handle by falling back to the interpreter.
var ErrCompilationFailed = errors.New(`nvmjit/compiler: compilation failed`)

// Result is everything a successful compile produces for one guest
// block: the generated native code, the guest-side accounting needed to
// track and later invalidate it, any deopt metadata needed to
// reconstruct guest state from that code, and any guards it installed.
type Result struct {
	Code          []byte
	GuestSize     uint32
	GuestInstrs   uint32
	GuestChecksum uint64
	DependsOn     []uint64
	Metadata      []deopt.Metadata
	Guards        []*guard.Guard
}

// Compiler translates one guest code block at the given tier.
type Compiler interface {
	Compile(guestRIP uint64, t tier.Tier) (Result, error)
}

// Func adapts a plain function to the Compiler interface.
type Func func(guestRIP uint64, t tier.Tier) (Result, error)

// Compile implements Compiler.
func (f Func) Compile(guestRIP uint64, t tier.Tier) (Result, error) {
	return f(guestRIP, t)
}
