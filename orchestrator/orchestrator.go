// Package orchestrator is the glue layer a guest dispatch loop calls
// into: lookup-or-compile on every dispatch, a periodic promotion scan,
// and the deopt trampoline handler a guard failure jumps to. It owns
// nothing about guest decoding or code generation — those live entirely
// behind the compiler.Compiler it is given.
package orchestrator

import (
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-nvmjit/codecache"
	"github.com/joeycumines/go-nvmjit/compiler"
	"github.com/joeycumines/go-nvmjit/deopt"
	"github.com/joeycumines/go-nvmjit/guard"
	"github.com/joeycumines/go-nvmjit/tier"
)

// Orchestrator dispatches guest execution through a code cache, driving
// cold compiles, hot-block promotion, and deopt recovery.
type Orchestrator struct {
	cache    *codecache.CodeCache
	deopt    *deopt.Manager
	compiler compiler.Compiler
	cfg      Config
	log      *logiface.Logger[logiface.Event]

	dispatchCount uint64 // atomic
	group         singleflight.Group
}

// New creates an Orchestrator around an existing code cache and
// compiler backend, with its own deopt manager sized by
// WithDeoptFailureThreshold.
func New(cache *codecache.CodeCache, c compiler.Compiler, opts ...Option) *Orchestrator {
	cfg := newConfig(opts...)
	return &Orchestrator{
		cache:    cache,
		deopt:    deopt.NewManager(cfg.deoptFailureThreshold),
		compiler: c,
		cfg:      cfg,
		log:      cfg.log,
	}
}

// DeoptManager returns the orchestrator's deopt manager, for callers
// that need to persist or inspect it directly (e.g. ReadyNow! save).
func (o *Orchestrator) DeoptManager() *deopt.Manager {
	return o.deopt
}

// Dispatch resolves rip to a host code pointer, compiling at S1 on a
// cache miss, and triggers a promotion scan every
// Config.promotionScanInterval dispatches.
func (o *Orchestrator) Dispatch(rip uint64) (uintptr, error) {
	addr, ok := o.cache.Lookup(rip)
	if !ok {
		var err error
		addr, err = o.compileAndInsert(rip, tier.S1)
		if err != nil {
			return 0, err
		}
	}

	if count := atomic.AddUint64(&o.dispatchCount, 1); count%o.cfg.promotionScanInterval == 0 {
		o.scanPromotions()
	}

	return addr, nil
}

// compileAndInsert coalesces concurrent cold compiles of the same RIP
// via singleflight, so N guest threads racing on the same miss invoke
// the compiler backend exactly once.
func (o *Orchestrator) compileAndInsert(rip uint64, t tier.Tier) (uintptr, error) {
	key := singleflightKey(rip, t)

	v, err, _ := o.group.Do(key, func() (any, error) {
		result, err := o.compiler.Compile(rip, t)
		if err != nil {
			return nil, err
		}

		hostPtr, ok := o.cache.AllocateCode(result.Code)
		if !ok {
			return nil, codecache.ErrOutOfMemory
		}

		o.deopt.ClearBlock(rip)
		for _, g := range result.Guards {
			o.deopt.RegisterGuard(g)
		}
		if len(result.Metadata) > 0 {
			o.deopt.RegisterMetadata(rip, hostPtr, result.Metadata)
		}

		block := &codecache.Block{
			GuestRIP:      rip,
			GuestSize:     result.GuestSize,
			HostCode:      hostPtr,
			HostSize:      uint32(len(result.Code)),
			Tier:          t,
			GuestInstrs:   result.GuestInstrs,
			GuestChecksum: result.GuestChecksum,
			DependsOn:     result.DependsOn,
		}
		if err := o.cache.Insert(block); err != nil {
			return nil, err
		}

		if o.log != nil {
			o.log.Debug().
				Uint64(`guest_rip`, rip).
				Int(`tier`, int(t)).
				Int(`host_size`, len(result.Code)).
				Log(`compiled block`)
		}

		return hostPtr, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uintptr), nil
}

// scanPromotions surfaces the hottest S1 blocks past the S2 threshold
// and recompiles each at S2. A concurrent S2 promotion of the same RIP
// is coalesced through compileAndInsert's singleflight key; a cold S1
// compile of that RIP uses a different key and is not coalesced with it.
func (o *Orchestrator) scanPromotions() {
	candidates := o.cache.GetPromotionCandidates(o.cfg.s2Threshold, o.cfg.promotionBatchMax)
	for _, rip := range candidates {
		if _, err := o.compileAndInsert(rip, tier.S2); err != nil {
			if o.log != nil {
				o.log.Debug().
					Uint64(`guest_rip`, rip).
					Str(`error`, err.Error()).
					Log(`promotion compile failed`)
			}
			continue
		}
		if o.log != nil {
			o.log.Debug().Uint64(`guest_rip`, rip).Log(`promoted to S2`)
		}
	}
}

// HandleDeopt is the trampoline entry point a guard failure jumps to:
// it records the failure, possibly disables the speculation that
// caused it, and reconstructs the guest state execution should resume
// from in the interpreter.
func (o *Orchestrator) HandleDeopt(guardID uint32, nativeAddr uintptr, native deopt.NativeRegs) (*deopt.State, bool) {
	state, ok := o.deopt.HandleDeopt(guardID, nativeAddr, native)
	if ok && o.log != nil {
		o.log.Debug().
			Uint64(`guest_rip`, state.GuestRIP).
			Int(`guard_id`, int(guardID)).
			Str(`reason`, state.Reason.String()).
			Log(`deopt`)
	}
	return state, ok
}

// IsSpeculationDisabled reports whether a speculation of this kind at
// guestRIP has failed often enough that the compiler should avoid
// re-emitting it, consulted by Compiler implementations before
// deciding to speculate again.
func (o *Orchestrator) IsSpeculationDisabled(guestRIP uint64, kind guard.Kind) bool {
	return o.deopt.IsSpeculationDisabled(guestRIP, kind)
}

func singleflightKey(rip uint64, t tier.Tier) string {
	return strconv.FormatUint(rip, 16) + `:` + strconv.Itoa(int(t))
}
