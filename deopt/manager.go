package deopt

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-nvmjit/guard"
)

type disabledKey struct {
	guestRIP uint64
	kindHash uint64
}

type blockMetadata struct {
	baseAddr uintptr
	entries  []Metadata
}

// Manager owns the guard registry, deopt metadata, and failure history
// for a running code cache.
type Manager struct {
	guardsMu sync.RWMutex
	guards   map[uint32]*guard.Guard

	metadataMu   sync.RWMutex
	metadata     map[uint64]blockMetadata
	byNativeAddr map[uintptr]Metadata

	nextGuardID uint32 // atomic

	stats Stats

	failureThreshold uint64

	disabledMu sync.RWMutex
	disabled   map[disabledKey]bool
}

// NewManager creates a Manager that disables a speculation after
// failureThreshold total failures of its guard; a guard's failure count
// is never reset.
func NewManager(failureThreshold uint64) *Manager {
	return &Manager{
		guards:       make(map[uint32]*guard.Guard),
		metadata:     make(map[uint64]blockMetadata),
		byNativeAddr: make(map[uintptr]Metadata),
		nextGuardID:  1,
		disabled:     make(map[disabledKey]bool),
		failureThreshold: failureThreshold,
	}
}

// AllocGuardID reserves and returns the next guard ID.
func (m *Manager) AllocGuardID() uint32 {
	return atomic.AddUint32(&m.nextGuardID, 1) - 1
}

// RegisterGuard adds g to the registry, keyed by g.ID.
func (m *Manager) RegisterGuard(g *guard.Guard) {
	m.guardsMu.Lock()
	defer m.guardsMu.Unlock()
	m.guards[g.ID] = g
}

// RegisterMetadata records the deopt metadata for a compiled block, and
// indexes each entry by its absolute native address (baseAddr +
// NativeOffset) so HandleDeopt can find it from a trampoline's return
// address alone.
func (m *Manager) RegisterMetadata(blockRIP uint64, baseAddr uintptr, entries []Metadata) {
	m.metadataMu.Lock()
	defer m.metadataMu.Unlock()

	m.metadata[blockRIP] = blockMetadata{baseAddr: baseAddr, entries: entries}
	for _, e := range entries {
		m.byNativeAddr[baseAddr+uintptr(e.NativeOffset)] = e
	}
}

// HandleDeopt processes a guard failure observed at nativeAddr, updating
// statistics and, if the guard has now failed too often, disabling its
// speculation. It reconstructs guest register state from whichever deopt
// metadata was registered for nativeAddr; if none was registered, the
// returned state still carries a valid GuestRIP and Reason but zeroed
// GPRs.
func (m *Manager) HandleDeopt(guardID uint32, nativeAddr uintptr, native NativeRegs) (*State, bool) {
	atomic.AddUint64(&m.stats.totalDeopts, 1)

	m.guardsMu.RLock()
	g, ok := m.guards[guardID]
	m.guardsMu.RUnlock()
	if !ok {
		return nil, false
	}

	g.RecordFailure()
	m.stats.recordReason(g.Reason)

	if g.ShouldDisable(m.failureThreshold) && m.disableSpeculation(g.GuestRIP, g.Kind) {
		atomic.AddUint64(&m.stats.guardsDisabled, 1)
	}

	state := &State{
		GuestRIP: g.GuestRIP,
		RFlags:   native.RFlags,
		RSP:      native.RSP,
		Reason:   g.Reason,
		GuardID:  guardID,
	}

	m.metadataMu.RLock()
	md, found := m.byNativeAddr[nativeAddr]
	m.metadataMu.RUnlock()
	if found {
		state.GuestRIP = md.GuestRIP
		state.GPRs = reconstructGPRs(md.RegMap, native)
	}

	return state, true
}

// disableSpeculation records guestRIP/kind as disabled, reporting
// whether this call actually made the transition (false if it was
// already disabled), mirroring codecache.Block.Invalidate's sticky,
// transition-reporting pattern so a guard that keeps failing after
// being disabled doesn't re-trigger the disabled-count statistic.
func (m *Manager) disableSpeculation(guestRIP uint64, kind guard.Kind) (transitioned bool) {
	key := disabledKey{guestRIP: guestRIP, kindHash: kind.Hash()}
	m.disabledMu.Lock()
	defer m.disabledMu.Unlock()
	if m.disabled[key] {
		return false
	}
	m.disabled[key] = true
	return true
}

// IsSpeculationDisabled reports whether a speculation of this kind at
// guestRIP has previously failed often enough to be disabled.
func (m *Manager) IsSpeculationDisabled(guestRIP uint64, kind guard.Kind) bool {
	key := disabledKey{guestRIP: guestRIP, kindHash: kind.Hash()}
	m.disabledMu.RLock()
	defer m.disabledMu.RUnlock()
	return m.disabled[key]
}

// RecordRecompilation increments the recompilations-triggered counter;
// callers should invoke it whenever a disabled speculation causes a
// block to be recompiled without that speculation.
func (m *Manager) RecordRecompilation() {
	atomic.AddUint64(&m.stats.recompilationsTriggered, 1)
}

// ClearBlock removes every guard and deopt metadata entry associated
// with blockRIP. The orchestrator calls it each time it compiles a block
// at blockRIP, before registering the new compile's guards and metadata;
// eviction from the code cache does not call it.
func (m *Manager) ClearBlock(blockRIP uint64) {
	m.metadataMu.Lock()
	if bm, ok := m.metadata[blockRIP]; ok {
		for _, e := range bm.entries {
			delete(m.byNativeAddr, bm.baseAddr+uintptr(e.NativeOffset))
		}
		delete(m.metadata, blockRIP)
	}
	m.metadataMu.Unlock()

	m.guardsMu.Lock()
	for id, g := range m.guards {
		if g.GuestRIP == blockRIP {
			delete(m.guards, id)
		}
	}
	m.guardsMu.Unlock()
}

// StatsSnapshot returns a copy of the current statistics.
func (m *Manager) StatsSnapshot() Snapshot {
	return m.stats.snapshot()
}
