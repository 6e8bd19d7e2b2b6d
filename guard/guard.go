package guard

import "sync/atomic"

// Guard is a speculation check inlined into compiled code, together with
// its failure history.
type Guard struct {
	ID       uint32
	GuestRIP uint64
	Kind     Kind
	Reason   Reason

	failures uint64 // atomic
}

// New creates a Guard with a zeroed failure count.
func New(id uint32, guestRIP uint64, kind Kind, reason Reason) *Guard {
	return &Guard{
		ID:       id,
		GuestRIP: guestRIP,
		Kind:     kind,
		Reason:   reason,
	}
}

// RecordFailure increments the guard's failure count and returns the new
// total.
func (g *Guard) RecordFailure() uint64 {
	return atomic.AddUint64(&g.failures, 1)
}

// FailureCount returns the current failure count.
func (g *Guard) FailureCount() uint64 {
	return atomic.LoadUint64(&g.failures)
}

// ShouldDisable reports whether this guard has failed often enough that
// its speculation should be disabled for future compiles.
func (g *Guard) ShouldDisable(threshold uint64) bool {
	return g.FailureCount() >= threshold
}

// Snapshot returns an immutable copy of the guard's current state,
// suitable for sorting or persistence without racing the live counter.
func (g *Guard) Snapshot() Snapshot {
	return Snapshot{
		ID:       g.ID,
		GuestRIP: g.GuestRIP,
		Kind:     g.Kind,
		Reason:   g.Reason,
		Failures: g.FailureCount(),
	}
}

// Snapshot is a point-in-time copy of a Guard's state.
type Snapshot struct {
	ID       uint32
	GuestRIP uint64
	Kind     Kind
	Reason   Reason
	Failures uint64
}
