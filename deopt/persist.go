package deopt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// nvmdMagic identifies a serialized deopt-manager snapshot.
var nvmdMagic = [4]byte{'N', 'V', 'M', 'D'}

const nvmdVersion uint32 = 1

// ErrInvalidFormat is returned by Deserialize when data does not begin
// with the expected magic and version.
var ErrInvalidFormat = errors.New(`deopt: invalid NVMD header`)

// ErrTruncated is returned by Deserialize when data ends in the middle
// of a record.
var ErrTruncated = errors.New(`deopt: truncated NVMD data`)

type failedGuard struct {
	id       uint32
	guestRIP uint64
	failures uint64
}

// maxPersistedGuards bounds how many of the most-failed guards are
// written out; beyond this point the marginal value of remembering one
// more guard's failure count is not worth the file size.
const maxPersistedGuards = 1000

// Serialize encodes the manager's statistics, disabled-speculation set,
// and the most-failed guards into the NVMD wire format for ReadyNow!
// persistence. Disabled speculations are the part that matters for
// correctness on reload: they stop the next run from re-speculating on
// something already known to fail repeatedly at this guest RIP.
func (m *Manager) Serialize() []byte {
	var buf bytes.Buffer
	buf.Write(nvmdMagic[:])
	writeU32(&buf, nvmdVersion)

	snap := m.stats.snapshot()
	for _, v := range []uint64{
		snap.TotalDeopts,
		snap.TypeMismatches,
		snap.ValueMismatches,
		snap.RangeViolations,
		snap.NullPointers,
		snap.BranchMispredicts,
		snap.CallTargetMismatches,
		snap.GuardsDisabled,
		snap.RecompilationsTriggered,
	} {
		writeU64(&buf, v)
	}

	m.disabledMu.RLock()
	writeU32(&buf, uint32(len(m.disabled)))
	for key, isDisabled := range m.disabled {
		if !isDisabled {
			continue
		}
		writeU64(&buf, key.guestRIP)
		writeU64(&buf, key.kindHash)
	}
	m.disabledMu.RUnlock()

	m.guardsMu.RLock()
	failed := make([]failedGuard, 0, len(m.guards))
	for id, g := range m.guards {
		if f := g.FailureCount(); f > 0 {
			failed = append(failed, failedGuard{id: id, guestRIP: g.GuestRIP, failures: f})
		}
	}
	m.guardsMu.RUnlock()

	sort.Slice(failed, func(i, j int) bool { return failed[i].failures > failed[j].failures })
	if len(failed) > maxPersistedGuards {
		failed = failed[:maxPersistedGuards]
	}

	writeU32(&buf, uint32(len(failed)))
	for _, f := range failed {
		writeU32(&buf, f.id)
		writeU64(&buf, f.guestRIP)
		writeU64(&buf, f.failures)
	}

	return buf.Bytes()
}

// RestoreSummary reports what Deserialize found, for the caller to log
// with whichever concrete logiface backend it is configured with; the
// deopt package itself stays logging-backend-agnostic.
type RestoreSummary struct {
	DisabledCount           uint32
	HistoricalGuardFailures uint64
}

// Deserialize restores statistics and the disabled-speculation set from
// data produced by Serialize. Historical guard failure counts are
// summarized in the returned RestoreSummary but not reconstructed into
// live guards, since the guards themselves are recreated fresh by the
// next compile pass and have no identity that survives a restart.
func (m *Manager) Deserialize(data []byte) (RestoreSummary, error) {
	if len(data) < 8 || !bytes.Equal(data[:4], nvmdMagic[:]) {
		return RestoreSummary{}, ErrInvalidFormat
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != nvmdVersion {
		return RestoreSummary{}, ErrInvalidFormat
	}

	r := bytes.NewReader(data[8:])

	var rawStats [9]uint64
	for i := range rawStats {
		v, err := readU64(r)
		if err != nil {
			return RestoreSummary{}, ErrTruncated
		}
		rawStats[i] = v
	}
	m.stats = Stats{
		totalDeopts:             rawStats[0],
		typeMismatches:          rawStats[1],
		valueMismatches:         rawStats[2],
		rangeViolations:         rawStats[3],
		nullPointers:            rawStats[4],
		branchMispredicts:       rawStats[5],
		callTargetMismatches:    rawStats[6],
		guardsDisabled:          rawStats[7],
		recompilationsTriggered: rawStats[8],
	}

	disabledCount, err := readU32(r)
	if err != nil {
		return RestoreSummary{}, ErrTruncated
	}

	disabled := make(map[disabledKey]bool, disabledCount)
	for i := uint32(0); i < disabledCount; i++ {
		rip, err := readU64(r)
		if err != nil {
			return RestoreSummary{}, ErrTruncated
		}
		hash, err := readU64(r)
		if err != nil {
			return RestoreSummary{}, ErrTruncated
		}
		disabled[disabledKey{guestRIP: rip, kindHash: hash}] = true
	}
	m.disabledMu.Lock()
	m.disabled = disabled
	m.disabledMu.Unlock()

	summary := RestoreSummary{DisabledCount: disabledCount}

	guardCount, err := readU32(r)
	if err != nil {
		// The guard-failure section is informational; its absence does
		// not invalidate an otherwise-valid snapshot.
		return summary, nil
	}

	for i := uint32(0); i < guardCount; i++ {
		if _, err := readU32(r); err != nil { // id
			break
		}
		if _, err := readU64(r); err != nil { // guest rip
			break
		}
		failures, err := readU64(r)
		if err != nil {
			break
		}
		summary.HistoricalGuardFailures += failures
	}

	return summary, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err == nil && n != len(b) {
		err = ErrTruncated
	}
	return n, err
}
