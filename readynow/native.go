package readynow

import (
	"bytes"
	"encoding/binary"

	"github.com/joeycumines/go-nvmjit/codecache"
	"github.com/joeycumines/go-nvmjit/tier"
)

// NativeBlock is one compiled block as persisted by the native format,
// with its machine code copied out into an ordinary byte slice rather
// than the live executable-pool pointer held by codecache.Block.
type NativeBlock struct {
	GuestRIP      uint64
	GuestSize     uint32
	HostSize      uint32
	Tier          tier.Tier
	GuestInstrs   uint32
	GuestChecksum uint64
	NativeCode    []byte
}

// SaveNative encodes blocks into the NVNC wire format for jitVersion and
// arch. Native code is same-generation-only: LoadNative enforces an
// exact match on both fields before trusting any of the machine code
// that follows.
func SaveNative(jitVersion uint32, arch Architecture, blocks []codecache.PersistEntry) []byte {
	var buf bytes.Buffer
	buf.Write(nativeMagic[:])
	writeU32(&buf, jitVersion)
	buf.WriteByte(byte(arch))
	buf.Write([]byte{0, 0, 0})
	writeU32(&buf, uint32(len(blocks)))

	for _, entry := range blocks {
		writeU64(&buf, entry.GuestRIP)
		writeU32(&buf, entry.Info.GuestSize)
		writeU32(&buf, entry.Info.HostSize)
		buf.WriteByte(tierByte(entry.Info.Tier))
		writeU32(&buf, entry.Info.GuestInstrs)
		writeU64(&buf, entry.Info.GuestChecksum)
		buf.Write([]byte{0, 0, 0})
		buf.Write(entry.Info.NativeCode)
	}

	checksum := codecache.ComputeChecksum(buf.Bytes())
	writeU64(&buf, checksum)

	return buf.Bytes()
}

// LoadNative decodes data written by SaveNative. A version or
// architecture mismatch is not an error: it means the caller must
// recompile from scratch, reported as (nil, false, nil). Interpreter
// tier blocks are never persisted as native code worth restoring — the
// interpreter has no native representation — so they are skipped on
// load rather than surfaced as zero-length entries.
func LoadNative(data []byte, jitVersion uint32, arch Architecture) ([]NativeBlock, bool, error) {
	if len(data) < 16 {
		return nil, false, ErrInvalidFormat
	}
	if !bytes.Equal(data[:4], nativeMagic[:]) {
		return nil, false, ErrInvalidFormat
	}

	fileVersion := binary.LittleEndian.Uint32(data[4:8])
	fileArch := Architecture(data[8])
	if !fileArch.valid() {
		return nil, false, ErrInvalidFormat
	}

	if len(data) < 24 {
		return nil, false, ErrTruncated
	}
	body, trailer := data[:len(data)-8], data[len(data)-8:]
	wantChecksum := binary.LittleEndian.Uint64(trailer)
	if codecache.ComputeChecksum(body) != wantChecksum {
		return nil, false, ErrTruncated
	}
	data = body

	if fileVersion != jitVersion || fileArch != arch {
		return nil, false, nil
	}

	blockCount := binary.LittleEndian.Uint32(data[12:16])
	r := newByteReader(data[16:])
	blocks := make([]NativeBlock, 0, blockCount)

	for i := uint32(0); i < blockCount; i++ {
		header, ok := r.bytes(32)
		if !ok {
			return nil, false, ErrTruncated
		}
		rip := binary.LittleEndian.Uint64(header[0:8])
		guestSize := binary.LittleEndian.Uint32(header[8:12])
		hostSize := binary.LittleEndian.Uint32(header[12:16])
		blockTier := tierFromByte(header[16])
		guestInstrs := binary.LittleEndian.Uint32(header[17:21])
		guestChecksum := binary.LittleEndian.Uint64(header[21:29])

		code, ok := r.bytes(int(hostSize))
		if !ok {
			return nil, false, ErrTruncated
		}

		if blockTier == tier.Interpreter {
			continue
		}

		nativeCode := make([]byte, len(code))
		copy(nativeCode, code)

		blocks = append(blocks, NativeBlock{
			GuestRIP:      rip,
			GuestSize:     guestSize,
			HostSize:      hostSize,
			Tier:          blockTier,
			GuestInstrs:   guestInstrs,
			GuestChecksum: guestChecksum,
			NativeCode:    nativeCode,
		})
	}

	return blocks, true, nil
}

func tierByte(t tier.Tier) byte {
	switch t {
	case tier.Interpreter:
		return 0
	case tier.S1:
		return 1
	default:
		return 2
	}
}

func tierFromByte(b byte) tier.Tier {
	switch b {
	case 0:
		return tier.Interpreter
	case 1:
		return tier.S1
	default:
		return tier.S2
	}
}
