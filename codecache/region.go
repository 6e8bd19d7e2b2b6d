package codecache

import "sort"

type region struct {
	start uint64
	end   uint64
}

// regionIndex tracks the guest address ranges covered by live blocks,
// sorted by start address, so self-modifying-code invalidation can find
// every block whose range overlaps a memory write. Insert and remove use
// sort.Search for their positioning, following the sorted-slice pattern
// the rest of this module's ancestry uses for ordered collections.
type regionIndex struct {
	entries []region
}

func (r *regionIndex) search(start uint64) int {
	return sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].start >= start
	})
}

// insert records or updates the range for start, overwriting any
// existing entry at the same start address.
func (r *regionIndex) insert(start, end uint64) {
	i := r.search(start)
	if i < len(r.entries) && r.entries[i].start == start {
		r.entries[i].end = end
		return
	}
	r.entries = append(r.entries, region{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = region{start: start, end: end}
}

// remove deletes the entry at start, if present.
func (r *regionIndex) remove(start uint64) {
	i := r.search(start)
	if i < len(r.entries) && r.entries[i].start == start {
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
	}
}

// overlapping returns the start address of every region whose range
// overlaps [start, end).
func (r *regionIndex) overlapping(start, end uint64) []uint64 {
	var out []uint64
	for _, e := range r.entries {
		if e.start < end && e.end > start {
			out = append(out, e.start)
		}
	}
	return out
}

func (r *regionIndex) clear() {
	r.entries = nil
}

func (r *regionIndex) len() int {
	return len(r.entries)
}
