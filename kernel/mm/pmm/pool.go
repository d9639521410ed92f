package pmm

import (
	"encoding/binary"

	"github.com/LilyZhang9911/OS-project/kernel"
)

// poolEntrySize is the size in bytes of each pool entry.
const poolEntrySize = 4

var errPoolIndex = &kernel.Error{Module: "coremap", Message: "pool entry index out of range", Kind: kernel.InternalInconsistency}

// poolEntries is the coremap bookkeeping array. It lives inside the first
// frames of the managed physical range and stores one big-endian 32-bit word
// per frame:
//
//	0 the frame is free
//	k the frame is the k-th (1-based) frame of a contiguous allocation run
//
// A run of N frames starting at index s holds 1..N. Runs may be adjacent; a
// run boundary is where the increasing sequence breaks.
type poolEntries struct {
	raw   []byte
	count int
}

func newPoolEntries(raw []byte, count int) poolEntries {
	return poolEntries{raw: raw[:count*poolEntrySize], count: count}
}

// get returns the entry at index i.
func (p poolEntries) get(i int) uint32 {
	if i < 0 || i >= p.count {
		panic(errPoolIndex)
	}
	return binary.BigEndian.Uint32(p.raw[i*poolEntrySize:])
}

// set updates the entry at index i.
func (p poolEntries) set(i int, v uint32) {
	if i < 0 || i >= p.count {
		panic(errPoolIndex)
	}
	binary.BigEndian.PutUint32(p.raw[i*poolEntrySize:], v)
}

// free returns true if the count entries starting at i are all free. If not,
// it also returns the index of the last allocated entry in that window.
func (p poolEntries) free(i, count int) (bool, int) {
	for j := i + count - 1; j >= i; j-- {
		if p.get(j) != 0 {
			return false, j
		}
	}
	return true, 0
}

// markRun labels the count entries starting at i as a run.
func (p poolEntries) markRun(i, count int) {
	for j := 0; j < count; j++ {
		p.set(i+j, uint32(j+1))
	}
}

// runBounds returns the [start, end) range of the run that contains index i.
// The caller must ensure that entry i is allocated and that every run begins
// at or after floor.
func (p poolEntries) runBounds(i, floor int) (int, int) {
	start := i
	for p.get(start) != 1 {
		start--
		if start < floor {
			panic(errPoolIndex)
		}
	}

	end, prev := i+1, p.get(i)
	for end < p.count && p.get(end) == prev+1 {
		prev = p.get(end)
		end++
	}
	return start, end
}
