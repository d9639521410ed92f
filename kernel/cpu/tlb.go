package cpu

import (
	"math/rand"
	"sync"
)

// NumTLB is the number of entries in the MIPS R3000 TLB.
const NumTLB = 64

// EntryLo flag bits.
const (
	// EntryLoValid marks the entry as usable.
	EntryLoValid = uint32(0x200)

	// EntryLoDirty allows writes through the translation. Entries without
	// it raise a TLB modify exception on store.
	EntryLoDirty = uint32(0x400)

	// PageFrameMask extracts the page number of EntryHi/EntryLo values.
	PageFrameMask = uint32(0xfffff000)
)

// InvalidEntryHi returns a unique EntryHi value for slot i that can never
// match a user or kernel address. The MIPS TLB must never hold two entries
// with the same EntryHi, so invalidated slots get distinct kseg0 pages.
func InvalidEntryHi(i int) uint32 {
	return uint32(0x80000+i) << 12
}

// InvalidEntryLo is the EntryLo value of an invalidated slot.
func InvalidEntryLo() uint32 {
	return 0
}

// Exception describes the outcome of a translation attempt.
type Exception uint8

const (
	// ExcNone indicates a successful translation.
	ExcNone Exception = iota

	// ExcTLBMissLoad indicates a TLB miss on a load or instruction fetch.
	ExcTLBMissLoad

	// ExcTLBMissStore indicates a TLB miss on a store.
	ExcTLBMissStore

	// ExcTLBModify indicates a store through a translation that lacks the
	// dirty bit.
	ExcTLBModify
)

var exceptionNames = [...]string{
	ExcNone:         "none",
	ExcTLBMissLoad:  "TLB miss on load",
	ExcTLBMissStore: "TLB miss on store",
	ExcTLBModify:    "TLB modify",
}

// String implements fmt.Stringer.
func (e Exception) String() string {
	if int(e) < len(exceptionNames) {
		return exceptionNames[e]
	}
	return "unknown"
}

// TLB models the software-refilled MIPS TLB. Each slot holds an EntryHi
// (virtual page) and EntryLo (physical frame plus flags) pair.
type TLB struct {
	mu  sync.Mutex
	hi  [NumTLB]uint32
	lo  [NumTLB]uint32
	rng *rand.Rand
}

// NewTLB returns a TLB with every slot invalidated.
func NewTLB(seed int64) *TLB {
	tlb := &TLB{rng: rand.New(rand.NewSource(seed))}
	tlb.InvalidateAll()
	return tlb
}

// Read returns the contents of slot i.
func (t *TLB) Read(i int) (entryHi, entryLo uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hi[i], t.lo[i]
}

// Write stores a translation into slot i.
func (t *TLB) Write(entryHi, entryLo uint32, i int) {
	t.mu.Lock()
	t.hi[i], t.lo[i] = entryHi, entryLo
	t.mu.Unlock()
}

// Random stores a translation into a randomly selected slot and returns the
// index of that slot.
func (t *TLB) Random(entryHi, entryLo uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.rng.Intn(NumTLB)
	t.hi[i], t.lo[i] = entryHi, entryLo
	return i
}

// Probe returns the index of the slot whose EntryHi matches entryHi or -1 if
// no such slot exists.
func (t *TLB) Probe(entryHi uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < NumTLB; i++ {
		if t.hi[i] == entryHi {
			return i
		}
	}
	return -1
}

// InvalidateAll marks every slot invalid.
func (t *TLB) InvalidateAll() {
	t.mu.Lock()
	for i := 0; i < NumTLB; i++ {
		t.hi[i], t.lo[i] = InvalidEntryHi(i), InvalidEntryLo()
	}
	t.mu.Unlock()
}

// ValidEntries returns the number of slots holding a valid translation.
func (t *TLB) ValidEntries() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var count int
	for i := 0; i < NumTLB; i++ {
		if t.lo[i]&EntryLoValid != 0 {
			count++
		}
	}
	return count
}

// Translate performs the MMU lookup for a user access to vaddr. It returns
// the physical address on success or the exception raised by the access.
func (t *TLB) Translate(vaddr uint32, write bool) (uint32, Exception) {
	t.mu.Lock()
	defer t.mu.Unlock()

	vpage := vaddr & PageFrameMask
	for i := 0; i < NumTLB; i++ {
		if t.hi[i] != vpage || t.lo[i]&EntryLoValid == 0 {
			continue
		}

		if write && t.lo[i]&EntryLoDirty == 0 {
			return 0, ExcTLBModify
		}
		return (t.lo[i] & PageFrameMask) | (vaddr &^ PageFrameMask), ExcNone
	}

	if write {
		return 0, ExcTLBMissStore
	}
	return 0, ExcTLBMissLoad
}
