// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"io"

	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
	"github.com/LilyZhang9911/OS-project/kernel/sync"
)

var (
	errAlreadyBootstrapped = &kernel.Error{Module: "coremap", Message: "coremap already bootstrapped", Kind: kernel.InvalidArgument}
	errNoMemoryForCoremap  = &kernel.Error{Module: "coremap", Message: "not enough memory to hold the coremap", Kind: kernel.ResourceExhausted}
	errOutOfMemory         = &kernel.Error{Module: "coremap", Message: "no contiguous run of free frames large enough", Kind: kernel.ResourceExhausted}
	errBadFrameCount       = &kernel.Error{Module: "coremap", Message: "frame count must be positive", Kind: kernel.InvalidArgument}
	errUnalignedFree       = &kernel.Error{Module: "coremap", Message: "free request for an address that is not page-aligned", Kind: kernel.InvalidArgument}
	errUnmanagedFrame      = &kernel.Error{Module: "coremap", Message: "free request for a frame outside the allocatable range", Kind: kernel.InvalidArgument}
	errFrameNotAllocated   = &kernel.Error{Module: "coremap", Message: "free request for a frame that is not allocated", Kind: kernel.InvalidArgument}
	errLockNotHeld         = &kernel.Error{Module: "coremap", Message: "pool accessed without holding the coremap lock", Kind: kernel.InternalInconsistency}
)

// Machine is the physical memory interface used by the coremap.
type Machine interface {
	// StealMem permanently reserves npages pages and returns the
	// physical address of the first one or 0 if memory is exhausted.
	StealMem(npages uintptr) uintptr

	// GetSize hands the memory not claimed by StealMem over to the caller.
	GetSize() (lo, hi uintptr)

	// Slice returns size bytes of physical memory starting at physAddr.
	Slice(physAddr, size uintptr) []byte
}

// Stats summarizes the state of the coremap.
type Stats struct {
	// Total is the number of frames tracked by the coremap.
	Total int

	// Reserved is the number of frames that store the coremap itself.
	Reserved int

	// Used is the number of allocated frames excluding Reserved.
	Used int

	// Free is the number of free frames.
	Free int
}

// Coremap is the kernel's physical frame allocator. Until Bootstrap is
// invoked, requests are served by a boot allocator whose frames can never be
// reclaimed. Afterwards, every frame of the physical range is tracked by a
// pool entry and allocations use a first-fit linear scan.
//
// All pool mutations are serialized by a single spinlock; no code path
// sleeps while holding it.
type Coremap struct {
	lock sync.Spinlock
	ram  Machine
	boot bootMemAllocator

	ready bool

	// start and end delimit the managed physical range.
	start, end uintptr

	// reserved is the number of frames at the beginning of the range that
	// hold the pool itself.
	reserved int
	pool     poolEntries
}

// New returns a coremap that serves requests through the boot allocator
// until Bootstrap is invoked.
func New(ram Machine) *Coremap {
	return &Coremap{
		ram:  ram,
		boot: bootMemAllocator{ram: ram},
	}
}

// Bootstrap takes over the physical memory that has not been claimed by the
// boot allocator. The range is page-aligned, the frames needed to store the
// pool are reserved at its start and every other frame is marked free. It
// must be called exactly once.
func (c *Coremap) Bootstrap() *kernel.Error {
	c.lock.Acquire()
	if c.ready {
		c.lock.Release()
		return errAlreadyBootstrapped
	}

	lo, hi := c.ram.GetSize()
	start := mm.RoundUp(lo)
	end := mm.RoundUp(hi)
	if end >= mm.PageSize {
		end -= mm.PageSize
	}

	if end <= start {
		c.lock.Release()
		return errNoMemoryForCoremap
	}

	entries := int((end - start) / mm.PageSize)
	reserved := int(mm.RoundUp(uintptr(entries*poolEntrySize)) / mm.PageSize)
	if reserved >= entries {
		c.lock.Release()
		return errNoMemoryForCoremap
	}

	c.start, c.end, c.reserved = start, end, reserved
	c.pool = newPoolEntries(c.ram.Slice(start, uintptr(reserved)*mm.PageSize), entries)
	for i := 0; i < entries; i++ {
		c.pool.set(i, 0)
	}
	c.pool.markRun(0, reserved)
	c.ready = true
	c.lock.Release()

	kfmt.Log("coremap").Debugf("managing [0x%08x - 0x%08x]: %d frames, %d reserved", start, end, entries, reserved)
	return nil
}

// Ready returns true once Bootstrap has completed.
func (c *Coremap) Ready() bool {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.ready
}

// Range returns the physical range managed by the coremap. It returns an
// empty range before Bootstrap.
func (c *Coremap) Range() (start, end uintptr) {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.start, c.end
}

// AllocFrames reserves count contiguous frames and returns the physical
// address of the first one. The frames are not zeroed.
func (c *Coremap) AllocFrames(count int) (uintptr, *kernel.Error) {
	if count <= 0 {
		return 0, errBadFrameCount
	}

	c.lock.Acquire()
	if !c.ready {
		paddr, err := c.boot.AllocFrames(count)
		c.lock.Release()
		return paddr, err
	}

	index, err := c.allocRun(count)
	c.lock.Release()

	if err != nil {
		kfmt.Log("coremap").Debugf("allocation of %d frames failed: %s", count, err.Message)
		return 0, err
	}

	paddr := c.start + uintptr(index)*mm.PageSize
	kfmt.Log("coremap").Debugf("allocated %d frames at 0x%08x", count, paddr)
	return paddr, nil
}

// allocRun finds and marks the first run of count free entries. The caller
// must hold the lock.
func (c *Coremap) allocRun(count int) (int, *kernel.Error) {
	if !c.lock.Held() {
		panic(errLockNotHeld)
	}

	for s := c.reserved; s+count <= c.pool.count; {
		free, blocker := c.pool.free(s, count)
		if free {
			c.pool.markRun(s, count)
			return s, nil
		}

		// no window overlapping the allocated entry can fit
		s = blocker + 1
	}
	return 0, errOutOfMemory
}

// FreeFrames releases the allocation run that contains physAddr. The address
// is normally the value returned by AllocFrames; an address inside a run
// releases the entire run.
func (c *Coremap) FreeFrames(physAddr uintptr) *kernel.Error {
	if !mm.PageAligned(physAddr) {
		return errUnalignedFree
	}

	c.lock.Acquire()
	if !c.ready || physAddr < c.start || physAddr >= c.end {
		c.lock.Release()
		return errUnmanagedFrame
	}

	index := int((physAddr - c.start) / mm.PageSize)
	if index < c.reserved {
		c.lock.Release()
		return errUnmanagedFrame
	}

	if c.pool.get(index) == 0 {
		c.lock.Release()
		return errFrameNotAllocated
	}

	start, end := c.pool.runBounds(index, c.reserved)
	for i := start; i < end; i++ {
		c.pool.set(i, 0)
	}
	c.lock.Release()

	kfmt.Log("coremap").Debugf("freed %d frames at 0x%08x", end-start, c.start+uintptr(start)*mm.PageSize)
	return nil
}

// AllocKernelPages allocates count contiguous pages and returns their kseg0
// virtual address.
func (c *Coremap) AllocKernelPages(count int) (uintptr, *kernel.Error) {
	paddr, err := c.AllocFrames(count)
	if err != nil {
		return 0, err
	}
	return mm.PhysToKernelVirt(paddr), nil
}

// FreeKernelPages releases the pages at the kseg0 virtual address returned
// by AllocKernelPages.
func (c *Coremap) FreeKernelPages(vaddr uintptr) *kernel.Error {
	if vaddr < mm.KSeg0 {
		return errUnmanagedFrame
	}
	return c.FreeFrames(mm.KernelVirtToPhys(vaddr))
}

// Stats returns a summary of the pool state. Before Bootstrap every field
// is zero.
func (c *Coremap) Stats() Stats {
	c.lock.Acquire()
	defer c.lock.Release()

	if !c.ready {
		return Stats{}
	}

	stats := Stats{Total: c.pool.count, Reserved: c.reserved}
	for i := c.reserved; i < c.pool.count; i++ {
		if c.pool.get(i) == 0 {
			stats.Free++
		} else {
			stats.Used++
		}
	}
	return stats
}

// Entries returns a copy of the pool entries.
func (c *Coremap) Entries() []uint32 {
	c.lock.Acquire()
	defer c.lock.Release()

	if !c.ready {
		return nil
	}

	entries := make([]uint32, c.pool.count)
	for i := range entries {
		entries[i] = c.pool.get(i)
	}
	return entries
}

// BootFrames returns the number of frames handed out by the boot allocator.
func (c *Coremap) BootFrames() uint64 {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.boot.allocCount
}

// Dump writes the allocation runs tracked by the coremap to w, one run per
// line, prefixed with "[coremap] ".
func (c *Coremap) Dump(w io.Writer) {
	entries := c.Entries()
	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[coremap] ")}

	if entries == nil {
		kfmt.Fprintf(pw, "not bootstrapped\n")
		return
	}

	for i := 0; i < len(entries); {
		j := i + 1
		if entries[i] == 0 {
			for j < len(entries) && entries[j] == 0 {
				j++
			}
			kfmt.Fprintf(pw, "0x%08x - 0x%08x free     %d frames\n", c.start+uintptr(i)*mm.PageSize, c.start+uintptr(j)*mm.PageSize, j-i)
		} else {
			for j < len(entries) && entries[j] == entries[j-1]+1 {
				j++
			}
			kfmt.Fprintf(pw, "0x%08x - 0x%08x run      %d frames\n", c.start+uintptr(i)*mm.PageSize, c.start+uintptr(j)*mm.PageSize, j-i)
		}
		i = j
	}
}
