// Package hal provides the simulated hardware the kernel runs on. RAM models
// the machine's physical memory together with the primitive early-boot
// allocator that hands out memory before the VM system is initialized.
package hal

import (
	"io"
	"sync"

	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
)

// RAM describes the physical memory of the machine. Physical address 0 maps
// to the first byte of the backing slice. The kernel image occupies the
// memory below firstFree.
type RAM struct {
	mu  sync.Mutex
	mem []byte

	// kernelEnd is the physical address right after the kernel image.
	kernelEnd uintptr

	// firstFree and lastPaddr delimit the memory not yet claimed by
	// StealMem. Both are zeroed by GetSize.
	firstFree, lastPaddr uintptr
	handedOver           bool
}

// NewRAM returns a machine with size bytes of physical memory whose first
// kernelImage bytes hold the kernel. Both values are rounded up to whole
// pages. Page 0 holds the exception vectors so the kernel image always
// covers at least one page.
func NewRAM(size, kernelImage mm.Size) *RAM {
	ramSize := mm.RoundUp(uintptr(size))
	kernelEnd := mm.RoundUp(uintptr(kernelImage))
	if kernelEnd < mm.PageSize {
		kernelEnd = mm.PageSize
	}
	if kernelEnd > ramSize {
		kernelEnd = ramSize
	}

	return &RAM{
		mem:       make([]byte, ramSize),
		kernelEnd: kernelEnd,
		firstFree: kernelEnd,
		lastPaddr: ramSize,
	}
}

// Size returns the amount of physical memory installed.
func (r *RAM) Size() mm.Size {
	return mm.Size(len(r.mem))
}

// KernelEnd returns the physical address right after the kernel image.
func (r *RAM) KernelEnd() uintptr {
	return r.kernelEnd
}

// StealMem reserves npages contiguous pages that are never returned and
// returns the physical address of the first one. It returns 0 if not enough
// memory is left or if GetSize has already handed the remaining memory over
// to the VM system.
func (r *RAM) StealMem(npages uintptr) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := npages * mm.PageSize
	if r.handedOver || npages == 0 || r.firstFree+size > r.lastPaddr {
		return 0
	}

	paddr := r.firstFree
	r.firstFree += size
	return paddr
}

// GetSize returns the physical range not claimed by StealMem. After this
// call, ownership of the range passes to the caller and StealMem always
// fails.
func (r *RAM) GetSize() (lo, hi uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lo, hi = r.firstFree, r.lastPaddr
	r.firstFree, r.lastPaddr = 0, 0
	r.handedOver = true
	return lo, hi
}

// Frame returns the mm.PageSize bytes of physical memory that start at the
// page containing physAddr.
func (r *RAM) Frame(physAddr uintptr) []byte {
	start := physAddr & mm.PageFrame
	return r.mem[start : start+mm.PageSize : start+mm.PageSize]
}

// Slice returns size bytes of physical memory starting at physAddr.
func (r *RAM) Slice(physAddr, size uintptr) []byte {
	return r.mem[physAddr : physAddr+size : physAddr+size]
}

// PrintMemoryMap writes the physical memory layout to w.
func (r *RAM) PrintMemoryMap(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kfmt.Fprintf(w, "system memory map:\n")
	kfmt.Fprintf(w, "\t[0x%08x - 0x%08x], size: %10d, type: kernel image\n", 0, r.kernelEnd, r.kernelEnd)
	kfmt.Fprintf(w, "\t[0x%08x - 0x%08x], size: %10d, type: available\n", r.kernelEnd, len(r.mem), uintptr(len(r.mem))-r.kernelEnd)
	kfmt.Fprintf(w, "available memory: %dKb\n", uint64(mm.Size(uintptr(len(r.mem))-r.kernelEnd)/mm.Kb))
}
