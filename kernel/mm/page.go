package mm

import (
	"math"

	"github.com/LilyZhang9911/OS-project/kernel"
)

// Frame is the index of a physical page. Address space descriptors record
// the frame backing each user page.
type Frame uintptr

const (
	// InvalidFrame marks a user page that has no backing frame yet.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns false for InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & PageFrame) >> PageShift)
}

// Page is the index of a user virtual page. The fault handler and the TLB
// work in whole pages.
type Page uintptr

// Address returns the virtual address of the first byte of the page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the page containing virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & PageFrame) >> PageShift)
}

// PageAligned returns true if addr lies on a page boundary.
func PageAligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}

// RoundUp rounds addr up to the next page boundary.
func RoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) & PageFrame
}

// PhysToKernelVirt returns the kseg0 address through which the kernel
// accesses the given physical address.
func PhysToKernelVirt(physAddr uintptr) uintptr {
	return physAddr + KSeg0
}

// KernelVirtToPhys is the inverse of PhysToKernelVirt.
func KernelVirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - KSeg0
}

// FrameAllocator is implemented by physical memory allocators that hand out
// contiguous runs of frames.
type FrameAllocator interface {
	// AllocFrames reserves count contiguous frames and returns the
	// physical address of the first one.
	AllocFrames(count int) (uintptr, *kernel.Error)

	// FreeFrames releases the run of frames containing physAddr.
	FreeFrames(physAddr uintptr) *kernel.Error
}

// PhysMemory provides access to the contents of physical frames.
type PhysMemory interface {
	// Frame returns a PageSize byte slice backed by the frame that
	// starts at physAddr.
	Frame(physAddr uintptr) []byte
}
