package pmm

import (
	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: kernel.ResourceExhausted}
	errBootAllocBadCount    = &kernel.Error{Module: "boot_mem_alloc", Message: "frame count must be positive", Kind: kernel.InvalidArgument}
)

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator advances a cursor over the memory that follows the kernel
// image. Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the coremap is set up, the remaining memory is handed
// over to it and the frames reserved here stay allocated forever.
type bootMemAllocator struct {
	ram Machine

	// allocCount tracks the total number of allocated frames.
	allocCount uint64
}

// AllocFrames reserves count contiguous frames and returns the physical
// address of the first one.
func (alloc *bootMemAllocator) AllocFrames(count int) (uintptr, *kernel.Error) {
	if count <= 0 {
		return 0, errBootAllocBadCount
	}

	paddr := alloc.ram.StealMem(uintptr(count))
	if paddr == 0 {
		return 0, errBootAllocOutOfMemory
	}

	alloc.allocCount += uint64(count)
	return paddr &^ (mm.PageSize - 1), nil
}
