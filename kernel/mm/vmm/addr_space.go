package vmm

import (
	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
)

// StackPages is the fixed number of pages of the user stack.
const StackPages = 12

// Perm describes the access permissions requested for a region. They are
// recorded but not enforced.
type Perm uint8

const (
	// PermRead allows loads from the region.
	PermRead Perm = 1 << iota

	// PermWrite allows stores to the region.
	PermWrite

	// PermExec allows instruction fetches from the region.
	PermExec
)

var (
	errTooManyRegions      = &kernel.Error{Module: "vmm", Message: "too many regions", Kind: kernel.Unsupported}
	errBadRegion           = &kernel.Error{Module: "vmm", Message: "region must be non-empty and start above the first page", Kind: kernel.InvalidArgument}
	errAlreadyPrepared     = &kernel.Error{Module: "vmm", Message: "address space frames already allocated", Kind: kernel.InvalidArgument}
	errNoRegions           = &kernel.Error{Module: "vmm", Message: "address space has no regions", Kind: kernel.InvalidArgument}
	errNotLoaded           = &kernel.Error{Module: "vmm", Message: "address space frames not allocated", Kind: kernel.InvalidArgument}
	errCopyFailed          = &kernel.Error{Module: "vmm", Message: "out of memory while copying address space", Kind: kernel.ResourceExhausted}
	errDestroyInconsistent = &kernel.Error{Module: "vmm", Message: "address space frame could not be released", Kind: kernel.InternalInconsistency}
)

// region is a contiguous, page-aligned range of user virtual memory backed
// by one frame per page.
type region struct {
	vbase  uintptr
	npages uintptr
	perms  Perm

	// frames holds the frame backing each page. It is nil until
	// PrepareLoad runs.
	frames []mm.Frame
}

func (r *region) defined() bool {
	return r.npages != 0
}

func (r *region) contains(page mm.Page) bool {
	vaddr := page.Address()
	return vaddr >= r.vbase && vaddr < r.vbase+r.npages*mm.PageSize
}

func (r *region) frameFor(page mm.Page) mm.Frame {
	return r.frames[page-mm.PageFromAddress(r.vbase)]
}

// AddrSpace describes the user portion of a process address space: two
// regions (typically text and data) plus a fixed StackPages stack that ends
// at mm.UserStack.
type AddrSpace struct {
	frames mm.FrameAllocator
	mem    mm.PhysMemory

	regions [2]region

	// stack holds the frames backing the stack pages, lowest page first.
	// The slice is created together with the first region and filled by
	// PrepareLoad; until then every entry is mm.InvalidFrame.
	stack []mm.Frame

	// loaded is set once PrepareLoad has allocated every frame.
	loaded bool

	// loadComplete is set by the loader once the executable image has
	// been written. From then on the first region is read-only.
	loadComplete bool
}

// NewAddrSpace returns an empty address space whose frames come from frames
// and whose contents are accessed through mem.
func NewAddrSpace(frames mm.FrameAllocator, mem mm.PhysMemory) *AddrSpace {
	return &AddrSpace{frames: frames, mem: mem}
}

// DefineRegion sets up a region of memory covering [vaddr, vaddr+size).
// The base is aligned down to a page boundary and the size is extended by
// the slack before being rounded up to whole pages. Only two regions are
// supported.
func (as *AddrSpace) DefineRegion(vaddr, size uintptr, perms Perm) *kernel.Error {
	size += vaddr &^ mm.PageFrame
	vaddr &= mm.PageFrame
	npages := mm.RoundUp(size) >> mm.PageShift

	if vaddr == 0 || npages == 0 {
		return errBadRegion
	}

	for i := range as.regions {
		if as.regions[i].defined() {
			continue
		}

		as.regions[i] = region{vbase: vaddr, npages: npages, perms: perms}
		if as.stack == nil {
			as.stack = newStack()
		}
		return nil
	}

	kfmt.Log("vmm").Warnf("dumbvm: warning: too many regions (vaddr 0x%08x, %d pages)", vaddr, npages)
	return errTooManyRegions
}

// PrepareLoad allocates and zero-fills a frame for every page of both
// regions and the stack. If any allocation fails, the frames allocated by
// this call are released and the address space is left unchanged.
func (as *AddrSpace) PrepareLoad() *kernel.Error {
	if as.loaded {
		return errAlreadyPrepared
	}
	if !as.regions[0].defined() {
		return errNoRegions
	}
	if as.stack == nil {
		as.stack = newStack()
	}

	var (
		allocated [][]mm.Frame
		err       *kernel.Error
	)

	for i := range as.regions {
		r := &as.regions[i]
		if !r.defined() {
			continue
		}

		if r.frames, err = as.allocPages(int(r.npages)); err != nil {
			break
		}
		allocated = append(allocated, r.frames)
	}

	if err == nil {
		var stack []mm.Frame
		if stack, err = as.allocPages(StackPages); err == nil {
			copy(as.stack, stack)
			allocated = append(allocated, as.stack)
		}
	}

	if err != nil {
		for _, frames := range allocated {
			as.releasePages(frames)
		}
		for i := range as.regions {
			as.regions[i].frames = nil
		}
		for i := range as.stack {
			as.stack[i] = mm.InvalidFrame
		}
		return err
	}

	as.loaded = true
	return nil
}

// allocPages allocates count frames, one at a time, and zero-fills them.
// On failure, any frames allocated by the call are released.
func (as *AddrSpace) allocPages(count int) ([]mm.Frame, *kernel.Error) {
	frames := make([]mm.Frame, count)
	for i := range frames {
		paddr, err := as.frames.AllocFrames(1)
		if err != nil {
			as.releasePages(frames[:i])
			return nil, err
		}

		kernel.Memset(as.mem.Frame(paddr), 0)
		frames[i] = mm.FrameFromAddress(paddr)
	}

	return frames, nil
}

func (as *AddrSpace) releasePages(frames []mm.Frame) {
	for _, frame := range frames {
		if !frame.Valid() {
			continue
		}
		if err := as.frames.FreeFrames(frame.Address()); err != nil {
			panic(errDestroyInconsistent)
		}
	}
}

// CompleteLoad is invoked once the executable image has been copied in.
// dumbvm has nothing to do here.
func (as *AddrSpace) CompleteLoad() *kernel.Error {
	return nil
}

// MarkLoadComplete flags the image as fully loaded. Translations for the
// first region installed after this call are read-only.
func (as *AddrSpace) MarkLoadComplete() {
	as.loadComplete = true
}

// LoadComplete returns true once MarkLoadComplete has been invoked.
func (as *AddrSpace) LoadComplete() bool {
	return as.loadComplete
}

// Loaded returns true if PrepareLoad has allocated the frames backing the
// address space.
func (as *AddrSpace) Loaded() bool {
	return as.loaded
}

// DefineStack returns the initial user stack pointer.
func (as *AddrSpace) DefineStack() (uintptr, *kernel.Error) {
	if !as.loaded || as.stack == nil {
		return 0, errNotLoaded
	}

	return mm.UserStack, nil
}

// Copy returns a new address space with the same layout as as and a
// private copy of every page. Unlike a freshly created descriptor, the copy
// inherits the load-complete flag, so its first region stays read-only.
func (as *AddrSpace) Copy() (*AddrSpace, *kernel.Error) {
	if !as.loaded {
		return nil, errNotLoaded
	}

	newAS := NewAddrSpace(as.frames, as.mem)
	for i := range as.regions {
		newAS.regions[i] = region{
			vbase:  as.regions[i].vbase,
			npages: as.regions[i].npages,
			perms:  as.regions[i].perms,
		}
	}
	newAS.stack = newStack()

	if err := newAS.PrepareLoad(); err != nil {
		newAS.Destroy()
		kfmt.Log("vmm").Debugf("address space copy failed: %s", err.Message)
		return nil, errCopyFailed
	}

	for i := range as.regions {
		copyPages(as.mem, newAS.regions[i].frames, as.regions[i].frames)
	}
	copyPages(as.mem, newAS.stack, as.stack)
	newAS.loadComplete = as.loadComplete

	return newAS, nil
}

func copyPages(mem mm.PhysMemory, dst, src []mm.Frame) {
	for i := range src {
		kernel.Memcopy(mem.Frame(src[i].Address()), mem.Frame(dst[i].Address()))
	}
}

func newStack() []mm.Frame {
	stack := make([]mm.Frame, StackPages)
	for i := range stack {
		stack[i] = mm.InvalidFrame
	}
	return stack
}

// Destroy releases every frame owned by the address space. Address spaces
// whose frames were never allocated are destroyed without touching the
// frame allocator.
func (as *AddrSpace) Destroy() {
	if as.loaded {
		for i := range as.regions {
			as.releasePages(as.regions[i].frames)
		}
		as.releasePages(as.stack)
	}

	for i := range as.regions {
		as.regions[i] = region{}
	}
	as.stack = nil
	as.loaded = false
	as.loadComplete = false
}

// Region returns the base address, page count and permissions of region i
// (0 or 1). A zero page count means the region is not defined.
func (as *AddrSpace) Region(i int) (vbase, npages uintptr, perms Perm) {
	r := &as.regions[i]
	return r.vbase, r.npages, r.perms
}

// StackBase returns the lowest address of the user stack.
func StackBase() uintptr {
	return mm.UserStack - StackPages*mm.PageSize
}
