// Package vmm implements the dumbvm virtual memory system: per-process
// address spaces made of two regions plus a fixed stack, each backed by an
// array of physical frames, and a software TLB refill handler.
package vmm

import (
	"sync/atomic"

	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/cpu"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
)

var (
	errShootdownUnsupported = &kernel.Error{Module: "vmm", Message: "dumbvm tried to do tlb shootdown", Kind: kernel.Unsupported}
)

// Process is the view of a process that the VM system needs: the address
// space it runs in.
type Process interface {
	AddrSpace() *AddrSpace
}

// Shootdown describes a request to invalidate a translation on another CPU.
type Shootdown struct {
	// VAddr is the virtual address whose translation must be dropped.
	VAddr uintptr
}

// Stats holds fault handler counters.
type Stats struct {
	// Faults is the number of faults handled, successful or not.
	Faults uint64

	// Refills is the number of translations written to a free TLB slot.
	Refills uint64

	// Evictions is the number of translations that replaced a randomly
	// selected valid TLB entry.
	Evictions uint64

	// Violations is the number of faults that failed with an access
	// violation.
	Violations uint64
}

// VM ties the VM system to the machine: the frame allocator backing address
// spaces, physical memory and the CPU whose TLB gets refilled. The VM
// system assumes a single CPU.
type VM struct {
	frames mm.FrameAllocator
	mem    mm.PhysMemory
	cpu    *cpu.CPU

	// current is the process running on the CPU. It is only changed by
	// the running thread through Switch.
	current Process

	faults, refills, evictions, violations uint64
}

// New returns a VM that allocates frames from frames, accesses their
// contents through mem and refills the TLB of c.
func New(frames mm.FrameAllocator, mem mm.PhysMemory, c *cpu.CPU) *VM {
	return &VM{frames: frames, mem: mem, cpu: c}
}

// CreateAddrSpace returns an empty address space whose frames will be
// allocated from the VM's frame allocator.
func (vm *VM) CreateAddrSpace() *AddrSpace {
	return NewAddrSpace(vm.frames, vm.mem)
}

// Memory returns the physical memory used by the VM.
func (vm *VM) Memory() mm.PhysMemory {
	return vm.mem
}

// CPU returns the processor whose TLB is managed by the VM.
func (vm *VM) CPU() *cpu.CPU {
	return vm.cpu
}

// Current returns the process running on the CPU or nil.
func (vm *VM) Current() Process {
	return vm.current
}

// Switch makes p the running process and activates its address space. It
// returns the previously running process.
func (vm *VM) Switch(p Process) Process {
	prev := vm.current
	vm.current = p
	vm.Activate()
	return prev
}

// Activate flushes the TLB so that no translation of the previous address
// space survives. Kernel-only threads (no process or no address space)
// leave the TLB untouched.
func (vm *VM) Activate() {
	if vm.current == nil || vm.current.AddrSpace() == nil {
		return
	}

	vm.FlushTLB()
}

// FlushTLB invalidates every TLB entry. It must be invoked before the frames
// of an address space that may still have translations are released.
func (vm *VM) FlushTLB() {
	// Disable interrupts on this CPU while frobbing the TLB.
	spl := vm.cpu.SplHigh()
	vm.cpu.TLB.InvalidateAll()
	vm.cpu.Splx(spl)
}

// Deactivate is invoked when a process stops using its address space. The
// next Activate flushes the TLB so there is nothing to do.
func (vm *VM) Deactivate() {}

// TLBShootdown always fails: the VM system runs on a single CPU and a
// shootdown request indicates a broken caller. Callers must treat the error
// as fatal.
func (vm *VM) TLBShootdown(_ Shootdown) *kernel.Error {
	return errShootdownUnsupported
}

// TLBShootdownAll always fails; see TLBShootdown.
func (vm *VM) TLBShootdownAll() *kernel.Error {
	return errShootdownUnsupported
}

// Stats returns a snapshot of the fault handler counters.
func (vm *VM) Stats() Stats {
	return Stats{
		Faults:     atomic.LoadUint64(&vm.faults),
		Refills:    atomic.LoadUint64(&vm.refills),
		Evictions:  atomic.LoadUint64(&vm.evictions),
		Violations: atomic.LoadUint64(&vm.violations),
	}
}
