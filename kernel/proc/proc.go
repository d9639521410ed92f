// Package proc implements the user processes that run on top of the VM
// system: loading an executable image into a fresh address space, forking
// and exiting, and accessing user memory through the simulated MMU.
package proc

import (
	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/cpu"
	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
	"github.com/LilyZhang9911/OS-project/kernel/mm/vmm"
)

// ExitStatus describes how a process terminated.
type ExitStatus uint8

const (
	// Running is the status of a process that has not terminated.
	Running ExitStatus = iota

	// Exited is the status of a process that invoked Exit.
	Exited

	// Killed is the status of a process terminated by the kernel because
	// of an illegal memory access.
	Killed
)

var exitStatusNames = [...]string{
	Running: "running",
	Exited:  "exited",
	Killed:  "killed",
}

// String implements fmt.Stringer.
func (s ExitStatus) String() string {
	if int(s) < len(exitStatusNames) {
		return exitStatusNames[s]
	}
	return "unknown"
}

var (
	errTooFewSegments = &kernel.Error{Module: "proc", Message: "image must contain a text and a data segment", Kind: kernel.InvalidArgument}
	errBadSegment     = &kernel.Error{Module: "proc", Message: "segment data larger than its memory size", Kind: kernel.InvalidArgument}
	errKernelAddress  = &kernel.Error{Module: "proc", Message: "user access to a kernel address", Kind: kernel.AccessViolation}
	errNotRunning     = &kernel.Error{Module: "proc", Message: "process has terminated", Kind: kernel.InvalidArgument}
	errFaultLoop      = &kernel.Error{Module: "proc", Message: "access still faulting after the fault was handled", Kind: kernel.InternalInconsistency}
)

// maxFaultsPerAccess bounds the faults a single access can trigger: a miss
// followed by a modify exception on a read-only page.
const maxFaultsPerAccess = 2

// Segment describes a loadable part of an executable image.
type Segment struct {
	// VAddr is the virtual address the segment is loaded at.
	VAddr uintptr

	// Data holds the initialized contents of the segment.
	Data []byte

	// MemSize is the size of the segment in memory. The bytes past Data
	// are zero-filled.
	MemSize uintptr

	// Perms are the permissions requested for the segment.
	Perms vmm.Perm
}

// Image is an executable: an entry point and the segments to load. The
// first segment is the text segment and becomes read-only once loaded.
type Image struct {
	Entry    uintptr
	Segments []Segment
}

// Proc is a user process.
type Proc struct {
	// PID is the process id.
	PID int

	// Name is the name of the program run by the process.
	Name string

	// Entry and StackPtr are the initial program counter and stack
	// pointer set up by Exec.
	Entry    uintptr
	StackPtr uintptr

	vm *vmm.VM
	as *vmm.AddrSpace

	status   ExitStatus
	exitCode int
}

// New returns a process without an address space that runs on vm.
func New(vm *vmm.VM, pid int, name string) *Proc {
	return &Proc{PID: pid, Name: name, vm: vm}
}

// Spawn creates a process and loads img into it.
func Spawn(vm *vmm.VM, pid int, name string, img *Image) (*Proc, *kernel.Error) {
	p := New(vm, pid, name)
	if err := p.Exec(img); err != nil {
		return nil, err
	}
	return p, nil
}

// AddrSpace returns the address space of the process or nil for a process
// that has not been loaded or has terminated.
func (p *Proc) AddrSpace() *vmm.AddrSpace {
	if p == nil {
		return nil
	}
	return p.as
}

// SetAddrSpace replaces the address space of the process and returns the
// previous one. If the process is running, the new address space is
// activated.
func (p *Proc) SetAddrSpace(as *vmm.AddrSpace) *vmm.AddrSpace {
	old := p.as
	p.as = as
	if p.vm.Current() == vmm.Process(p) {
		p.vm.Activate()
	}
	return old
}

// Status returns the exit status and, for terminated processes, the exit
// code.
func (p *Proc) Status() (ExitStatus, int) {
	return p.status, p.exitCode
}

// Exec replaces the address space of the process with a new one holding
// img. On failure the process keeps its previous address space.
func (p *Proc) Exec(img *Image) *kernel.Error {
	if p.status != Running {
		return errNotRunning
	}
	if len(img.Segments) < 2 {
		return errTooFewSegments
	}
	for _, seg := range img.Segments {
		if uintptr(len(seg.Data)) > seg.MemSize {
			return errBadSegment
		}
	}

	as := p.vm.CreateAddrSpace()
	old := p.SetAddrSpace(as)
	p.vm.Switch(p)

	sp, err := p.load(as, img)
	if err != nil {
		p.SetAddrSpace(old)
		as.Destroy()
		return err
	}

	if old != nil {
		old.Destroy()
	}

	p.Entry, p.StackPtr = img.Entry, sp
	kfmt.Log("proc").WithField("pid", p.PID).Debugf("exec %s: entry 0x%08x stack 0x%08x", p.Name, p.Entry, p.StackPtr)
	return nil
}

func (p *Proc) load(as *vmm.AddrSpace, img *Image) (uintptr, *kernel.Error) {
	for _, seg := range img.Segments {
		if err := as.DefineRegion(seg.VAddr, seg.MemSize, seg.Perms); err != nil {
			return 0, err
		}
	}

	if err := as.PrepareLoad(); err != nil {
		return 0, err
	}

	// The segment contents are written through user addresses so that
	// the pages are faulted in like any other user access.
	for _, seg := range img.Segments {
		if err := p.copyOut(seg.VAddr, seg.Data); err != nil {
			return 0, err
		}
	}

	if err := as.CompleteLoad(); err != nil {
		return 0, err
	}
	as.MarkLoadComplete()

	// Drop the writable text translations installed while loading.
	p.vm.Activate()

	return as.DefineStack()
}

// Fork returns a child process with a private copy of the address space of
// p. The child is not switched in.
func (p *Proc) Fork(pid int) (*Proc, *kernel.Error) {
	if p.status != Running || p.as == nil {
		return nil, errNotRunning
	}

	childAS, err := p.as.Copy()
	if err != nil {
		return nil, err
	}

	return &Proc{
		PID:      pid,
		Name:     p.Name,
		Entry:    p.Entry,
		StackPtr: p.StackPtr,
		vm:       p.vm,
		as:       childAS,
	}, nil
}

// Exit terminates the process with the given exit code and releases its
// address space.
func (p *Proc) Exit(code int) {
	p.terminate(Exited, code)
}

func (p *Proc) kill(err *kernel.Error) {
	if p.status != Running {
		return
	}

	kfmt.Log("proc").WithField("pid", p.PID).Warnf("%s: killed: %s", p.Name, err.Message)
	p.terminate(Killed, int(err.Errno()))
}

func (p *Proc) terminate(status ExitStatus, code int) {
	if p.status != Running {
		return
	}

	if p.vm.Current() == vmm.Process(p) {
		p.vm.Deactivate()
		p.vm.Switch(nil)
	}

	if as := p.as; as != nil {
		p.as = nil
		p.vm.FlushTLB()
		as.Destroy()
	}

	p.status, p.exitCode = status, code
}

// Load reads the byte at vaddr. An illegal access kills the process.
func (p *Proc) Load(vaddr uintptr) (byte, *kernel.Error) {
	var buf [1]byte
	if err := p.ReadAt(vaddr, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Store writes value to vaddr. An illegal access kills the process.
func (p *Proc) Store(vaddr uintptr, value byte) *kernel.Error {
	return p.WriteAt(vaddr, []byte{value})
}

// ReadAt fills buf with the user memory starting at vaddr. An illegal
// access kills the process.
func (p *Proc) ReadAt(vaddr uintptr, buf []byte) *kernel.Error {
	if err := p.copyIn(vaddr, buf); err != nil {
		p.kill(err)
		return err
	}
	return nil
}

// WriteAt copies data to the user memory starting at vaddr. An illegal
// access kills the process.
func (p *Proc) WriteAt(vaddr uintptr, data []byte) *kernel.Error {
	if err := p.copyOut(vaddr, data); err != nil {
		p.kill(err)
		return err
	}
	return nil
}

func (p *Proc) copyIn(vaddr uintptr, buf []byte) *kernel.Error {
	return p.walk(vaddr, len(buf), false, func(frame []byte, done int) int {
		return copy(buf[done:], frame)
	})
}

func (p *Proc) copyOut(vaddr uintptr, data []byte) *kernel.Error {
	return p.walk(vaddr, len(data), true, func(frame []byte, done int) int {
		return kernel.Memcopy(data[done:], frame)
	})
}

// walk translates the user range [vaddr, vaddr+size) one page at a time and
// invokes fn with the mapped part of each frame.
func (p *Proc) walk(vaddr uintptr, size int, write bool, fn func(frame []byte, done int) int) *kernel.Error {
	if p.status != Running {
		return errNotRunning
	}

	for done := 0; done < size; {
		addr := vaddr + uintptr(done)
		paddr, err := p.translate(addr, write)
		if err != nil {
			return err
		}

		frame := p.vm.Memory().Frame(paddr & mm.PageFrame)
		offset := paddr &^ mm.PageFrame
		chunk := int(mm.PageSize - offset)
		if rem := size - done; chunk > rem {
			chunk = rem
		}

		done += fn(frame[offset:offset+uintptr(chunk)], done)
	}

	return nil
}

// translate runs the MMU lookup for a user access, entering the fault
// handler on every TLB exception.
func (p *Proc) translate(vaddr uintptr, write bool) (uintptr, *kernel.Error) {
	if vaddr >= mm.UserStack {
		return 0, errKernelAddress
	}

	if p.vm.Current() != vmm.Process(p) {
		p.vm.Switch(p)
	}

	for faults := 0; faults <= maxFaultsPerAccess; faults++ {
		var kind vmm.FaultType
		paddr, exc := p.vm.CPU().TLB.Translate(uint32(vaddr), write)
		switch exc {
		case cpu.ExcNone:
			return uintptr(paddr), nil
		case cpu.ExcTLBMissLoad:
			kind = vmm.FaultRead
		case cpu.ExcTLBMissStore:
			kind = vmm.FaultWrite
		case cpu.ExcTLBModify:
			kind = vmm.FaultReadOnly
		}

		if err := p.vm.Fault(kind, vaddr); err != nil {
			return 0, err
		}
	}

	return 0, errFaultLoop
}
