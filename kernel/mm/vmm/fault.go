package vmm

import (
	"sync/atomic"

	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
)

// FaultType describes the access that triggered a fault.
type FaultType uint8

const (
	// FaultRead is a TLB miss on a load or instruction fetch.
	FaultRead FaultType = iota

	// FaultWrite is a TLB miss on a store.
	FaultWrite

	// FaultReadOnly is a store through a translation without the dirty
	// bit.
	FaultReadOnly
)

var faultTypeNames = [...]string{
	FaultRead:     "read",
	FaultWrite:    "write",
	FaultReadOnly: "read-only",
}

// String implements fmt.Stringer.
func (t FaultType) String() string {
	if int(t) < len(faultTypeNames) {
		return faultTypeNames[t]
	}
	return "unknown"
}

var (
	errReadOnlyFault         = &kernel.Error{Module: "vmm", Message: "write to read-only page", Kind: kernel.AccessViolation}
	errBadFaultType          = &kernel.Error{Module: "vmm", Message: "unknown fault type", Kind: kernel.InvalidArgument}
	errNoAddrSpace           = &kernel.Error{Module: "vmm", Message: "fault without a current address space", Kind: kernel.AccessViolation}
	errBadAddress            = &kernel.Error{Module: "vmm", Message: "address outside every region", Kind: kernel.AccessViolation}
	errInconsistentAddrSpace = &kernel.Error{Module: "vmm", Message: "address space descriptor is inconsistent", Kind: kernel.InternalInconsistency}
)

// Fault handles a TLB fault of the given type at faultAddress for the
// current process. On success a translation for the faulting page has been
// written to the TLB and the access can be retried. A returned error means
// the access is illegal and the process must be killed.
func (vm *VM) Fault(kind FaultType, faultAddress uintptr) *kernel.Error {
	atomic.AddUint64(&vm.faults, 1)

	err := vm.fault(kind, faultAddress)
	if err != nil && err.Kind == kernel.AccessViolation {
		atomic.AddUint64(&vm.violations, 1)
	}
	return err
}

func (vm *VM) fault(kind FaultType, faultAddress uintptr) *kernel.Error {
	page := mm.PageFromAddress(faultAddress)

	kfmt.Log("vmm").Debugf("dumbvm: fault: 0x%08x (%s)", page.Address(), kind)

	switch kind {
	case FaultReadOnly:
		return errReadOnlyFault
	case FaultRead, FaultWrite:
	default:
		return errBadFaultType
	}

	// No process or no address space: probably a kernel fault early in
	// boot. Return an error so that the caller panics instead of looping
	// on the same fault.
	if vm.current == nil {
		return errNoAddrSpace
	}
	as := vm.current.AddrSpace()
	if as == nil {
		return errNoAddrSpace
	}

	checkAddrSpace(as)

	var (
		frame    mm.Frame
		readOnly bool
	)

	switch {
	case as.regions[0].contains(page):
		frame = as.regions[0].frameFor(page)
		readOnly = as.loadComplete
	case as.regions[1].contains(page):
		frame = as.regions[1].frameFor(page)
	case page.Address() >= StackBase() && page.Address() < mm.UserStack:
		frame = as.stack[page-mm.PageFromAddress(StackBase())]
	default:
		return errBadAddress
	}

	if !frame.Valid() {
		checkFailed(as, "page has no backing frame")
	}

	vm.installTranslation(page, frame, readOnly)
	return nil
}

// checkAddrSpace verifies the invariants the fault handler relies on and
// panics if any of them does not hold.
func checkAddrSpace(as *AddrSpace) {
	switch {
	case !as.loaded:
		checkFailed(as, "frames not allocated")
	case as.regions[0].vbase == 0 || as.regions[0].npages == 0 || len(as.regions[0].frames) != int(as.regions[0].npages):
		checkFailed(as, "region 1 is not set up")
	case as.regions[1].vbase == 0 || as.regions[1].npages == 0 || len(as.regions[1].frames) != int(as.regions[1].npages):
		checkFailed(as, "region 2 is not set up")
	case !mm.PageAligned(as.regions[0].vbase) || !mm.PageAligned(as.regions[1].vbase):
		checkFailed(as, "region base is not page aligned")
	case len(as.stack) != StackPages:
		checkFailed(as, "stack is not set up")
	}
}

func checkFailed(as *AddrSpace, reason string) {
	kfmt.Printf("\ndumbvm: inconsistent address space: %s\n", reason)
	for i := range as.regions {
		kfmt.Printf("region %d: base 0x%08x pages %d frames %d\n", i+1, as.regions[i].vbase, as.regions[i].npages, len(as.regions[i].frames))
	}
	kfmt.Printf("stack: frames %d\n", len(as.stack))

	panic(errInconsistentAddrSpace)
}
