package vmm

import (
	"sync/atomic"

	"github.com/LilyZhang9911/OS-project/kernel/cpu"
	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
)

// installTranslation writes a page -> frame translation to the TLB with
// interrupts masked. The entry goes to the slot already holding page, if
// any, else to the first invalid slot, else to a random slot. Read-only
// translations lack the dirty bit so stores through them raise a TLB modify
// exception. The rule holds on every path, including random eviction, so a
// first-region page loaded after MarkLoadComplete is never writable.
func (vm *VM) installTranslation(page mm.Page, frame mm.Frame, readOnly bool) {
	var (
		tlb     = vm.cpu.TLB
		entryHi = uint32(page.Address())
		entryLo = uint32(frame.Address()) | cpu.EntryLoDirty | cpu.EntryLoValid
	)

	if readOnly {
		entryLo &^= cpu.EntryLoDirty
	}

	spl := vm.cpu.SplHigh()
	defer vm.cpu.Splx(spl)

	if slot := tlb.Probe(entryHi); slot >= 0 {
		tlb.Write(entryHi, entryLo, slot)
		atomic.AddUint64(&vm.refills, 1)
		return
	}

	for i := 0; i < cpu.NumTLB; i++ {
		if _, lo := tlb.Read(i); lo&cpu.EntryLoValid != 0 {
			continue
		}

		kfmt.Log("vmm").Debugf("dumbvm: 0x%08x -> 0x%08x (slot %d)", entryHi, entryLo&cpu.PageFrameMask, i)
		tlb.Write(entryHi, entryLo, i)
		atomic.AddUint64(&vm.refills, 1)
		return
	}

	slot := tlb.Random(entryHi, entryLo)
	atomic.AddUint64(&vm.evictions, 1)
	kfmt.Log("vmm").Debugf("dumbvm: 0x%08x -> 0x%08x (evicted slot %d)", entryHi, entryLo&cpu.PageFrameMask, slot)
}
