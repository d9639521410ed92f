// Package kmain boots the kernel on a simulated machine.
package kmain

import (
	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/cpu"
	"github.com/LilyZhang9911/OS-project/kernel/hal"
	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
	"github.com/LilyZhang9911/OS-project/kernel/mm/pmm"
	"github.com/LilyZhang9911/OS-project/kernel/mm/vmm"
)

// Kernel holds the subsystems initialized by Boot.
type Kernel struct {
	Config Config

	RAM     *hal.RAM
	CPU     *cpu.CPU
	Coremap *pmm.Coremap
	VM      *vmm.VM

	// BootPages is the kernel virtual address of the pages allocated
	// before the coremap took over physical memory, or 0 if none were
	// requested.
	BootPages uintptr
}

// Boot brings up the machine described by cfg: physical memory, the CPU, the
// frame allocator (first in its boot mode, then bootstrapped) and the VM
// system.
func Boot(cfg Config) (*Kernel, *kernel.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kfmt.SetDebug(cfg.Debug)

	k := &Kernel{
		Config: cfg,
		RAM:    hal.NewRAM(cfg.RAMSize, cfg.KernelImageSize),
		CPU:    cpu.New(cfg.TLBSeed),
	}

	k.RAM.PrintMemoryMap(&kfmt.PrefixWriter{Sink: kfmt.Console(), Prefix: []byte("[hal] ")})

	k.Coremap = pmm.New(k.RAM)

	// Early kernel allocations are served by stealing memory and are
	// never returned.
	if cfg.BootReservePages > 0 {
		var err *kernel.Error
		if k.BootPages, err = k.Coremap.AllocKernelPages(cfg.BootReservePages); err != nil {
			return nil, err
		}
	}

	if err := k.Coremap.Bootstrap(); err != nil {
		return nil, err
	}

	stats := k.Coremap.Stats()
	start, end := k.Coremap.Range()
	kfmt.Printf("[coremap] [0x%08x - 0x%08x]: %d frames, %d reserved, %d free\n", start, end, stats.Total, stats.Reserved, stats.Free)

	k.VM = vmm.New(k.Coremap, k.RAM, k.CPU)

	kfmt.Log("kmain").Debugf("boot complete: %s RAM, %d boot pages", cfg.RAMSize, cfg.BootReservePages)
	return k, nil
}

// FreeMemory returns the amount of physical memory available for
// allocation.
func (k *Kernel) FreeMemory() mm.Size {
	return mm.Size(uintptr(k.Coremap.Stats().Free) * mm.PageSize)
}
