package kmain

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
)

var (
	errRAMTooSmall      = &kernel.Error{Module: "kmain", Message: "ram_size must be at least 64K", Kind: kernel.InvalidArgument}
	errKernelTooLarge   = &kernel.Error{Module: "kmain", Message: "kernel_image_size must be smaller than ram_size", Kind: kernel.InvalidArgument}
	errBadBootReserve   = &kernel.Error{Module: "kmain", Message: "boot_reserve_pages must not be negative", Kind: kernel.InvalidArgument}
	errBootReserveLarge = &kernel.Error{Module: "kmain", Message: "boot_reserve_pages exceeds the memory left after the kernel image", Kind: kernel.InvalidArgument}
)

// minRAMSize is the smallest machine that can hold a kernel image, a
// coremap and a user process.
const minRAMSize = 64 * mm.Kb

// Config describes the simulated machine and the kernel boot options.
type Config struct {
	// RAMSize is the amount of physical memory.
	RAMSize mm.Size `toml:"ram_size"`

	// KernelImageSize is the size of the kernel image loaded at physical
	// address 0.
	KernelImageSize mm.Size `toml:"kernel_image_size"`

	// BootReservePages is the number of pages the kernel allocates before
	// the coremap is bootstrapped. They are never released.
	BootReservePages int `toml:"boot_reserve_pages"`

	// TLBSeed seeds the random TLB replacement.
	TLBSeed int64 `toml:"tlb_seed"`

	// Debug enables the per-operation kernel trace.
	Debug bool `toml:"debug"`
}

// DefaultConfig returns the configuration used when no config file is
// supplied.
func DefaultConfig() Config {
	return Config{
		RAMSize:          4 * mm.Mb,
		KernelImageSize:  512 * mm.Kb,
		BootReservePages: 4,
		TLBSeed:          1,
	}
}

// LoadConfig reads a TOML config file. Settings missing from the file keep
// their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("loading config %q: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return cfg, fmt.Errorf("loading config %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if kerr := cfg.Validate(); kerr != nil {
		return cfg, fmt.Errorf("loading config %q: %w", path, kerr)
	}

	return cfg, nil
}

// Validate checks that the configuration describes a machine that can boot.
func (cfg Config) Validate() *kernel.Error {
	switch {
	case cfg.RAMSize < minRAMSize:
		return errRAMTooSmall
	case cfg.KernelImageSize >= cfg.RAMSize:
		return errKernelTooLarge
	case cfg.BootReservePages < 0:
		return errBadBootReserve
	case uintptr(cfg.BootReservePages)+cfg.KernelImageSize.Pages() >= cfg.RAMSize.Pages():
		return errBootReserveLarge
	}

	return nil
}
