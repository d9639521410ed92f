package kmain

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
	"github.com/LilyZhang9911/OS-project/kernel/mm/pmm"
)

func TestBoot(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	k, err := Boot(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	// 4 pages are stolen right after the 512K kernel image.
	if exp := mm.KSeg0 + 0x80000; k.BootPages != exp {
		t.Fatalf("expected boot pages at 0x%x; got 0x%x", exp, k.BootPages)
	}
	if got := k.Coremap.BootFrames(); got != 4 {
		t.Fatalf("expected 4 boot frames; got %d", got)
	}

	start, end := k.Coremap.Range()
	if start != 0x84000 || end != 0x3ff000 {
		t.Fatalf("expected managed range [0x84000 - 0x3ff000]; got [0x%x - 0x%x]", start, end)
	}

	exp := pmm.Stats{Total: 891, Reserved: 1, Free: 890}
	if diff := cmp.Diff(exp, k.Coremap.Stats()); diff != "" {
		t.Fatalf("unexpected coremap stats (-want +got):\n%s", diff)
	}
	if got := k.FreeMemory(); got != 890*4*mm.Kb {
		t.Fatalf("expected %d bytes of free memory; got %d", 890*4*mm.Kb, got)
	}

	if k.VM == nil || k.VM.CPU() != k.CPU {
		t.Fatal("expected VM to be bound to the CPU")
	}

	for _, exp := range []string{
		"[hal] system memory map:\n",
		"[hal] available memory: 3584Kb\n",
		"[coremap] [0x00084000 - 0x003ff000]: 891 frames, 1 reserved, 890 free\n",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected boot output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

func TestBootWithoutBootPages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootReservePages = 0
	cfg.Debug = true
	defer kfmt.SetDebug(false)

	k, err := Boot(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if k.BootPages != 0 || k.Coremap.BootFrames() != 0 {
		t.Fatal("expected no boot pages")
	}
	if !kfmt.DebugEnabled() {
		t.Fatal("expected debug trace to be enabled")
	}
	if start, _ := k.Coremap.Range(); start != 0x80000 {
		t.Fatalf("expected coremap to start at the end of the kernel image; got 0x%x", start)
	}
}

func TestBootInvalidConfig(t *testing.T) {
	specs := []struct {
		mutate func(*Config)
		expErr *kernel.Error
	}{
		{func(c *Config) { c.RAMSize = 32 * mm.Kb }, errRAMTooSmall},
		{func(c *Config) { c.KernelImageSize = c.RAMSize }, errKernelTooLarge},
		{func(c *Config) { c.BootReservePages = -1 }, errBadBootReserve},
		{func(c *Config) { c.BootReservePages = 896 }, errBootReserveLarge},
		{func(c *Config) { c.BootReservePages = 895 }, nil},
	}

	for specIndex, spec := range specs {
		cfg := DefaultConfig()
		spec.mutate(&cfg)

		if err := cfg.Validate(); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	cfg := DefaultConfig()
	cfg.RAMSize = 0
	if _, err := Boot(cfg); err != errRAMTooSmall {
		t.Fatalf("expected Boot to fail with %v; got %v", errRAMTooSmall, err)
	}
}

func TestBootCoremapTooSmall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootReservePages = 894

	// One page remains: not enough for the pool and a frame to manage.
	if _, err := Boot(cfg); err == nil || err.Kind != kernel.ResourceExhausted {
		t.Fatalf("expected a ResourceExhausted error; got %v", err)
	}
}
