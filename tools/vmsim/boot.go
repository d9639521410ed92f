package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/kmain"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	dump bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the machine and print the physical memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boots the kernel and reports the coremap state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.dump, "dump", false, "print every allocation run tracked by the coremap.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := args[0].(*kmain.Config)
	k := bootKernel(cfg)

	if b.dump {
		k.Coremap.Dump(kfmt.Console())
	}
	kfmt.Printf("free memory: %s\n", k.FreeMemory())
	return subcommands.ExitSuccess
}
