package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/kmain"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	dump bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scripted process workload"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <workload.toml> - boots the kernel and executes the workload
steps (spawn, exec, fork, load, store, exit, stats). Every step is checked
against its expected result.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.dump, "dump", false, "print the coremap runs after the workload completes.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	w, err := loadWorkload(f.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}

	cfg := args[0].(*kmain.Config)
	k := bootKernel(cfg)

	defer recoverKernelPanic()

	wr, err := newRunner(k, w, kfmt.Console())
	if err != nil {
		fatalf("%v", err)
	}

	results, err := wr.run(w)
	if err != nil {
		fatalf("%v", err)
	}

	if r.dump {
		k.Coremap.Dump(kfmt.Console())
	}

	var failed int
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	kfmt.Printf("%d steps, %d failed\n", len(results), failed)

	if failed != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
