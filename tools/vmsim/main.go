// Command vmsim boots the kernel memory subsystem on a simulated MIPS machine
// and drives it from the host: it prints the boot memory layout, runs
// scripted process workloads and stress-tests the frame allocator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/kmain"
)

var (
	configPath = flag.String("config", "", "path to a TOML machine config. Defaults are used if empty.")
	debug      = flag.Bool("debug", false, "enable the kernel debug trace.")
)

// fatalf prints an error and exits.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[vmsim] error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig returns the machine config selected by the command line flags.
func loadConfig() (kmain.Config, error) {
	cfg := kmain.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = kmain.LoadConfig(*configPath); err != nil {
			return cfg, err
		}
	}

	if *debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// bootKernel boots a kernel with cfg, exiting on failure.
func bootKernel(cfg *kmain.Config) *kmain.Kernel {
	k, err := kmain.Boot(*cfg)
	if err != nil {
		fatalf("boot failed: %v", err)
	}
	return k
}

// recoverKernelPanic turns a panic raised by the kernel into the kernel
// panic banner followed by a halt.
func recoverKernelPanic() {
	if r := recover(); r != nil {
		kfmt.Panic(r)
	}
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Boot), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Stress), "")

	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fatalf("%v", err)
	}

	kfmt.SetOutputSink(os.Stdout)
	os.Exit(int(subcommands.Execute(context.Background(), &cfg)))
}
