package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/kmain"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOptions
}

type stressOptions struct {
	workers    int
	iterations int
	maxRun     int
	maxHeld    int
	seed       int64
}

type stressReport struct {
	allocs, frees, exhausted uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent allocate/free workers against the coremap"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - allocates and frees random frame runs from several
workers, checks that no two runs overlap and that the pool is restored once
every run has been freed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.workers, "workers", 4, "number of concurrent workers.")
	f.IntVar(&s.opts.iterations, "iterations", 1000, "allocations per worker.")
	f.IntVar(&s.opts.maxRun, "max-run", 8, "largest run of frames requested at once.")
	f.IntVar(&s.opts.maxHeld, "max-held", 16, "runs a worker holds before it starts freeing.")
	f.Int64Var(&s.opts.seed, "seed", 1, "seed for the random run sizes.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || s.opts.workers < 1 || s.opts.maxRun < 1 || s.opts.maxHeld < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := args[0].(*kmain.Config)
	k := bootKernel(cfg)

	defer recoverKernelPanic()

	report, err := runStress(ctx, k, s.opts)
	if err != nil {
		kfmt.Printf("stress failed: %v\n", err)
		return subcommands.ExitFailure
	}

	kfmt.Printf("%d workers: %d allocations, %d frees, %d out of memory; pool restored\n",
		s.opts.workers, report.allocs, report.frees, report.exhausted)
	return subcommands.ExitSuccess
}

// heldRun is a run of frames owned by a stress worker. Every byte of the
// run is filled with the owner tag so that overlapping allocations are
// detected when the run is released.
type heldRun struct {
	paddr uintptr
	count int
	tag   byte
}

// runStress runs opts.workers concurrent workers that allocate and free
// random runs. It fails if a run's contents were overwritten while held or
// if the pool differs from its initial state once every run is freed.
func runStress(ctx context.Context, k *kmain.Kernel, opts stressOptions) (stressReport, error) {
	var (
		before  = k.Coremap.Entries()
		reports = make([]stressReport, opts.workers)
	)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		w := w
		g.Go(func() error {
			return stressWorker(ctx, k, opts, w, &reports[w])
		})
	}

	if err := g.Wait(); err != nil {
		return stressReport{}, err
	}

	var total stressReport
	for _, r := range reports {
		total.allocs += r.allocs
		total.frees += r.frees
		total.exhausted += r.exhausted
	}

	if diff := cmp.Diff(before, k.Coremap.Entries()); diff != "" {
		return total, fmt.Errorf("pool not restored (-before +after):\n%s", diff)
	}
	return total, nil
}

func stressWorker(ctx context.Context, k *kmain.Kernel, opts stressOptions, id int, report *stressReport) error {
	var (
		rng  = rand.New(rand.NewSource(opts.seed + int64(id)))
		held []heldRun
		tag  = byte(id + 1)
	)

	release := func(run heldRun) error {
		frames := k.RAM.Slice(run.paddr, uintptr(run.count)*mm.PageSize)
		for i, b := range frames {
			if b != run.tag {
				return fmt.Errorf("worker %d: run at 0x%08x overwritten at offset %d", id, run.paddr, i)
			}
		}
		if err := k.Coremap.FreeFrames(run.paddr); err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}
		report.frees++
		return nil
	}

	// Whatever happens, give back every held run.
	defer func() {
		for _, run := range held {
			_ = k.Coremap.FreeFrames(run.paddr)
		}
	}()

	for i := 0; i < opts.iterations; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if len(held) >= opts.maxHeld || (len(held) > 0 && rng.Intn(3) == 0) {
			idx := rng.Intn(len(held))
			run := held[idx]
			held = append(held[:idx], held[idx+1:]...)
			if err := release(run); err != nil {
				return err
			}
			continue
		}

		count := 1 + rng.Intn(opts.maxRun)
		paddr, err := k.Coremap.AllocFrames(count)
		if err != nil {
			if err.Kind == kernel.ResourceExhausted {
				report.exhausted++
				continue
			}
			return fmt.Errorf("worker %d: %w", id, err)
		}

		kernel.Memset(k.RAM.Slice(paddr, uintptr(count)*mm.PageSize), tag)
		held = append(held, heldRun{paddr: paddr, count: count, tag: tag})
		report.allocs++
	}

	for len(held) > 0 {
		run := held[len(held)-1]
		held = held[:len(held)-1]
		if err := release(run); err != nil {
			return err
		}
	}

	return nil
}
