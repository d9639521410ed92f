// Package cpu models the single MIPS processor the kernel runs on: its
// interrupt priority level and its software-managed TLB.
package cpu

import (
	"os"
	"sync/atomic"
)

// Interrupt priority levels understood by SplHigh and Splx.
const (
	// IPLNone allows every interrupt.
	IPLNone = 0

	// IPLHigh masks every interrupt.
	IPLHigh = 1
)

// haltExitCode is the host process exit code used by Halt.
const haltExitCode = 2

var (
	// exitFn is mocked by tests.
	exitFn = os.Exit
)

// CPU describes the state of the single processor.
type CPU struct {
	ipl int32

	// TLB is the processor's translation lookaside buffer.
	TLB *TLB
}

// New returns a CPU with interrupts enabled and an empty TLB whose random
// replacement sequence is derived from tlbSeed.
func New(tlbSeed int64) *CPU {
	return &CPU{TLB: NewTLB(tlbSeed)}
}

// SplHigh masks all interrupts and returns the previous priority level so
// that it can later be restored with Splx.
func (c *CPU) SplHigh() int {
	return int(atomic.SwapInt32(&c.ipl, IPLHigh))
}

// Splx sets the interrupt priority level to ipl and returns the previous
// level.
func (c *CPU) Splx(ipl int) int {
	return int(atomic.SwapInt32(&c.ipl, int32(ipl)))
}

// InterruptsEnabled returns true if interrupts are not masked.
func (c *CPU) InterruptsEnabled() bool {
	return atomic.LoadInt32(&c.ipl) == IPLNone
}

// Halt stops instruction execution. On the simulated machine this
// terminates the host process.
func Halt() {
	exitFn(haltExitCode)
}
