package kfmt

import (
	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Kind: kernel.InternalInconsistency}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return unless the halt hook is replaced.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t, Kind: errRuntimePanic.Kind}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error(), Kind: errRuntimePanic.Kind}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
