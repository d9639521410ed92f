// Package kfmt implements the kernel console: formatted output routed to a
// pluggable sink, an early-boot ring buffer and structured debug tracing.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// sinkMu serializes writes to the output sink; several tasks may
	// print concurrently.
	sinkMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before the
	// console is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes to the active
// output sink. If no sink is attached, the output is buffered into a ring
// buffer and replayed when SetOutputSink is invoked.
func Printf(format string, args ...interface{}) {
	Fprintf(consoleWriter{}, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// consoleWriter forwards writes to the output sink or the early print buffer.
type consoleWriter struct{}

// Write implements io.Writer.
func (consoleWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// Console returns an io.Writer that sends its output to the active output
// sink, or to the early print buffer if no sink is attached.
func Console() io.Writer {
	return consoleWriter{}
}
