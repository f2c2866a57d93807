// Package kfmt implements the kernel console: formatted output to a settable
// sink, an early ring buffer for output produced before a sink exists,
// per-module structured loggers and the kernel panic path.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// outputLock serialises writes to the sink. Console output is produced
	// by kernel threads as well as by the boot and timer goroutines, so a
	// scheduler-aware kernel mutex cannot be used here.
	outputLock sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is an io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Lock()
	defer outputLock.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink or nil if output is
// being buffered.
func GetOutputSink() io.Writer {
	outputLock.Lock()
	defer outputLock.Unlock()

	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink (or the early ring buffer when no sink is attached).
func Printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(consoleWriter{}, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the console.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = consoleWriter{}
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

// Console returns a writer that sends its output to the active sink, or to
// the early ring buffer when no sink is attached.
func Console() io.Writer {
	return consoleWriter{}
}

// consoleWriter forwards writes to the active sink under outputLock.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	outputLock.Lock()
	defer outputLock.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}
