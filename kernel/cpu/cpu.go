// Package cpu models the handful of processor facilities the memory and
// process core relies on: the interrupt flag, TLB invalidation and halting.
package cpu

import (
	"sync"
	"sync/atomic"
)

var (
	interruptsEnabled atomic.Bool
	tlbFlushes        atomic.Uint64

	haltOnce sync.Once
	halted   chan struct{}
)

func init() {
	Init()
}

// Init resets the processor state: interrupts enabled, TLB statistics
// cleared and the halt latch re-armed.
func Init() {
	interruptsEnabled.Store(true)
	tlbFlushes.Store(0)
	haltOnce = sync.Once{}
	halted = make(chan struct{})
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	interruptsEnabled.Store(true)
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	interruptsEnabled.Store(false)
}

// InterruptsEnabled reports the state of the interrupt flag.
func InterruptsEnabled() bool {
	return interruptsEnabled.Load()
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(_ uintptr) {
	tlbFlushes.Add(1)
}

// TLBFlushes returns the number of TLB entries invalidated since Init.
func TLBFlushes() uint64 {
	return tlbFlushes.Load()
}

// Halt stops instruction execution. The calling context never resumes; any
// observer blocked on Halted is released.
func Halt() {
	HaltAsync()
	select {}
}

// HaltAsync latches the halted state without parking the caller.
func HaltAsync() {
	ch := halted
	haltOnce.Do(func() { close(ch) })
}

// Halted returns a channel that is closed once the CPU halts.
func Halted() <-chan struct{} {
	return halted
}
