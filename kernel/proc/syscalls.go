package proc

import (
	"encoding/binary"
	"fmt"
	"pebbles/kernel"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/mm/maps"
	"pebbles/kernel/sched"
	"pebbles/kernel/task"
)

// MaxPrintLen bounds the length of a single Print call.
const MaxPrintLen = 1 << 20

// errForeign stands in for errors that did not originate in the kernel.
var errForeign = &kernel.Error{Module: "proc", Message: "unclassified error", Kind: kernel.KindInternal}

// Result converts the error returned by a system call into the integer the
// call hands back to user code: 0 on success and a negative code that
// identifies the error kind otherwise.
func Result(err error) int {
	if err == nil {
		return 0
	}
	if kerr, ok := err.(*kernel.Error); ok {
		return kernel.Code(kerr)
	}
	return kernel.Code(errForeign)
}

// Print writes length bytes of user memory at bufPtr to the console. Every
// line is tagged with the id of the calling thread. The whole buffer is
// validated before anything is written.
func (u *User) Print(bufPtr uint32, length int) error {
	if length < 0 || length > MaxPrintLen {
		return ErrInvalidArgument
	}

	buf := make([]byte, length)
	if err := u.copyIn(bufPtr, buf); err != nil {
		return err
	}

	if u.console == nil {
		u.console = &kfmt.PrefixWriter{
			Sink:   kfmt.Console(),
			Prefix: []byte(fmt.Sprintf("[tid %d] ", u.thread.ID)),
		}
	}
	_, _ = u.console.Write(buf)
	return nil
}

// GetTID returns the id of the calling thread.
func (u *User) GetTID() int {
	sched.Preempt()
	return u.thread.ID
}

// SetStatus sets the exit status reported for the calling task.
func (u *User) SetStatus(status int) {
	u.task().ExitStatus = status
}

// GetTicks returns the number of timer ticks since boot.
func (u *User) GetTicks() uint64 {
	sched.Preempt()
	return sched.Ticks()
}

// Sleep blocks the calling thread for at least ticks timer ticks. A zero
// argument returns immediately.
func (u *User) Sleep(ticks int) error {
	if ticks < 0 {
		return ErrInvalidArgument
	}
	if ticks != 0 {
		sched.Sleep(uint64(ticks))
	}
	return nil
}

// Yield gives up the CPU. With tid -1 the caller simply goes to the back of
// the run queue; otherwise the named thread, which must be runnable, is
// scheduled next.
func (u *User) Yield(tid int) error {
	if tid < -1 {
		return ErrInvalidArgument
	}

	if tid == -1 {
		sched.Yield(sched.Runnable)
		return nil
	}

	cs := sched.Disable()
	target := task.LookupThread(tid)
	if target == nil || target.Ctx.Status() != sched.Runnable {
		cs.Release()
		return ErrNoSuchThread
	}

	if target != u.thread {
		sched.PushFront(target.Ctx)
	}
	sched.Yield(sched.Runnable)
	return nil
}

// Deschedule suspends the calling thread unless the word at rejectPtr is
// non-zero. The check and the suspension are atomic with respect to
// MakeRunnable.
func (u *User) Deschedule(rejectPtr uint32) error {
	if !u.validateWord(rejectPtr, maps.PermUser) {
		return ErrInvalidArgument
	}

	// The critical section keeps every other thread off the CPU, so the
	// page directory can be read without the VM lock.
	cs := sched.Disable()
	var word [4]byte
	if _, err := u.task().PDT.ReadVirtual(uintptr(rejectPtr), word[:], true); err != nil {
		cs.Release()
		return ErrInvalidArgument
	}

	if binary.LittleEndian.Uint32(word[:]) != 0 {
		cs.Release()
		return nil
	}

	sched.Yield(sched.Suspended)
	return nil
}

// MakeRunnable wakes a thread suspended by Deschedule.
func (u *User) MakeRunnable(tid int) error {
	cs := sched.Disable()
	defer cs.Release()

	target := task.LookupThread(tid)
	if target == nil || target.Ctx.Status() != sched.Suspended {
		return ErrNoSuchThread
	}

	sched.PushBack(target.Ctx)
	return nil
}

// Halt stops the machine.
func (u *User) Halt() {
	log.Info("halt requested", "tid", u.thread.ID)
	haltFn()
}

// Swexn registers handler as the exception handler of the calling thread,
// to be run with arg on the exception stack below esp3 the next time the
// thread faults. A nil handler deregisters the current one. The exception
// stack must be writable user memory.
func (u *User) Swexn(esp3 uint32, handler ExceptionHandler, arg uint32) error {
	th := u.thread

	if handler == nil {
		th.Swexn = nil
		return nil
	}

	if esp3 < 4 || !u.validateWord(esp3-4, maps.PermUser|maps.PermWrite) {
		return ErrInvalidArgument
	}

	th.Swexn = &task.Handler{
		Stack: esp3,
		Arg:   arg,
		Fn: func(arg, addr uint32, write bool) {
			handler(u, arg, Fault{Addr: addr, Write: write})
		},
	}
	return nil
}
