// Package sched is the single-CPU scheduler collaborator: a FIFO run queue
// with the yield, push-front and push-back primitives, a tick-driven sleep
// queue, critical sections that mask preemption and the blocking kernel
// mutex built on top of them.
package sched

import (
	"pebbles/kernel"
	"pebbles/kernel/cpu"
	"pebbles/kernel/kfmt"
	ksync "pebbles/kernel/sync"
	"runtime"
	"sort"
	"sync/atomic"
)

var (
	errNoCurrent = &kernel.Error{Module: "sched", Message: "yield outside of a kernel thread", Kind: kernel.KindInternal}

	// panicFn and goexitFn are mocked by tests.
	panicFn  = kfmt.Panic
	goexitFn = runtime.Goexit
)

// SwitchFn is invoked with the next context right before it receives the
// CPU.
type SwitchFn func(next *Context)

// Scheduler multiplexes kernel threads over one simulated CPU. Exactly one
// context owns the CPU at any time; ownership moves only inside Yield or
// when an idle CPU is handed a runnable context.
type Scheduler struct {
	lock ksync.Spinlock

	runq     []*Context
	sleepers []*Context
	current  *Context

	ticks uint64

	// epoch is bumped on every context switch; it lets critical sections
	// opened before a switch detect that they have been closed by it.
	epoch uint64

	// depth is the critical section nesting of the running context.
	depth int

	needResched atomic.Bool
	onSwitch    SwitchFn
}

// New returns an idle scheduler that invokes onSwitch (if not nil) whenever a
// context is dispatched.
func New(onSwitch SwitchFn) *Scheduler {
	return &Scheduler{onSwitch: onSwitch}
}

// Current returns the context that owns the CPU or nil if the CPU is idle.
func (s *Scheduler) Current() *Context {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.current
}

// Ticks returns the number of timer ticks since the scheduler was created.
func (s *Scheduler) Ticks() uint64 {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.ticks
}

// Runnable returns the number of contexts waiting in the run queue.
func (s *Scheduler) Runnable() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return len(s.runq)
}

// Yield gives up the CPU recording status as the caller's new status. A
// Runnable caller is queued at the back of the run queue; any other status
// leaves the caller parked until another thread or the timer requeues it.
// A Zombie caller never returns. Yield closes every critical section the
// caller holds.
func (s *Scheduler) Yield(status Status) {
	s.switchFrom(status, nil)
}

// PushBack marks ctx runnable and appends it to the run queue, dispatching it
// immediately if the CPU is idle.
func (s *Scheduler) PushBack(ctx *Context) {
	s.enqueue(ctx, false)
}

// PushFront marks ctx runnable and moves it to the head of the run queue so
// that it is the next context to run.
func (s *Scheduler) PushFront(ctx *Context) {
	s.enqueue(ctx, true)
}

// Tick advances the tick counter, requeues every sleeper whose wakeup tick
// has been reached and requests a reschedule at the next preemption point.
func (s *Scheduler) Tick() {
	s.lock.Acquire()
	s.ticks++

	var due int
	for due < len(s.sleepers) && s.sleepers[due].wakeAt <= s.ticks {
		s.sleepers[due].status.Store(int32(Runnable))
		s.runq = append(s.runq, s.sleepers[due])
		due++
	}
	s.sleepers = s.sleepers[due:]

	next := s.dispatchIfIdleLocked()
	if s.current != nil && len(s.runq) != 0 {
		s.needResched.Store(true)
	}
	s.lock.Release()

	if next != nil {
		s.dispatch(next)
	}
}

// Sleep parks the running context until the tick counter advances by n. It
// returns immediately if n is zero.
func (s *Scheduler) Sleep(n uint64) {
	if n == 0 {
		return
	}

	s.switchFrom(Sleeping, func(cur *Context) {
		cur.wakeAt = s.ticks + n
		idx := sort.Search(len(s.sleepers), func(i int) bool {
			return s.sleepers[i].wakeAt > cur.wakeAt
		})
		s.sleepers = append(s.sleepers, nil)
		copy(s.sleepers[idx+1:], s.sleepers[idx:])
		s.sleepers[idx] = cur
	})
}

// Preempt yields the CPU if a reschedule was requested and the caller is not
// inside a critical section. Kernel threads call it at preemption points.
func (s *Scheduler) Preempt() {
	s.lock.Acquire()
	eligible := s.current != nil && s.depth == 0
	s.lock.Release()

	if eligible && s.needResched.CompareAndSwap(true, false) {
		s.Yield(Runnable)
	}
}

// switchFrom implements the context switch. publish runs under the scheduler
// lock after the caller's status has been recorded so that wakeup sources
// can never observe a half-blocked context.
func (s *Scheduler) switchFrom(status Status, publish func(cur *Context)) {
	s.lock.Acquire()
	cur := s.current
	if cur == nil {
		s.lock.Release()
		panicFn(errNoCurrent)
		return
	}

	cur.status.Store(int32(status))
	if publish != nil {
		publish(cur)
	}
	if status == Runnable {
		s.runq = append(s.runq, cur)
	}

	var next *Context
	if len(s.runq) != 0 {
		next = s.runq[0]
		s.runq = s.runq[1:]
	}
	s.current = next
	s.depth = 0
	s.epoch++
	s.lock.Release()

	cpu.EnableInterrupts()

	if next == cur {
		return
	}

	if next != nil {
		s.dispatch(next)
	}

	if status == Zombie {
		goexitFn()
		return
	}

	<-cur.wake
}

func (s *Scheduler) enqueue(ctx *Context, front bool) {
	s.lock.Acquire()
	ctx.status.Store(int32(Runnable))

	if ctx == s.current {
		s.lock.Release()
		return
	}

	for i, queued := range s.runq {
		if queued == ctx {
			s.runq = append(s.runq[:i], s.runq[i+1:]...)
			break
		}
	}

	if front {
		s.runq = append([]*Context{ctx}, s.runq...)
	} else {
		s.runq = append(s.runq, ctx)
	}

	next := s.dispatchIfIdleLocked()
	s.lock.Release()

	if next != nil {
		s.dispatch(next)
	}
}

// dispatchIfIdleLocked hands the head of the run queue to an idle CPU. The
// caller must hold the scheduler lock and call dispatch on the result once
// the lock has been released.
func (s *Scheduler) dispatchIfIdleLocked() *Context {
	if s.current != nil || len(s.runq) == 0 {
		return nil
	}

	next := s.runq[0]
	s.runq = s.runq[1:]
	s.current = next
	s.depth = 0
	s.epoch++
	return next
}

func (s *Scheduler) dispatch(next *Context) {
	if s.onSwitch != nil {
		s.onSwitch(next)
	}
	next.wake <- struct{}{}
}
