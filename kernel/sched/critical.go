package sched

import "pebbles/kernel/cpu"

// CriticalSection masks preemption of the running context for its lifetime.
// Sections nest. A section is closed by Release or implicitly by the next
// context switch, whichever happens first; releasing a section twice, or
// after a switch, has no effect. The usual shape is:
//
//	cs := sched.Disable()
//	defer cs.Release()
type CriticalSection struct {
	s        *Scheduler
	epoch    uint64
	released bool
}

// Disable opens a critical section for the running context.
func (s *Scheduler) Disable() *CriticalSection {
	s.lock.Acquire()
	s.depth++
	cs := &CriticalSection{s: s, epoch: s.epoch}
	s.lock.Release()

	cpu.DisableInterrupts()
	return cs
}

// Release closes the critical section. Closing the outermost section
// re-enables interrupts and honours any pending reschedule request.
func (cs *CriticalSection) Release() {
	if cs == nil || cs.released {
		return
	}
	cs.released = true

	s := cs.s
	if s == nil {
		return
	}

	s.lock.Acquire()
	if s.epoch != cs.epoch || s.depth == 0 {
		s.lock.Release()
		return
	}
	s.depth--
	depth := s.depth
	s.lock.Release()

	if depth == 0 {
		cpu.EnableInterrupts()
		s.Preempt()
	}
}
