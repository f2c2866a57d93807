package sched

import "pebbles/kernel"

var errDeadlock = &kernel.Error{Module: "sched", Message: "contended mutex outside of a kernel thread", Kind: kernel.KindInternal}

// Mutex is a blocking kernel mutex. A thread that finds the mutex held yields
// in the BlockedMutex state and is requeued by the holder's Unlock. Before
// the scheduler is running, or outside any kernel thread, only the
// uncontended path is available.
//
// The zero value is an unlocked mutex.
type Mutex struct {
	locked  bool
	owner   *Context
	waiters []*Context
}

// Lock acquires the mutex, blocking the running thread while it is held.
func (m *Mutex) Lock() {
	for {
		cs := Disable()
		if !m.locked {
			m.locked = true
			m.owner = Current()
			cs.Release()
			return
		}

		cur := Current()
		if cur == nil {
			cs.Release()
			panicFn(errDeadlock)
			return
		}

		m.waiters = append(m.waiters, cur)
		Yield(BlockedMutex)
	}
}

// TryLock acquires the mutex if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	cs := Disable()
	defer cs.Release()

	if m.locked {
		return false
	}
	m.locked = true
	m.owner = Current()
	return true
}

// Unlock releases the mutex and requeues the longest waiting thread.
// Unlock is a preemption point.
func (m *Mutex) Unlock() {
	cs := Disable()
	m.locked = false
	m.owner = nil
	if len(m.waiters) != 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		PushBack(next)
	}
	cs.Release()
}

// Locked reports whether the mutex is held.
func (m *Mutex) Locked() bool {
	return m.locked
}

// HeldBy reports whether the mutex is held by ctx.
func (m *Mutex) HeldBy(ctx *Context) bool {
	return m.locked && m.owner == ctx
}
