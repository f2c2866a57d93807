package sched

// active is the scheduler driving the CPU. It is nil until Init is called,
// in which case the package-level helpers degrade to no-ops so that the
// memory subsystems can be used during early boot.
var active *Scheduler

// Init installs a new scheduler as the active one and returns it.
func Init(onSwitch SwitchFn) *Scheduler {
	active = New(onSwitch)
	return active
}

// Active returns the active scheduler or nil before Init.
func Active() *Scheduler {
	return active
}

// Current returns the running context or nil if no kernel thread runs.
func Current() *Context {
	if active == nil {
		return nil
	}
	return active.Current()
}

// Disable opens a critical section on the active scheduler.
func Disable() *CriticalSection {
	if active == nil {
		return &CriticalSection{released: true}
	}
	return active.Disable()
}

// Yield gives up the CPU on the active scheduler.
func Yield(status Status) {
	if active == nil {
		panicFn(errNoCurrent)
		return
	}
	active.Yield(status)
}

// PushBack queues ctx at the back of the active run queue.
func PushBack(ctx *Context) {
	if active != nil {
		active.PushBack(ctx)
	}
}

// PushFront queues ctx at the front of the active run queue.
func PushFront(ctx *Context) {
	if active != nil {
		active.PushFront(ctx)
	}
}

// Preempt honours a pending reschedule request on the active scheduler.
func Preempt() {
	if active != nil {
		active.Preempt()
	}
}

// Ticks returns the tick counter of the active scheduler.
func Ticks() uint64 {
	if active == nil {
		return 0
	}
	return active.Ticks()
}

// Sleep parks the running context for n ticks.
func Sleep(n uint64) {
	if active != nil {
		active.Sleep(n)
	}
}
