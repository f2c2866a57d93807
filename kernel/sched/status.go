package sched

// Status describes the scheduling state of a kernel thread. Tasks reuse a
// subset of the values.
type Status int32

const (
	// Runnable threads are either executing or queued for the CPU.
	Runnable Status = iota

	// Initialized is the status of a context that has never been queued.
	Initialized

	// Suspended threads descheduled themselves and wait for an explicit
	// make-runnable request.
	Suspended

	// Forked threads have been created by fork or thread-fork and have not
	// been scheduled yet.
	Forked

	// BlockedMutex threads wait for a kernel mutex.
	BlockedMutex

	// BlockedWait threads wait for a child task to vanish.
	BlockedWait

	// Zombie threads have exited and never run again.
	Zombie

	// Sleeping threads wait for the tick counter to reach their wakeup
	// tick.
	Sleeping
)

var statusNames = [...]string{
	Runnable:     "runnable",
	Initialized:  "initialized",
	Suspended:    "suspended",
	Forked:       "forked",
	BlockedMutex: "blocked-mutex",
	BlockedWait:  "blocked-wait",
	Zombie:       "zombie",
	Sleeping:     "sleeping",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}
