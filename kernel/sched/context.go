package sched

import "sync/atomic"

// Context is the scheduler's view of a kernel thread. A kernel thread is a
// goroutine that only executes while the scheduler has dispatched its
// context; it is handed the CPU through the wake channel.
type Context struct {
	// ID identifies the thread in log output.
	ID int

	// Owner is an opaque back reference to the control block that embeds
	// this context. It is passed to the switch hook.
	Owner interface{}

	status atomic.Int32
	wake   chan struct{}

	// wakeAt is the tick at which a sleeping context becomes runnable.
	// Guarded by the scheduler lock.
	wakeAt uint64
}

// NewContext returns a context in the Initialized state.
func NewContext(id int, owner interface{}) *Context {
	ctx := &Context{
		ID:    id,
		Owner: owner,
		wake:  make(chan struct{}, 1),
	}
	ctx.status.Store(int32(Initialized))
	return ctx
}

// Status returns the context status.
func (c *Context) Status() Status {
	return Status(c.status.Load())
}

// SetStatus updates the context status without touching any scheduler
// queue.
func (c *Context) SetStatus(s Status) {
	c.status.Store(int32(s))
}

// Start launches fn on a new goroutine that stays parked until the context
// is dispatched for the first time. The caller hands the context to the
// scheduler with PushBack once its control block is fully linked. fn must
// never return normally; kernel threads leave the CPU by yielding as a
// Zombie.
func (c *Context) Start(fn func()) {
	go func() {
		<-c.wake
		fn()
	}()
}
