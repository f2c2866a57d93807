package task

import (
	"pebbles/kernel"
	"pebbles/kernel/sched"
)

// ExecContext is the saved user execution context of a thread that has not
// run yet. A goroutine stack cannot be duplicated, so instead of a register
// file it carries the routine the thread resumes into.
type ExecContext struct {
	SP, IP uint32

	// Resume is the user-mode continuation of the thread.
	Resume func()
}

// Handler is a registered software exception handler. Fn receives the
// registration argument together with the faulting address and whether the
// access was a write.
type Handler struct {
	Stack uint32
	Arg   uint32
	Fn    func(arg, addr uint32, write bool)
}

// Thread is a thread control block.
type Thread struct {
	ID   int
	Ctx  *sched.Context
	Task *Task

	Stack *KernelStack
	Exec  ExecContext

	// Swexn is the registered exception handler or nil. It is consumed by
	// the first delivery.
	Swexn *Handler

	handle Handle
	link   Links
}

func (th *Thread) links() *Links { return &th.link }

// Handle returns the arena handle of th.
func (th *Thread) Handle() Handle { return th.handle }

// NewThread creates a thread of t holding a fresh kernel stack and links it
// at the head of the live list. The thread is in the Forked state and has
// not been started. It fails with ErrNoKernelStack if the stack pool is
// exhausted.
func NewThread(t *Task) (*Thread, *kernel.Error) {
	stack, err := stacks.get()
	if err != nil {
		return nil, err
	}

	th := &Thread{
		ID:    nextID(),
		Task:  t,
		Stack: stack,
	}
	th.Ctx = sched.NewContext(th.ID, th)
	th.Ctx.SetStatus(sched.Forked)
	th.handle = threads.Alloc(th)

	indexLock.Lock()
	byID[th.ID] = th
	indexLock.Unlock()

	t.ThreadListLock.Lock()
	t.Live.PushFront(th.handle)
	t.ThreadListLock.Unlock()

	return th, nil
}

// LookupThread returns the thread with the given id or nil. Zombie threads
// can be looked up until they are reaped.
func LookupThread(id int) *Thread {
	indexLock.Lock()
	defer indexLock.Unlock()
	return byID[id]
}

// Threads returns the number of thread control blocks in use.
func Threads() int {
	return threads.Len()
}

// release drops a reaped thread: its kernel stack returns to the pool and
// the thread can no longer be looked up.
func (th *Thread) release() {
	indexLock.Lock()
	delete(byID, th.ID)
	indexLock.Unlock()

	stacks.put(th.Stack)
	th.Stack = nil
	threads.Free(th.handle)
}

// Discard undoes NewThread for a thread that was never started.
func Discard(th *Thread) {
	t := th.Task
	t.ThreadListLock.Lock()
	t.Live.Remove(th.handle)
	t.ThreadListLock.Unlock()

	th.release()
}
