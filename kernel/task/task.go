// Package task holds the task and thread control blocks. Blocks live in
// arenas and are addressed by handles; the per-task thread, child and
// zombie lists are threaded through the blocks themselves.
package task

import (
	"pebbles/kernel"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/mm/maps"
	"pebbles/kernel/mm/vmm"
	"pebbles/kernel/sched"
	"sync/atomic"
)

// State is the lifecycle state of a task.
type State int32

const (
	// Alive tasks have at least one live thread.
	Alive State = iota

	// Exited tasks have vanished and wait to be collected by their parent.
	Exited
)

// Task is a task control block.
type Task struct {
	// ID equals the id of the task's first thread.
	ID int

	// ExitStatus is reported to the parent by wait.
	ExitStatus int

	State State

	PDT  *vmm.PageDirectory
	Maps *maps.Ledger

	// Live and ZombieThreads are guarded by ThreadListLock.
	Live          List[*Thread]
	ZombieThreads List[*Thread]

	// Children is guarded by ChildListLock.
	Children List[*Task]

	// Zombies and Waiting are guarded by WaitLock.
	Zombies List[*Task]
	Waiting []*WaitNode

	// Parent is read and written under VanishLock.
	Parent *Task

	ThreadListLock sched.Mutex
	ChildListLock  sched.Mutex
	WaitLock       sched.Mutex
	VanishLock     sched.Mutex

	// VMLock serialises page directory and ledger changes between the
	// threads of the task.
	VMLock sched.Mutex

	handle Handle
	link   Links
}

func (t *Task) links() *Links { return &t.link }

// Handle returns the arena handle of t.
func (t *Task) Handle() Handle { return t.handle }

// WaitNode is the record a thread blocked in wait leaves on its task's
// waiting list. The vanishing child stores itself in Zombie before waking
// the thread.
type WaitNode struct {
	Thread *Thread
	Zombie *Task
}

// Config holds the control block tunables.
type Config struct {
	// KernelStacks bounds the number of threads that can exist at the same
	// time. A negative value disables the bound.
	KernelStacks int
}

var (
	tasks   Arena[*Task]
	threads Arena[*Thread]

	// byID indexes threads by id.
	indexLock sched.Mutex
	byID      map[int]*Thread

	lastID atomic.Int32

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = kfmt.Logger("task")

	errDoubleLink   = &kernel.Error{Module: "task", Message: "control block linked into two lists", Kind: kernel.KindInternal}
	errBusyTask     = &kernel.Error{Module: "task", Message: "destroying a task that still has threads, children or waiters", Kind: kernel.KindInternal}
	errReapCurrent  = &kernel.Error{Module: "task", Message: "thread attempted to reap itself", Kind: kernel.KindInternal}
	errOrphanToSelf = &kernel.Error{Module: "task", Message: "task cannot adopt its own children", Kind: kernel.KindInternal}
)

// Init resets the control block arenas and sizes the kernel stack pool.
func Init(cfg Config) {
	tasks.Reset()
	threads.Reset()
	byID = make(map[int]*Thread)
	lastID.Store(0)
	stacks.reset(cfg.KernelStacks)
}

func nextID() int {
	return int(lastID.Add(1))
}

// Tasks returns the number of task control blocks in use.
func Tasks() int {
	return tasks.Len()
}

// Visit calls visitFn for every task in use until it returns false.
func Visit(visitFn func(*Task) bool) {
	tasks.Visit(visitFn)
}

// New creates a task with an empty address space whose parent is parent and
// its first thread. The thread is linked at the head of the live list in
// the Forked state but it is not started. The task is not linked into its
// parent's child list.
func New(parent *Task) (*Task, *kernel.Error) {
	pd, err := vmm.NewPageDirectory()
	if err != nil {
		return nil, err
	}

	t := &Task{
		State:  Alive,
		PDT:    pd,
		Maps:   maps.New(),
		Parent: parent,
	}
	t.Live = NewList(&threads)
	t.ZombieThreads = NewList(&threads)
	t.Children = NewList(&tasks)
	t.Zombies = NewList(&tasks)
	t.handle = tasks.Alloc(t)

	th, err := NewThread(t)
	if err != nil {
		pd.Destroy()
		tasks.Free(t.handle)
		return nil, err
	}
	t.ID = th.ID

	log.Debug("task created", "id", t.ID)
	return t, nil
}

// Clear releases everything a zombie task still holds except its control
// block and its directory: its zombie threads are reaped and every user
// mapping and ledger region is dropped.
func Clear(t *Task) {
	ReapThreads(t)
	t.PDT.Clear()
	t.Maps.Clear()
}

// Destroy releases a collected task. The task must not have live threads,
// children or waiters.
func Destroy(t *Task) {
	t.ThreadListLock.Lock()
	live := t.Live.Len()
	t.ThreadListLock.Unlock()

	t.ChildListLock.Lock()
	children := t.Children.Len()
	t.ChildListLock.Unlock()

	t.WaitLock.Lock()
	busy := live != 0 || children != 0 || len(t.Waiting) != 0 || t.Zombies.Len() != 0
	t.WaitLock.Unlock()

	if busy {
		panicFn(errBusyTask)
		return
	}

	Clear(t)
	t.PDT.Destroy()
	tasks.Free(t.handle)
	log.Debug("task destroyed", "id", t.ID, "status", t.ExitStatus)
}

// ReapThreads releases the zombie threads of t. The running thread is never
// on that list by the time another thread reaps it.
func ReapThreads(t *Task) {
	cur := sched.Current()

	t.ThreadListLock.Lock()
	for t.ZombieThreads.Len() != 0 {
		th := t.ZombieThreads.PopFront()
		if cur != nil && th.Ctx == cur {
			panicFn(errReapCurrent)
			break
		}
		th.release()
	}
	t.ThreadListLock.Unlock()
}

// OrphanChildren hands every child of t over to root. The caller holds
// t.VanishLock; each child's VanishLock is taken before the child list
// locks so that a child vanishing concurrently keeps a stable parent.
func OrphanChildren(t, root *Task) {
	if t == root {
		panicFn(errOrphanToSelf)
		return
	}

	for {
		t.ChildListLock.Lock()
		child := t.Children.Front()
		t.ChildListLock.Unlock()
		if child == nil {
			return
		}

		child.VanishLock.Lock()
		t.ChildListLock.Lock()
		if t.Children.Remove(child.handle) {
			root.ChildListLock.Lock()
			root.Children.PushBack(child.handle)
			child.Parent = root
			root.ChildListLock.Unlock()
		}
		t.ChildListLock.Unlock()
		child.VanishLock.Unlock()
	}
}

// OrphanZombies hands every uncollected zombie child of t over to root,
// passing each one straight to a thread of root blocked in wait if there is
// one.
func OrphanZombies(t, root *Task) {
	if t == root {
		panicFn(errOrphanToSelf)
		return
	}

	t.WaitLock.Lock()
	root.WaitLock.Lock()
	for t.Zombies.Len() != 0 {
		zombie := t.Zombies.PopFront()
		zombie.Parent = root
		Deliver(root, zombie)
	}
	root.WaitLock.Unlock()
	t.WaitLock.Unlock()
}

// Deliver hands zombie to the oldest waiter of parent or, if nobody waits,
// appends it to the parent's zombie list. It reports whether a waiter was
// woken. The caller holds parent.WaitLock.
func Deliver(parent, zombie *Task) bool {
	if len(parent.Waiting) == 0 {
		parent.Zombies.PushBack(zombie.handle)
		return false
	}

	waiter := parent.Waiting[0]
	parent.Waiting = parent.Waiting[1:]
	waiter.Zombie = zombie
	sched.PushBack(waiter.Thread.Ctx)
	return true
}
