// Package proc is the lifecycle manager. It implements the system calls that
// create, replace, collect and destroy tasks and threads on top of the
// control blocks, the page table manager and the scheduler. User programs
// are Go routines that reach the kernel exclusively through the methods of
// User, the simulated trap boundary.
package proc

import (
	"pebbles/kernel"
	"pebbles/kernel/cpu"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/loader"
	"pebbles/kernel/sched"
	ksync "pebbles/kernel/sync"
	"pebbles/kernel/task"
)

// Routine is the user-mode code of a thread. A program's main routine
// receives a User whose stack holds the program arguments; the value it
// returns becomes the task's exit status. Routines must not defer calls into
// the kernel: a vanishing thread never unwinds back into them.
type Routine func(u *User) int

var (
	// initTask adopts orphaned children and zombies.
	initTask *task.Task

	programsLock ksync.Spinlock
	programs     = map[string]Routine{}

	// the following functions are mocked by tests.
	panicFn = kfmt.Panic
	haltFn  = cpu.Halt

	log = kfmt.Logger("proc")

	// ErrInvalidArgument is returned when a system call argument fails
	// validation. Nothing has been changed.
	ErrInvalidArgument = &kernel.Error{Module: "proc", Message: "invalid argument", Kind: kernel.KindValidation}

	// ErrMultithreaded is returned by fork and exec when the calling task
	// has more than one live thread.
	ErrMultithreaded = &kernel.Error{Module: "proc", Message: "task has more than one live thread", Kind: kernel.KindLifecycle}

	// ErrNoChildren is returned by wait when the calling task has neither
	// zombie nor live children.
	ErrNoChildren = &kernel.Error{Module: "proc", Message: "no children to wait for", Kind: kernel.KindLifecycle}

	// ErrNoSuchThread is returned when a thread id does not name a thread
	// in the state the call expects.
	ErrNoSuchThread = &kernel.Error{Module: "proc", Message: "no such thread", Kind: kernel.KindValidation}

	errInitVanished = &kernel.Error{Module: "proc", Message: "init task vanished", Kind: kernel.KindInternal}
	errLostZombie   = &kernel.Error{Module: "proc", Message: "waiter woken without a zombie", Kind: kernel.KindInternal}
	errNoInit       = &kernel.Error{Module: "proc", Message: "no init task", Kind: kernel.KindInternal}
)

// Install registers exe with the loader and binds main as the routine that
// runs when a task executes it.
func Install(exe *loader.Executable, main Routine) *kernel.Error {
	if err := loader.Register(exe); err != nil {
		return err
	}

	programsLock.Acquire()
	programs[exe.Header.Name] = main
	programsLock.Release()
	return nil
}

func program(name string) (Routine, bool) {
	programsLock.Acquire()
	defer programsLock.Release()

	main, found := programs[name]
	return main, found
}

// Boot creates the init task, loads the named program into it with args as
// its arguments and hands its thread to the scheduler. The scheduler must
// have been initialised with OnSwitch as its switch hook.
func Boot(name string, args []string) (*task.Task, *kernel.Error) {
	main, found := program(name)
	if !found {
		return nil, loader.ErrNotFound
	}

	t, err := task.New(nil)
	if err != nil {
		return nil, err
	}
	th := t.Live.Front()

	t.VMLock.Lock()
	err = execImage(t, th, name, args)
	t.VMLock.Unlock()
	if err != nil {
		task.Discard(th)
		task.Destroy(t)
		return nil, err
	}

	initTask = t
	th.Exec.Resume = func() { run(th, main) }
	launch(th)

	log.Info("init task started", "program", name, "id", t.ID)
	return t, nil
}

// Init returns the init task or nil before Boot.
func Init() *task.Task {
	return initTask
}

// OnSwitch is the scheduler switch hook: it activates the address space of
// the thread about to run.
func OnSwitch(next *sched.Context) {
	if th, ok := next.Owner.(*task.Thread); ok {
		th.Task.PDT.Activate()
	}
}

// launch starts th at its saved execution context.
func launch(th *task.Thread) {
	th.Ctx.Start(th.Exec.Resume)
	sched.PushBack(th.Ctx)
}

// run executes routine as the user-mode code of th. Returning from the
// routine is the exit system call.
func run(th *task.Thread, routine Routine) {
	u := &User{thread: th}
	status := routine(u)
	u.SetStatus(status)
	u.Vanish()
}
