package proc

import (
	"pebbles/kernel/task"
)

// Fork creates a child task whose address space is a copy of the caller's
// and whose single thread resumes into child, observing a zero return. It
// returns the id of the child to the parent. The calling task must have a
// single live thread. On failure everything built for the child has been
// released.
func (u *User) Fork(child Routine) (int, error) {
	t, th := u.task(), u.thread

	if liveThreads(t) > 1 {
		return -1, ErrMultithreaded
	}

	ct, err := task.New(t)
	if err != nil {
		return -1, err
	}
	cth := ct.Live.Front()

	t.VMLock.Lock()
	err = ct.PDT.Clone(t.PDT)
	if err == nil {
		ct.Maps.CopyFrom(t.Maps)
	}
	t.VMLock.Unlock()

	if err != nil {
		task.Discard(cth)
		task.Destroy(ct)
		return -1, err
	}

	cth.Exec = th.Exec
	cth.Exec.Resume = func() { run(cth, child) }

	t.ChildListLock.Lock()
	t.Children.PushFront(ct.Handle())
	t.ChildListLock.Unlock()

	launch(cth)

	log.Debug("fork", "parent", t.ID, "child", ct.ID)
	return ct.ID, nil
}

// ThreadFork creates a new thread in the calling task that resumes into
// child and returns its id. Zombie threads of the task are reaped first so
// that their kernel stacks can be reused.
func (u *User) ThreadFork(child Routine) (int, error) {
	t, th := u.task(), u.thread

	task.ReapThreads(t)

	nth, err := task.NewThread(t)
	if err != nil {
		return -1, err
	}

	nth.Exec = th.Exec
	nth.Exec.Resume = func() { run(nth, child) }
	launch(nth)

	return nth.ID, nil
}
