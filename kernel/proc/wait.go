package proc

import (
	"encoding/binary"
	"pebbles/kernel/mm/maps"
	"pebbles/kernel/sched"
	"pebbles/kernel/task"
)

// Wait collects an exited child of the calling task, blocking while the
// task has live children but no zombies. It returns the id of the
// collected child and, if statusPtr is not 0, stores its exit status there.
// Each exited child is collected exactly once.
func (u *User) Wait(statusPtr uint32) (int, error) {
	t, th := u.task(), u.thread

	if statusPtr != 0 && !u.validateWord(statusPtr, maps.PermUser|maps.PermWrite) {
		return -1, ErrInvalidArgument
	}

	var zombie *task.Task

	t.WaitLock.Lock()
	if t.Zombies.Len() != 0 {
		zombie = t.Zombies.PopFront()
		t.WaitLock.Unlock()
	} else {
		t.ChildListLock.Lock()
		children := t.Children.Len()
		t.ChildListLock.Unlock()

		if children == 0 {
			t.WaitLock.Unlock()
			return -1, ErrNoChildren
		}

		node := &task.WaitNode{Thread: th}
		t.Waiting = append(t.Waiting, node)

		sched.Disable()
		t.WaitLock.Unlock()
		sched.Yield(sched.BlockedWait)

		if zombie = node.Zombie; zombie == nil {
			panicFn(errLostZombie)
			return -1, ErrNoChildren
		}
	}

	id, status := zombie.ID, zombie.ExitStatus
	task.Destroy(zombie)

	if statusPtr != 0 {
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], uint32(int32(status)))
		if err := u.copyOut(statusPtr, word[:]); err != nil {
			log.Debug("wait status lost", "tid", th.ID, "child", id)
		}
	}

	return id, nil
}

// Vanish terminates the calling thread. When the last thread of a task
// vanishes the task becomes a zombie: its children and uncollected zombies
// are handed to the init task and the task itself is either passed to a
// parent thread blocked in wait or queued on the parent's zombie list. The
// zombie previously at the tail of that list is cleared, which is safe
// because its last thread is guaranteed to be off the CPU. Vanish never
// returns.
func (u *User) Vanish() {
	t, th := u.task(), u.thread

	t.VanishLock.Lock()
	parent := t.Parent

	t.ThreadListLock.Lock()
	t.Live.Remove(th.Handle())
	t.ZombieThreads.PushBack(th.Handle())
	remaining := t.Live.Len()

	if remaining != 0 {
		sched.Disable()
		t.ThreadListLock.Unlock()
		t.VanishLock.Unlock()
		sched.Yield(sched.Zombie)
		return
	}
	t.ThreadListLock.Unlock()

	root := initTask
	if t == root || root == nil || parent == nil {
		t.VanishLock.Unlock()
		if root == nil {
			panicFn(errNoInit)
		} else {
			panicFn(errInitVanished)
		}
		return
	}

	task.OrphanChildren(t, root)
	task.OrphanZombies(t, root)
	t.State = task.Exited

	parent.WaitLock.Lock()
	parent.ChildListLock.Lock()
	parent.Children.Remove(t.Handle())
	parent.ChildListLock.Unlock()

	if len(parent.Waiting) == 0 {
		if last := parent.Zombies.Back(); last != nil {
			task.Clear(last)
		}
	}

	sched.Disable()
	task.Deliver(parent, t)
	parent.WaitLock.Unlock()
	t.VanishLock.Unlock()

	log.Debug("task exited", "id", t.ID, "status", t.ExitStatus)
	sched.Yield(sched.Zombie)
}
