package main

import (
	"fmt"
	"pebbles/kernel/loader"
	"pebbles/kernel/proc"
)

const (
	// scratch is where the demo programs keep their private heap.
	scratch = 0x40000000

	// msgBuf is where say stages console output.
	msgBuf = scratch + 0x800

	threadsExit = 3
)

var programs = []struct {
	name   string
	rodata string
	bss    uint32
	main   proc.Routine
}{
	{"init", "init", 0x1000, initMain},
	{"hello", "hello, world", 0, helloMain},
	{"threads", "threads", 0x2000, threadsMain},
	{"fault", "fault", 0, faultMain},
}

func installPrograms() error {
	for _, p := range programs {
		exe := loader.Build(p.name, []byte{0x90, 0xc3}, []byte(p.rodata), nil, p.bss)
		if err := proc.Install(exe, p.main); err != nil {
			return err
		}
	}
	return nil
}

// say formats a line into the program's heap and prints it through the
// print system call. The heap page must be mapped.
func say(u *proc.User, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	u.Store(msgBuf, []byte(msg))
	_ = u.Print(msgBuf, len(msg))
}

// spawn forks a child that replaces itself with the named program. A child
// whose exec fails exits with the error's result code.
func spawn(u *proc.User, name string, args ...string) {
	tid, err := u.Fork(func(u *proc.User) int {
		namePtr, argvPtr := u.StageExec(scratch+64, name, args)
		err := u.Exec(namePtr, argvPtr)
		say(u, "exec %s failed: %s\n", name, err.Error())
		return proc.Result(err)
	})
	if err != nil {
		say(u, "fork failed with %d: %s\n", proc.Result(err), err.Error())
		return
	}
	say(u, "started %s as task %d\n", name, tid)
}

// initMain starts every demo, collects them and halts the machine once no
// children remain.
func initMain(u *proc.User) int {
	if err := u.NewPages(scratch, 4096); err != nil {
		u.Halt()
	}

	spawn(u, "hello", "hello", "from", "pebbles")
	spawn(u, "threads", "threads")
	spawn(u, "fault", "fault")
	spawn(u, "missing", "missing")

	for {
		tid, err := u.Wait(scratch)
		if err != nil {
			break
		}
		say(u, "task %d exited with status %d\n", tid, int32(u.Load32(scratch)))
	}

	say(u, "all children collected after %d ticks\n", u.GetTicks())
	u.Halt()
	return 0
}

func helloMain(u *proc.User) int {
	args := u.Args()
	if err := u.NewPages(scratch, 4096); err != nil {
		return proc.Result(err)
	}

	say(u, "hello with args %v\n", args)
	return len(args)
}

// threadsMain runs a few threads that each check in through their own
// word of user memory.
func threadsMain(u *proc.User) int {
	if err := u.NewPages(scratch, 4096); err != nil {
		return proc.Result(err)
	}

	for i := uint32(0); i < threadsExit; i++ {
		slot := scratch + 4*i
		if _, err := u.ThreadFork(func(u *proc.User) int {
			_ = u.Sleep(1)
			u.Store32(slot, 1)
			return threadsExit
		}); err != nil {
			return proc.Result(err)
		}
	}

	for checkedIn(u) != threadsExit {
		_ = u.Yield(-1)
	}
	say(u, "%d threads checked in\n", threadsExit)
	return threadsExit
}

func checkedIn(u *proc.User) uint32 {
	var n uint32
	for i := uint32(0); i < threadsExit; i++ {
		n += u.Load32(scratch + 4*i)
	}
	return n
}

// faultMain touches unmapped memory, recovers once through its exception
// handler and is then killed by the second fault.
func faultMain(u *proc.User) int {
	if err := u.NewPages(scratch, 4096); err != nil {
		return proc.Result(err)
	}

	err := u.Swexn(scratch+4096, func(u *proc.User, _ uint32, f proc.Fault) {
		say(u, "recovered from fault at 0x%x\n", f.Addr)
		_ = u.NewPages(f.Addr&^0xfff, 4096)
	}, 0)
	if err != nil {
		return proc.Result(err)
	}

	u.Store32(scratch+0x100000, 42)
	u.Store32(scratch+0x200000, 42)
	return 0
}
