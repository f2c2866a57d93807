package proc

import (
	"encoding/binary"
	"pebbles/kernel"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/mm/maps"
	"pebbles/kernel/sched"
	"pebbles/kernel/task"
)

// killStatus is the exit status of a task whose thread took an
// unrecoverable fault.
const killStatus = -2

// User is the trap boundary of one thread. Every system call is a method
// of User and every access to user memory goes through Load and Store,
// which translate through the task's page directory with user permissions.
type User struct {
	thread *task.Thread

	// console tags the lines the thread prints; it is created by the first
	// Print call.
	console *kfmt.PrefixWriter
}

// Fault describes an unrecoverable user memory access.
type Fault struct {
	Addr  uint32
	Write bool
}

// ExceptionHandler is a software exception handler registered with Swexn.
type ExceptionHandler func(u *User, arg uint32, fault Fault)

func (u *User) task() *task.Task {
	return u.thread.Task
}

// Load copies user memory at addr into buf.
func (u *User) Load(addr uint32, buf []byte) {
	sched.Preempt()
	u.access(addr, buf, false)
}

// Store copies buf into user memory at addr.
func (u *User) Store(addr uint32, buf []byte) {
	sched.Preempt()
	u.access(addr, buf, true)
}

// Load32 reads a little-endian word of user memory.
func (u *User) Load32(addr uint32) uint32 {
	var word [4]byte
	u.Load(addr, word[:])
	return binary.LittleEndian.Uint32(word[:])
}

// Store32 writes a little-endian word of user memory.
func (u *User) Store32(addr, v uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], v)
	u.Store(addr, word[:])
}

// access performs a user-mode memory access. A fault is delivered to the
// thread's exception handler, after which the access is retried from the
// faulting address; without a handler the thread is killed.
func (u *User) access(addr uint32, buf []byte, write bool) {
	t := u.task()

	for len(buf) != 0 {
		var (
			n   int
			err *kernel.Error
		)

		t.VMLock.Lock()
		if uint64(addr)+uint64(len(buf)) > 1<<32 {
			n, err = 0, ErrInvalidArgument
		} else if write {
			n, err = t.PDT.WriteVirtual(uintptr(addr), buf, true)
		} else {
			n, err = t.PDT.ReadVirtual(uintptr(addr), buf, true)
		}
		t.VMLock.Unlock()

		if err == nil {
			return
		}

		addr += uint32(n)
		buf = buf[n:]
		u.fault(Fault{Addr: addr, Write: write})
	}
}

// fault hands an unrecoverable fault to the registered exception handler,
// deregistering it, or kills the thread if none is registered.
func (u *User) fault(f Fault) {
	th := u.thread

	handler := th.Swexn
	if handler == nil {
		log.Warn("thread killed", "tid", th.ID, "addr", f.Addr, "write", f.Write)
		u.SetStatus(killStatus)
		u.Vanish()
		return
	}

	th.Swexn = nil
	handler.Fn(handler.Arg, f.Addr, f.Write)
}

// Args reads the program arguments from the entry stack frame laid out by
// exec.
func (u *User) Args() []string {
	sp := u.thread.Exec.SP
	argc := int(u.Load32(sp + 4))
	argv := u.Load32(sp + 8)

	args := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		args = append(args, u.LoadString(u.Load32(argv+uint32(4*i))))
	}
	return args
}

// LoadString reads a NUL terminated string from user memory.
func (u *User) LoadString(addr uint32) string {
	var (
		out []byte
		b   [1]byte
	)
	for ; ; addr++ {
		u.Load(addr, b[:])
		if b[0] == 0 {
			return string(out)
		}
		out = append(out, b[0])
	}
}

// StoreString writes s followed by a NUL terminator to user memory and
// returns the address just past the terminator.
func (u *User) StoreString(addr uint32, s string) uint32 {
	u.Store(addr, append([]byte(s), 0))
	return addr + uint32(len(s)) + 1
}

// StageExec lays out name and args at base in the format exec expects and
// returns the name and argument vector pointers. base must be writable user
// memory large enough to hold the strings and the vector.
func (u *User) StageExec(base uint32, name string, args []string) (namePtr, argvPtr uint32) {
	namePtr = base
	next := u.StoreString(namePtr, name)

	ptrs := make([]uint32, 0, len(args)+1)
	for _, arg := range args {
		ptrs = append(ptrs, next)
		next = u.StoreString(next, arg)
	}
	ptrs = append(ptrs, 0)

	argvPtr = (next + 3) &^ 3
	for i, p := range ptrs {
		u.Store32(argvPtr+uint32(4*i), p)
	}
	return namePtr, argvPtr
}

// copyIn reads kernel-validated user memory: every byte must be covered by
// a user region of the ledger and mapped. Unlike Load it never delivers a
// fault; it reports ErrInvalidArgument instead.
func (u *User) copyIn(addr uint32, buf []byte) *kernel.Error {
	return u.copyUser(addr, buf, false)
}

// copyOut is the writing counterpart of copyIn.
func (u *User) copyOut(addr uint32, buf []byte) *kernel.Error {
	return u.copyUser(addr, buf, true)
}

func (u *User) copyUser(addr uint32, buf []byte, write bool) *kernel.Error {
	t := u.task()
	perms := maps.PermUser
	if write {
		perms |= maps.PermWrite
	}

	t.VMLock.Lock()
	defer t.VMLock.Unlock()

	if !t.Maps.CheckRange(addr, uint32(len(buf)), perms) {
		return ErrInvalidArgument
	}

	var err *kernel.Error
	if write {
		_, err = t.PDT.WriteVirtual(uintptr(addr), buf, true)
	} else {
		_, err = t.PDT.ReadVirtual(uintptr(addr), buf, true)
	}
	if err != nil {
		return ErrInvalidArgument
	}
	return nil
}

// validateString reads the NUL terminated string at addr. The string must
// be non-empty and its terminator must lie within the first max bytes.
func (u *User) validateString(addr uint32, max int) (string, *kernel.Error) {
	var (
		out []byte
		b   [1]byte
	)

	for i := 0; i < max; i++ {
		if err := u.copyIn(addr+uint32(i), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			if i == 0 {
				return "", ErrInvalidArgument
			}
			return string(out), nil
		}
		out = append(out, b[0])
	}

	return "", ErrInvalidArgument
}

// validateWord checks that the word at addr is covered by a region carrying
// perms.
func (u *User) validateWord(addr uint32, perms maps.Perm) bool {
	t := u.task()
	t.VMLock.Lock()
	ok := t.Maps.CheckRange(addr, 4, perms)
	t.VMLock.Unlock()
	return ok
}
