package proc

import (
	"bytes"
	"errors"
	"fmt"
	"pebbles/kernel"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/loader"
	"pebbles/kernel/mm"
	"pebbles/kernel/mm/maps"
	"pebbles/kernel/mm/physmem"
	"pebbles/kernel/mm/pmm"
	"pebbles/kernel/mm/vmm"
	"pebbles/kernel/sched"
	"pebbles/kernel/task"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	scratch  = uint32(0x40000000)
	testWait = 5 * time.Second
)

type machine struct {
	frames       int
	kernelStacks int

	// pageTables bounds the table budget when positive.
	pageTables int

	programs map[string]Routine
}

func defaultMachine() machine {
	return machine{frames: 256, kernelStacks: -1}
}

// panicRecorder replaces panicFn for the duration of a test.
type panicRecorder struct {
	mu     sync.Mutex
	errors []interface{}
	hit    chan struct{}
}

func (r *panicRecorder) record(e interface{}) {
	r.mu.Lock()
	r.errors = append(r.errors, e)
	r.mu.Unlock()

	select {
	case r.hit <- struct{}{}:
	default:
	}
}

func (r *panicRecorder) get() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.errors...)
}

// setupMachine boots the memory subsystems, the control blocks and the
// scheduler, installs the test programs and returns the number of frames
// available after boot.
func setupMachine(t *testing.T, m machine) (int, *panicRecorder) {
	t.Helper()

	physmem.Init(mm.KernelRegionEnd, m.frames)
	pmm.Init(physmem.FirstFrame(), physmem.LastFrame())
	tableLimit := -1
	if m.pageTables > 0 {
		tableLimit = m.pageTables
	}
	if err := vmm.Init(vmm.Config{TableLimit: tableLimit}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task.Init(task.Config{KernelStacks: m.kernelStacks})
	sched.Init(OnSwitch)
	initTask = nil

	rec := &panicRecorder{hit: make(chan struct{}, 1)}
	origPanic := panicFn
	panicFn = rec.record
	t.Cleanup(func() { panicFn = origPanic })

	for name, main := range m.programs {
		installProgram(t, name, main)
	}
	return pmm.FreeCount(), rec
}

func installProgram(t *testing.T, name string, main Routine) {
	t.Helper()

	exe := loader.Build(name, []byte("\x90\x90\xc3"), []byte("rodata"), []byte("data"), 0x1800)
	if err := Install(exe, main); err != nil {
		t.Fatalf("unexpected error installing %q: %v", name, err)
	}
}

// runKernel boots a machine whose init program runs body and waits for body
// to finish and for the CPU to become idle.
func runKernel(t *testing.T, m machine, body func(u *User, available int)) {
	t.Helper()

	var available int
	done := make(chan struct{})
	if m.programs == nil {
		m.programs = map[string]Routine{}
	}
	m.programs["init"] = func(u *User) int {
		s := sched.Active()
		body(u, available)
		close(done)
		s.Yield(sched.Suspended)
		return 0
	}

	available, rec := setupMachine(t, m)
	s := sched.Active()
	if _, err := Boot("init", nil); err != nil {
		t.Fatalf("unexpected boot error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for the init program")
	}

	deadline := time.Now().Add(testWait)
	for s.Current() != nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the CPU to become idle")
		}
		runtime.Gosched()
	}

	if got := rec.get(); len(got) != 0 {
		t.Fatalf("unexpected kernel panics: %v", got)
	}
}

// frameBalance returns the free count plus every page mapped by a live
// address space. It is called from kernel threads.
func frameBalance() int {
	n := pmm.FreeCount()
	task.Visit(func(tk *task.Task) bool {
		n += tk.PDT.MappedPages()
		return true
	})
	return n
}

func mustNewPages(t *testing.T, u *User, base, length uint32) {
	if err := u.NewPages(base, length); err != nil {
		t.Errorf("unexpected new_pages error: %v", err)
	}
}

func sameErr(got error, exp *kernel.Error) bool {
	if exp == nil {
		return got == nil
	}
	return got == error(exp)
}

func TestExecVanishScenario(t *testing.T) {
	m := defaultMachine()
	m.programs = map[string]Routine{
		"exit42": func(*User) int { return 42 },
	}

	runKernel(t, m, func(u *User, available int) {
		mustNewPages(t, u, scratch, uint32(mm.PageSize))

		childID, err := u.Fork(func(c *User) int {
			namePtr, argvPtr := c.StageExec(scratch, "exit42", []string{"exit42"})
			err := c.Exec(namePtr, argvPtr)
			t.Errorf("expected exec not to return; got %v", err)
			return -1
		})
		if err != nil {
			t.Errorf("unexpected fork error: %v", err)
			return
		}

		statusPtr := scratch + 0x800
		id, err := u.Wait(statusPtr)
		if err != nil || id != childID {
			t.Errorf("expected wait to return child %d; got %d (%v)", childID, id, err)
		}
		if status := int32(u.Load32(statusPtr)); status != 42 {
			t.Errorf("expected exit status 42; got %d", status)
		}

		if _, err := u.Wait(0); !sameErr(err, ErrNoChildren) {
			t.Errorf("expected ErrNoChildren; got %v", err)
		}

		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestNewPagesOverlapScenario(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, available int) {
		mustNewPages(t, u, 0x2000000, 0x2000)
		before := pmm.FreeCount()

		if err := u.NewPages(0x2000000, 0x1000); !sameErr(err, maps.ErrOverlap) {
			t.Errorf("expected an overlap error; got %v", err)
		}
		if got := pmm.FreeCount(); got != before {
			t.Errorf("expected free count %d after the failed call; got %d", before, got)
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestNewRemovePages(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, available int) {
		header, _ := loader.ElfLoadHelper("init")
		before := pmm.FreeCount()

		newSpecs := []struct {
			base, length uint32
			expErr       *kernel.Error
		}{
			{0x2000100, 0x1000, ErrInvalidArgument},
			{0x2000000, 0, ErrInvalidArgument},
			{0x2000000, 0x1800, ErrInvalidArgument},
			{0xfffff000, 0x2000, ErrInvalidArgument},
			{0x1000, 0x1000, maps.ErrOverlap},
			{header.TextStart, 0x1000, maps.ErrOverlap},
			{loader.UserStackLow, 0x1000, maps.ErrOverlap},
			{0x3000000, uint32(before+1) << mm.PageShift, vmm.ErrOutOfMemory},
		}

		for specIndex, spec := range newSpecs {
			if err := u.NewPages(spec.base, spec.length); !sameErr(err, spec.expErr) {
				t.Errorf("[new spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
			if got := pmm.FreeCount(); got != before {
				t.Errorf("[new spec %d] expected free count %d; got %d", specIndex, before, got)
			}
		}

		mustNewPages(t, u, 0x2000000, 0x3000)
		if exp, got := before-3, pmm.FreeCount(); got != exp {
			t.Errorf("expected new_pages to reserve 3 frames: free count %d, want %d", got, exp)
		}

		// Zero-fill on read, private frame on write.
		if v := u.Load32(0x2001000); v != 0 {
			t.Errorf("expected fresh pages to read as zero; got %#x", v)
		}
		u.Store32(0x2001004, 0xcafe)
		if v := u.Load32(0x2001004); v != 0xcafe {
			t.Errorf("expected to read back the stored word; got %#x", v)
		}

		removeSpecs := []struct {
			base   uint32
			expErr *kernel.Error
		}{
			{0x2001000, maps.ErrNotFound},
			{0x5000000, maps.ErrNotFound},
			{header.TextStart, maps.ErrNotRemovable},
			{loader.UserStackLow, maps.ErrNotRemovable},
		}
		for specIndex, spec := range removeSpecs {
			if err := u.RemovePages(spec.base); !sameErr(err, spec.expErr) {
				t.Errorf("[remove spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
			if exp, got := before-3, pmm.FreeCount(); got != exp {
				t.Errorf("[remove spec %d] expected free count %d; got %d", specIndex, exp, got)
			}
		}

		if err := u.RemovePages(0x2000000); err != nil {
			t.Errorf("unexpected remove_pages error: %v", err)
		}
		if got := pmm.FreeCount(); got != before {
			t.Errorf("expected remove_pages to restore the free count to %d; got %d", before, got)
		}
		if _, found := u.task().Maps.Find(0x2000000, 0x2002fff); found {
			t.Error("expected the region to leave the ledger")
		}
		if err := u.RemovePages(0x2000000); !sameErr(err, maps.ErrNotFound) {
			t.Errorf("expected a second remove_pages to fail; got %v", err)
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestNewPagesRollback(t *testing.T) {
	var booted int
	runKernel(t, defaultMachine(), func(*User, int) {
		booted = vmm.TablesInUse()
	})

	m := defaultMachine()
	m.pageTables = booted
	runKernel(t, m, func(u *User, available int) {
		tk := u.task()
		regions, mapped, before := tk.Maps.Len(), tk.PDT.MappedPages(), pmm.FreeCount()

		specs := []struct {
			base, length uint32
			expErr       *kernel.Error
		}{
			// The second page needs a table the budget cannot pay for.
			{0x13ff000, 0x2000, vmm.ErrOutOfMemory},
			{scratch, 0x1000, vmm.ErrOutOfMemory},
			{0x1100000, uint32(before+1) << mm.PageShift, vmm.ErrOutOfMemory},
			{0x1000, 0x1000, maps.ErrOverlap},
		}

		for specIndex, spec := range specs {
			if err := u.NewPages(spec.base, spec.length); !sameErr(err, spec.expErr) {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
			if tk.Maps.Len() != regions || tk.PDT.MappedPages() != mapped || pmm.FreeCount() != before {
				t.Errorf("[spec %d] expected a failed new_pages to leave the task untouched", specIndex)
			}
			if _, found := tk.PDT.Entry(uintptr(spec.base)); found && spec.base != 0x1000 {
				t.Errorf("[spec %d] expected %#x to stay unmapped", specIndex, spec.base)
			}
		}

		// Pages inside a slot that already has a table still work.
		mustNewPages(t, u, 0x13ff000, 0x1000)
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestWaitReturnsEachChildOnce(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, available int) {
		var (
			mu        sync.Mutex
			kids      []int
			collected []int
		)

		parentID, err := u.Fork(func(p *User) int {
			for i := 0; i < 2; i++ {
				kid, err := p.Fork(func(k *User) int {
					gc, err := k.Fork(func(*User) int { return 7 })
					if err != nil {
						t.Errorf("unexpected fork error: %v", err)
						return -1
					}
					if id, err := k.Wait(0); err != nil || id != gc {
						t.Errorf("expected to collect grandchild %d; got %d (%v)", gc, id, err)
					}
					return 1
				})
				if err != nil {
					t.Errorf("unexpected fork error: %v", err)
					return -1
				}
				mu.Lock()
				kids = append(kids, kid)
				mu.Unlock()
			}

			for {
				id, err := p.Wait(0)
				if err != nil {
					if !sameErr(err, ErrNoChildren) {
						t.Errorf("expected ErrNoChildren; got %v", err)
					}
					return 0
				}
				mu.Lock()
				collected = append(collected, id)
				mu.Unlock()
			}
		})
		if err != nil {
			t.Errorf("unexpected fork error: %v", err)
			return
		}

		if id, err := u.Wait(0); err != nil || id != parentID {
			t.Errorf("expected to collect %d; got %d (%v)", parentID, id, err)
		}

		sort.Ints(kids)
		sort.Ints(collected)
		if len(kids) != 2 || len(collected) != 2 || kids[0] != collected[0] || kids[1] != collected[1] {
			t.Errorf("expected to collect exactly the children %v; got %v", kids, collected)
		}

		if got := task.Tasks(); got != 1 {
			t.Errorf("expected only the init task to remain; got %d tasks", got)
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestZombieLag(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, available int) {
		var ids []int
		for status := 1; status <= 3; status++ {
			status := status
			id, err := u.Fork(func(*User) int { return status })
			if err != nil {
				t.Errorf("unexpected fork error: %v", err)
				return
			}
			ids = append(ids, id)
		}

		// Let every child run to completion.
		for tk := u.task(); ; {
			tk.WaitLock.Lock()
			zombies := tk.Zombies.Len()
			tk.WaitLock.Unlock()
			if zombies == 3 {
				break
			}
			_ = u.Yield(-1)
		}

		// Every zombie but the last has been cleared by its successor.
		var mapped []int
		u.task().Zombies.Each(func(z *task.Task) bool {
			mapped = append(mapped, z.PDT.MappedPages())
			return true
		})
		if len(mapped) != 3 || mapped[0] != 0 || mapped[1] != 0 || mapped[2] == 0 {
			t.Errorf("expected only the newest zombie to keep its pages; got %v", mapped)
		}

		statusPtr := scratch
		mustNewPages(t, u, scratch, uint32(mm.PageSize))
		for i, exp := range ids {
			id, err := u.Wait(statusPtr)
			if err != nil || id != exp {
				t.Errorf("expected wait to return %d; got %d (%v)", exp, id, err)
			}
			if status := int(u.Load32(statusPtr)); status != i+1 {
				t.Errorf("expected status %d; got %d", i+1, status)
			}
		}

		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestCopyOnForkRoundTrip(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, available int) {
		mustNewPages(t, u, scratch, 2*uint32(mm.PageSize))
		u.Store32(scratch, 0x1111)

		childID, err := u.Fork(func(c *User) int {
			if v := c.Load32(scratch); v != 0x1111 {
				t.Errorf("expected the child to see the parent's word; got %#x", v)
			}
			if v := c.Load32(scratch + uint32(mm.PageSize)); v != 0 {
				t.Errorf("expected the untouched page to read as zero; got %#x", v)
			}
			if vmm.Active() != c.task().PDT {
				t.Error("expected the child's directory to be active")
			}

			c.Store32(scratch, 0x2222)
			c.Store32(scratch+uint32(mm.PageSize), 0x3333)
			return 0
		})
		if err != nil {
			t.Errorf("unexpected fork error: %v", err)
			return
		}

		u.Store32(scratch+uint32(mm.PageSize)+4, 0x4444)
		if id, err := u.Wait(0); err != nil || id != childID {
			t.Errorf("expected to collect %d; got %d (%v)", childID, id, err)
		}

		if v := u.Load32(scratch); v != 0x1111 {
			t.Errorf("expected the parent's word to survive the child's write; got %#x", v)
		}
		if v := u.Load32(scratch + uint32(mm.PageSize)); v != 0 {
			t.Errorf("expected the parent's zero page to survive the child's write; got %#x", v)
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestForkOutOfMemory(t *testing.T) {
	m := defaultMachine()
	m.frames = 64

	runKernel(t, m, func(u *User, available int) {
		pages := pmm.FreeCount()/2 + 1
		mustNewPages(t, u, scratch, uint32(pages)<<mm.PageShift)

		tasks, stacks, tables, free := task.Tasks(), task.StacksInUse(), vmm.TablesInUse(), pmm.FreeCount()
		if _, err := u.Fork(func(*User) int { return 0 }); !sameErr(err, vmm.ErrOutOfMemory) {
			t.Errorf("expected ErrOutOfMemory; got %v", err)
		}

		if task.Tasks() != tasks || task.StacksInUse() != stacks || vmm.TablesInUse() != tables || pmm.FreeCount() != free {
			t.Error("expected a failed fork to release everything it built")
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
		if _, err := u.Wait(0); !sameErr(err, ErrNoChildren) {
			t.Errorf("expected no child to be registered; got %v", err)
		}
	})
}

func TestMultithreadedTask(t *testing.T) {
	m := defaultMachine()
	m.kernelStacks = 2
	m.programs = map[string]Routine{"exit42": func(*User) int { return 42 }}

	runKernel(t, m, func(u *User, available int) {
		mustNewPages(t, u, scratch, uint32(mm.PageSize))
		tk := u.task()

		workerID, err := u.ThreadFork(func(w *User) int {
			if err := w.Deschedule(scratch); err != nil {
				t.Errorf("unexpected deschedule error: %v", err)
			}
			return 0
		})
		if err != nil {
			t.Errorf("unexpected thread_fork error: %v", err)
			return
		}
		_ = u.Yield(-1)

		if th := task.LookupThread(workerID); th == nil || th.Ctx.Status() != sched.Suspended {
			t.Error("expected the worker to be suspended")
		}

		if _, err := u.ThreadFork(func(*User) int { return 0 }); !sameErr(err, task.ErrNoKernelStack) {
			t.Errorf("expected ErrNoKernelStack; got %v", err)
		}

		regions, mapped, balance := tk.Maps.Len(), tk.PDT.MappedPages(), frameBalance()
		if _, err := u.Fork(func(*User) int { return 0 }); !sameErr(err, ErrMultithreaded) {
			t.Errorf("expected fork to fail with ErrMultithreaded; got %v", err)
		}

		namePtr, argvPtr := u.StageExec(scratch+0x100, "exit42", nil)
		if err := u.Exec(namePtr, argvPtr); !sameErr(err, ErrMultithreaded) {
			t.Errorf("expected exec to fail with ErrMultithreaded; got %v", err)
		}
		if tk.Maps.Len() != regions || tk.PDT.MappedPages() != mapped || frameBalance() != balance || liveThreads(tk) != 2 {
			t.Error("expected failed fork and exec to leave the task unchanged")
		}

		if err := u.MakeRunnable(workerID); err != nil {
			t.Errorf("unexpected make_runnable error: %v", err)
		}
		if err := u.MakeRunnable(workerID); !sameErr(err, ErrNoSuchThread) {
			t.Errorf("expected a runnable thread to be rejected; got %v", err)
		}
		for liveThreads(tk) != 1 {
			_ = u.Yield(-1)
		}

		// The zombie worker still holds its kernel stack until reaped.
		if _, err := u.Fork(func(*User) int { return 0 }); !sameErr(err, task.ErrNoKernelStack) {
			t.Errorf("expected fork to run out of kernel stacks; got %v", err)
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}

		id, err := u.ThreadFork(func(*User) int { return 0 })
		if err != nil {
			t.Errorf("expected thread_fork to reap the zombie worker; got %v", err)
		}
		if task.LookupThread(workerID) != nil {
			t.Error("expected the worker to be reaped")
		}
		for task.LookupThread(id).Ctx.Status() != sched.Zombie {
			_ = u.Yield(-1)
		}
	})
}

func TestDeschedule(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, _ int) {
		mustNewPages(t, u, scratch, uint32(mm.PageSize))
		me := u.GetTID()

		u.Store32(scratch, 1)
		if err := u.Deschedule(scratch); err != nil {
			t.Errorf("expected a non-zero reject word to return at once; got %v", err)
		}

		specs := []uint32{0, 0x1000, 0x30000000}
		for specIndex, ptr := range specs {
			if err := u.Deschedule(ptr); !sameErr(err, ErrInvalidArgument) {
				t.Errorf("[spec %d] expected ErrInvalidArgument; got %v", specIndex, err)
			}
		}

		u.Store32(scratch, 0)
		var woken bool
		_, err := u.ThreadFork(func(w *User) int {
			woken = true
			if err := w.MakeRunnable(me); err != nil {
				t.Errorf("unexpected make_runnable error: %v", err)
			}
			return 0
		})
		if err != nil {
			t.Errorf("unexpected thread_fork error: %v", err)
		}

		if err := u.Deschedule(scratch); err != nil || !woken {
			t.Errorf("expected to be woken by the worker; got %v", err)
		}
		if err := u.MakeRunnable(12345); !sameErr(err, ErrNoSuchThread) {
			t.Errorf("expected ErrNoSuchThread; got %v", err)
		}
	})
}

func TestOrphans(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, available int) {
		mustNewPages(t, u, scratch, uint32(mm.PageSize))

		var sleeper, quick int
		middle, err := u.Fork(func(p *User) int {
			var err error
			sleeper, err = p.Fork(func(c *User) int {
				_ = c.Deschedule(scratch)
				return 1
			})
			if err != nil {
				t.Errorf("unexpected fork error: %v", err)
			}
			quick, err = p.Fork(func(*User) int { return 2 })
			if err != nil {
				t.Errorf("unexpected fork error: %v", err)
			}

			for {
				p.task().WaitLock.Lock()
				zombies := p.task().Zombies.Len()
				p.task().WaitLock.Unlock()
				if zombies == 1 {
					return 3
				}
				_ = p.Yield(-1)
			}
		})
		if err != nil {
			t.Errorf("unexpected fork error: %v", err)
			return
		}

		statuses := map[int]int{}
		statusPtr := scratch + 0x10
		for i := 0; i < 2; i++ {
			id, err := u.Wait(statusPtr)
			if err != nil {
				t.Errorf("unexpected wait error: %v", err)
				return
			}
			statuses[id] = int(u.Load32(statusPtr))
		}

		if th := task.LookupThread(sleeper); th == nil || th.Task.Parent != u.task() {
			t.Error("expected the live orphan to be adopted by init")
		}
		if err := u.MakeRunnable(sleeper); err != nil {
			t.Errorf("unexpected make_runnable error: %v", err)
		}

		id, err := u.Wait(statusPtr)
		if err != nil {
			t.Errorf("unexpected wait error: %v", err)
		}
		statuses[id] = int(u.Load32(statusPtr))

		exp := map[int]int{middle: 3, quick: 2, sleeper: 1}
		if len(statuses) != len(exp) {
			t.Errorf("expected statuses %v; got %v", exp, statuses)
		}
		for id, status := range exp {
			if statuses[id] != status {
				t.Errorf("expected task %d to exit with %d; got %v", id, status, statuses)
			}
		}

		if _, err := u.Wait(0); !sameErr(err, ErrNoChildren) {
			t.Errorf("expected every orphan to be collected exactly once; got %v", err)
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestExec(t *testing.T) {
	m := defaultMachine()
	var gotArgs []string
	m.programs = map[string]Routine{
		"echo": func(e *User) int {
			gotArgs = e.Args()
			if e.thread.Exec.SP != loader.UserStackStart {
				t.Errorf("expected the stack pointer at %#x; got %#x", loader.UserStackStart, e.thread.Exec.SP)
			}
			if _, found := e.task().Maps.Find(scratch, scratch); found {
				t.Error("expected the old image to be gone")
			}
			if high := e.Load32(loader.UserStackStart + 12); high != loader.UserStackLow+loader.UserStackSize {
				t.Errorf("expected the stack high bound on the entry frame; got %#x", high)
			}
			return len(gotArgs)
		},
	}

	runKernel(t, m, func(u *User, available int) {
		mustNewPages(t, u, scratch, uint32(mm.PageSize))

		id, err := u.Fork(func(c *User) int {
			namePtr, argvPtr := c.StageExec(scratch, "echo", []string{"echo", "a", "bc"})
			_ = c.Exec(namePtr, argvPtr)
			return -1
		})
		if err != nil {
			t.Errorf("unexpected fork error: %v", err)
			return
		}

		if got, err := u.Wait(scratch + 0x800); err != nil || got != id {
			t.Errorf("expected to collect %d; got %d (%v)", id, got, err)
		}
		if status := u.Load32(scratch + 0x800); status != 3 {
			t.Errorf("expected status 3; got %d", status)
		}
		if len(gotArgs) != 3 || gotArgs[0] != "echo" || gotArgs[1] != "a" || gotArgs[2] != "bc" {
			t.Errorf("expected args [echo a bc]; got %v", gotArgs)
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestExecValidation(t *testing.T) {
	m := defaultMachine()
	m.programs = map[string]Routine{"echo": func(*User) int { return 0 }}

	long := func(n int) string {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = 'x'
		}
		return string(buf)
	}

	many := make([]string, MaxArgs+1)
	for i := range many {
		many[i] = "a"
	}

	runKernel(t, m, func(u *User, _ int) {
		mustNewPages(t, u, scratch, uint32(mm.PageSize))
		tk := u.task()
		regions, mapped, balance := tk.Maps.Len(), tk.PDT.MappedPages(), frameBalance()

		specs := []struct {
			name   string
			args   []string
			stage  bool
			name32 uint32
			argv32 uint32
			expErr *kernel.Error
		}{
			{name: "missing", stage: true, args: []string{"x"}, expErr: loader.ErrNotFound},
			{name: "echo", stage: true, args: many, expErr: ErrInvalidArgument},
			{name: "echo", stage: true, args: []string{long(MaxArgBytes)}, expErr: ErrInvalidArgument},
			{name: "echo", stage: true, args: []string{long(50), long(50), long(50)}, expErr: ErrInvalidArgument},
			{name: "echo", stage: true, args: []string{""}, expErr: ErrInvalidArgument},
			{name: long(loader.MaxNameLen), stage: true, expErr: ErrInvalidArgument},
			{name: "", stage: true, expErr: ErrInvalidArgument},
			{name32: 0x30000000, expErr: ErrInvalidArgument},
			{name32: 0x1000, expErr: ErrInvalidArgument},
			{name32: scratch, argv32: 0x30000000, expErr: ErrInvalidArgument},
		}

		for specIndex, spec := range specs {
			namePtr, argvPtr := spec.name32, spec.argv32
			if spec.stage {
				namePtr, argvPtr = u.StageExec(scratch, spec.name, spec.args)
			}

			if err := u.Exec(namePtr, argvPtr); !sameErr(err, spec.expErr) {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
		}

		if tk.Maps.Len() != regions || tk.PDT.MappedPages() != mapped || frameBalance() != balance {
			t.Error("expected failed execs to leave the image untouched")
		}
	})
}

func TestExecAtLimits(t *testing.T) {
	m := defaultMachine()
	var gotArgs []string
	m.programs = map[string]Routine{
		"echo": func(e *User) int {
			gotArgs = e.Args()
			return len(gotArgs)
		},
	}

	repeat := func(n int, b byte) string {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = b
		}
		return string(buf)
	}

	full := make([]string, MaxArgs)
	for i := range full {
		full[i] = repeat(MaxArgBytes/MaxArgs, byte('a'+i))
	}

	runKernel(t, m, func(u *User, available int) {
		mustNewPages(t, u, scratch, uint32(mm.PageSize))

		specs := []struct {
			args []string
		}{
			{full},
			{[]string{repeat(MaxArgBytes-1, 'z')}},
			{nil},
		}

		for specIndex, spec := range specs {
			args := spec.args
			id, err := u.Fork(func(c *User) int {
				namePtr, argvPtr := c.StageExec(scratch, "echo", args)
				_ = c.Exec(namePtr, argvPtr)
				return -1
			})
			if err != nil {
				t.Errorf("[spec %d] unexpected fork error: %v", specIndex, err)
				continue
			}

			if got, err := u.Wait(scratch + 0xc00); err != nil || got != id {
				t.Errorf("[spec %d] expected to collect %d; got %d (%v)", specIndex, id, got, err)
			}
			if exp, status := len(args), int32(u.Load32(scratch+0xc00)); status != int32(exp) {
				t.Errorf("[spec %d] expected status %d; got %d", specIndex, exp, status)
			}
			if len(gotArgs) != len(args) {
				t.Errorf("[spec %d] expected %d args; got %d", specIndex, len(args), len(gotArgs))
				continue
			}
			for i := range args {
				if gotArgs[i] != args[i] {
					t.Errorf("[spec %d] expected arg %d to be %q; got %q", specIndex, i, args[i], gotArgs[i])
				}
			}
		}

		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestExecOutOfMemoryKills(t *testing.T) {
	var ran bool

	runKernel(t, defaultMachine(), func(u *User, available int) {
		// The bss alone needs more frames than the machine has.
		huge := loader.Build("huge", []byte{0xc3}, nil, nil, uint32(available+1)<<mm.PageShift)
		if err := Install(huge, func(*User) int { ran = true; return 0 }); err != nil {
			t.Errorf("unexpected error installing huge: %v", err)
			return
		}
		defer loader.Unregister("huge")

		mustNewPages(t, u, scratch, uint32(mm.PageSize))

		id, err := u.Fork(func(c *User) int {
			namePtr, argvPtr := c.StageExec(scratch, "huge", []string{"huge"})
			_ = c.Exec(namePtr, argvPtr)
			return -1
		})
		if err != nil {
			t.Errorf("unexpected fork error: %v", err)
			return
		}

		if got, err := u.Wait(scratch + 0xc00); err != nil || got != id {
			t.Errorf("expected to collect %d; got %d (%v)", id, got, err)
		}
		if status := int32(u.Load32(scratch + 0xc00)); status != killStatus {
			t.Errorf("expected the task to be killed with status %d; got %d", killStatus, status)
		}
		if ran {
			t.Error("expected the program not to run")
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestPrint(t *testing.T) {
	var out bytes.Buffer
	prevSink := kfmt.GetOutputSink()
	kfmt.SetOutputSink(&out)
	defer kfmt.SetOutputSink(prevSink)

	var tid int
	runKernel(t, defaultMachine(), func(u *User, _ int) {
		mustNewPages(t, u, scratch, uint32(mm.PageSize))
		tid = u.GetTID()
		u.Store(scratch, []byte("one\ntwo\n"))

		specs := []struct {
			addr   uint32
			length int
			expErr *kernel.Error
		}{
			{scratch, 4, nil},
			{scratch + 4, 3, nil},
			{scratch, 0, nil},
			{scratch + 0xf00, 0x200, ErrInvalidArgument},
			{0x30000000, 1, ErrInvalidArgument},
			{0x1000, 1, ErrInvalidArgument},
			{scratch, -1, ErrInvalidArgument},
			{scratch, MaxPrintLen + 1, ErrInvalidArgument},
			{scratch + 7, 1, nil},
		}

		for specIndex, spec := range specs {
			if err := u.Print(spec.addr, spec.length); !sameErr(err, spec.expErr) {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
		}
	})

	kfmt.SetOutputSink(prevSink)
	exp := fmt.Sprintf("[tid %d] one\n[tid %d] two\n", tid, tid)
	if got := out.String(); !strings.Contains(got, exp) {
		t.Errorf("expected console output to contain %q; got %q", exp, got)
	}
}

func TestResultCodes(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, available int) {
		var noErr *kernel.Error

		specs := []struct {
			call func() error
			exp  int
		}{
			{func() error { return nil }, 0},
			{func() error { return noErr }, 0},
			{func() error { return u.NewPages(scratch+1, uint32(mm.PageSize)) }, -3},
			{func() error { return u.Sleep(-1) }, -3},
			{func() error { return u.NewPages(scratch, uint32(available+1)<<mm.PageShift) }, -2},
			{func() error { _, err := u.Wait(0); return err }, -4},
			{func() error { return errors.New("not a kernel error") }, -1},
		}

		for specIndex, spec := range specs {
			if got := Result(spec.call()); got != spec.exp {
				t.Errorf("[spec %d] expected result %d; got %d", specIndex, spec.exp, got)
			}
		}
	})
}

func TestUserFaults(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, available int) {
		mustNewPages(t, u, scratch, uint32(mm.PageSize))
		header, _ := loader.ElfLoadHelper("init")

		specs := []struct {
			name string
			body Routine
			exp  int32
		}{
			{"unmapped read", func(c *User) int { c.Load32(0x30000000); return 0 }, killStatus},
			{"kernel read", func(c *User) int { c.Load32(0x1000); return 0 }, killStatus},
			{"text write", func(c *User) int { c.Store32(header.TextStart, 1); return 0 }, killStatus},
			{"window read", func(c *User) int { c.Load32(uint32(vmm.WindowAddr)); return 0 }, killStatus},
			{"rodata read", func(c *User) int {
				var buf [6]byte
				c.Load(header.RodataStart, buf[:])
				if string(buf[:]) != "rodata" {
					return 1
				}
				return 5
			}, 5},
			{"swexn recovery", func(c *User) int {
				err := c.Swexn(scratch+uint32(mm.PageSize), func(h *User, arg uint32, f Fault) {
					if f.Addr != 0x50000000 || !f.Write || arg != 9 {
						t.Errorf("unexpected fault %+v (arg %d)", f, arg)
					}
					_ = h.NewPages(0x50000000, uint32(mm.PageSize))
				}, 9)
				if err != nil {
					return 1
				}
				c.Store32(0x50000000, 6)
				return int(c.Load32(0x50000000))
			}, 6},
			{"swexn delivered once", func(c *User) int {
				_ = c.Swexn(scratch+uint32(mm.PageSize), func(*User, uint32, Fault) {}, 0)
				c.Load32(0x30000000)
				return 0
			}, killStatus},
		}

		for _, spec := range specs {
			id, err := u.Fork(spec.body)
			if err != nil {
				t.Errorf("[%s] unexpected fork error: %v", spec.name, err)
				continue
			}
			got, err := u.Wait(scratch)
			if err != nil || got != id {
				t.Errorf("[%s] expected to collect %d; got %d (%v)", spec.name, id, got, err)
			}
			if status := int32(u.Load32(scratch)); status != spec.exp {
				t.Errorf("[%s] expected status %d; got %d", spec.name, spec.exp, status)
			}
		}

		if err := u.Swexn(0x30000000, func(*User, uint32, Fault) {}, 0); !sameErr(err, ErrInvalidArgument) {
			t.Errorf("expected an unmapped exception stack to be rejected; got %v", err)
		}
		if got := frameBalance(); got != available {
			t.Errorf("expected frame balance %d; got %d", available, got)
		}
	})
}

func TestWaitValidation(t *testing.T) {
	runKernel(t, defaultMachine(), func(u *User, _ int) {
		header, _ := loader.ElfLoadHelper("init")

		specs := []uint32{0x1000, 0x30000000, header.TextStart, header.RodataStart}
		for specIndex, ptr := range specs {
			if _, err := u.Wait(ptr); !sameErr(err, ErrInvalidArgument) {
				t.Errorf("[spec %d] expected ErrInvalidArgument; got %v", specIndex, err)
			}
		}
	})
}

func TestYieldSleepTicks(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)

	m := defaultMachine()
	runKernel(t, m, func(u *User, _ int) {
		s := sched.Active()
		go func() {
			for {
				select {
				case <-stop:
					return
				case <-time.After(time.Millisecond):
					s.Tick()
				}
			}
		}()

		if err := u.Sleep(-1); !sameErr(err, ErrInvalidArgument) {
			t.Errorf("expected a negative sleep to fail; got %v", err)
		}
		if err := u.Sleep(0); err != nil {
			t.Errorf("unexpected error: %v", err)
		}

		start := u.GetTicks()
		if err := u.Sleep(3); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if now := u.GetTicks(); now < start+3 {
			t.Errorf("expected at least 3 ticks to pass; got %d", now-start)
		}

		specs := []struct {
			tid    int
			expErr *kernel.Error
		}{
			{-2, ErrInvalidArgument},
			{-1, nil},
			{u.GetTID(), nil},
			{4242, ErrNoSuchThread},
		}
		for specIndex, spec := range specs {
			if err := u.Yield(spec.tid); !sameErr(err, spec.expErr) {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
		}

		var order []string
		id, err := u.ThreadFork(func(*User) int {
			order = append(order, "worker")
			return 0
		})
		if err != nil {
			t.Errorf("unexpected thread_fork error: %v", err)
			return
		}
		if err := u.Yield(id); err != nil {
			t.Errorf("unexpected yield error: %v", err)
		}
		order = append(order, "init")
		if len(order) != 2 || order[0] != "worker" {
			t.Errorf("expected the worker to run first; got %v", order)
		}
	})
}

func TestHalt(t *testing.T) {
	var halted bool
	origHalt := haltFn
	haltFn = func() { halted = true }
	defer func() { haltFn = origHalt }()

	runKernel(t, defaultMachine(), func(u *User, _ int) {
		u.Halt()
	})

	if !halted {
		t.Fatal("expected halt to stop the machine")
	}
}

func TestInitVanishPanics(t *testing.T) {
	_, rec := setupMachine(t, machine{
		frames:       64,
		kernelStacks: -1,
		programs:     map[string]Routine{"init": func(*User) int { return 0 }},
	})

	if _, err := Boot("init", nil); err != nil {
		t.Fatalf("unexpected boot error: %v", err)
	}

	select {
	case <-rec.hit:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for the kernel panic")
	}
	if got := rec.get(); len(got) != 1 || got[0] != errInitVanished {
		t.Fatalf("expected errInitVanished; got %v", got)
	}
}

func TestBootErrors(t *testing.T) {
	setupMachine(t, machine{frames: 8, kernelStacks: -1, programs: map[string]Routine{
		"init": func(*User) int { return 0 },
	}})

	if _, err := Boot("missing", nil); err != loader.ErrNotFound {
		t.Fatalf("expected loader.ErrNotFound; got %v", err)
	}

	free := pmm.FreeCount()
	if _, err := Boot("init", nil); err != vmm.ErrOutOfMemory {
		t.Fatalf("expected vmm.ErrOutOfMemory; got %v", err)
	}
	if task.Tasks() != 0 || pmm.FreeCount() != free || Init() != nil {
		t.Fatal("expected a failed boot to release the init task")
	}
}
