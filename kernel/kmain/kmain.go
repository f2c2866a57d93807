// Package kmain boots the simulated machine: it brings up the memory and
// process subsystems in dependency order, starts the init program and then
// drives the timer until the CPU halts.
package kmain

import (
	"context"
	"pebbles/kernel"
	"pebbles/kernel/cpu"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/mm"
	"pebbles/kernel/mm/physmem"
	"pebbles/kernel/mm/pmm"
	"pebbles/kernel/mm/vmm"
	"pebbles/kernel/proc"
	"pebbles/kernel/sched"
	"pebbles/kernel/task"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	log = kfmt.Logger("kmain")

	errMachineHalted = &kernel.Error{Module: "kmain", Message: "machine halted"}
)

// Kmain initialises every subsystem, boots cfg.Init and runs the machine.
// It returns nil once a program halts the CPU and ctx.Err() if ctx is
// cancelled first. Boot failures are returned unchanged.
func Kmain(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	kfmt.SetLogLevel(cfg.LogLevel)
	cpu.Init()
	physmem.Init(mm.KernelRegionEnd, cfg.MachineFrames)
	pmm.Init(physmem.FirstFrame(), physmem.LastFrame())

	var err *kernel.Error
	if err = vmm.Init(vmm.Config{TableLimit: cfg.PageTables}); err != nil {
		return err
	}

	task.Init(task.Config{KernelStacks: cfg.KernelStacks})
	s := sched.Init(proc.OnSwitch)

	if _, err = proc.Boot(cfg.Init, cfg.InitArgs); err != nil {
		return err
	}

	log.Info("machine running", "frames", cfg.MachineFrames, "free", pmm.FreeCount(), "init", cfg.Init)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runTimer(gctx, s, time.Duration(cfg.TickMillis)*time.Millisecond)
	})
	g.Go(func() error {
		select {
		case <-cpu.Halted():
			return errMachineHalted
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	if runErr := g.Wait(); runErr != errMachineHalted {
		return runErr
	}

	log.Info("machine halted", "ticks", s.Ticks(), "free", pmm.FreeCount(), "tasks", task.Tasks())
	return nil
}

// runTimer delivers a timer interrupt to s every period until ctx is done.
func runTimer(ctx context.Context, s *sched.Scheduler, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
