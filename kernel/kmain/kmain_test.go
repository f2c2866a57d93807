package kmain

import (
	"context"
	"pebbles/kernel/loader"
	"pebbles/kernel/mm/pmm"
	"pebbles/kernel/proc"
	"pebbles/kernel/sched"
	"strings"
	"testing"
	"time"
)

const testWait = 5 * time.Second

func install(t *testing.T, name string, main proc.Routine) {
	t.Helper()

	// Detach from the scheduler left behind by a previous boot.
	sched.Init(nil)

	exe := loader.Build(name, []byte("\x90\xc3"), nil, []byte("data"), 0x800)
	if err := proc.Install(exe, main); err != nil {
		t.Fatalf("unexpected error installing %q: %v", name, err)
	}
	t.Cleanup(func() { loader.Unregister(name) })
}

func testConfig(name string) Config {
	cfg := DefaultConfig()
	cfg.MachineFrames = 128
	cfg.TickMillis = 1
	cfg.LogLevel = "error"
	cfg.Init = name
	cfg.InitArgs = []string{name}
	return cfg
}

func runKmain(t *testing.T, ctx context.Context, cfg Config) error {
	t.Helper()

	res := make(chan error, 1)
	go func() { res <- Kmain(ctx, cfg) }()

	select {
	case err := <-res:
		return err
	case <-time.After(testWait):
		t.Fatal("timed out waiting for Kmain to return")
	}
	return nil
}

func TestKmainRunsInitUntilHalt(t *testing.T) {
	const scratch = 0x40000000

	var (
		childID, collected, status int
		ticked                     bool
		free                       int
	)

	install(t, "kmain-init", func(u *proc.User) int {
		if err := u.NewPages(scratch, 4096); err != nil {
			t.Errorf("unexpected error: %v", err)
		}

		childID, _ = u.Fork(func(*proc.User) int { return 7 })

		var err error
		if collected, err = u.Wait(scratch); err != nil {
			t.Errorf("unexpected wait error: %v", err)
		}
		status = int(int32(u.Load32(scratch)))

		start := u.GetTicks()
		_ = u.Sleep(2)
		ticked = u.GetTicks() >= start+2

		free = pmm.FreeCount()
		u.Halt()
		return 0
	})

	if err := runKmain(t, context.Background(), testConfig("kmain-init")); err != nil {
		t.Fatalf("expected Kmain to return nil after a halt; got %v", err)
	}

	if collected != childID || status != 7 {
		t.Errorf("expected to collect child %d with status 7; got child %d status %d", childID, collected, status)
	}
	if !ticked {
		t.Error("expected the timer to advance the tick counter")
	}
	if free <= 0 || free >= 128 {
		t.Errorf("expected free frames to be accounted while init runs; got %d", free)
	}
}

func TestKmainCancel(t *testing.T) {
	started := make(chan struct{})
	install(t, "kmain-idle", func(u *proc.User) int {
		close(started)
		for {
			_ = u.Sleep(1000)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	if err := runKmain(t, ctx, testConfig("kmain-idle")); err != context.Canceled {
		t.Fatalf("expected context.Canceled; got %v", err)
	}
}

func TestKmainBootErrors(t *testing.T) {
	install(t, "kmain-noop", func(u *proc.User) int {
		u.Halt()
		return 0
	})

	specs := []struct {
		descr  string
		cfg    func() Config
		expErr error
	}{
		{
			"no memory",
			func() Config {
				cfg := testConfig("kmain-noop")
				cfg.MachineFrames = 0
				return cfg
			},
			errInvalidConfig,
		},
		{
			"unknown init program",
			func() Config { return testConfig("kmain-missing") },
			loader.ErrNotFound,
		},
	}

	for _, spec := range specs {
		if err := Kmain(context.Background(), spec.cfg()); err != spec.expErr {
			t.Errorf("[%s] expected error %v; got %v", spec.descr, spec.expErr, err)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	specs := []struct {
		input  string
		exp    func(Config) bool
		expErr bool
	}{
		{
			`{}`,
			func(cfg Config) bool { return cfg.MachineFrames == 4096 && cfg.Init == "init" },
			false,
		},
		{
			`{"machine_frames": 64, "kernel_stacks": 2, "init": "shell", "init_args": ["shell", "-x"]}`,
			func(cfg Config) bool {
				return cfg.MachineFrames == 64 && cfg.KernelStacks == 2 && cfg.Init == "shell" &&
					len(cfg.InitArgs) == 2 && cfg.TickMillis == 10 && cfg.PageTables == -1
			},
			false,
		},
		{`{"machine_frames": 0}`, nil, true},
		{`{"tick_ms": -1}`, nil, true},
		{`{"init": ""}`, nil, true},
		{`{"machine_frames": "lots"}`, nil, true},
		{`not json`, nil, true},
	}

	for specIndex, spec := range specs {
		cfg, err := LoadConfig(strings.NewReader(spec.input))
		if spec.expErr {
			if err == nil {
				t.Errorf("[spec %d] expected an error", specIndex)
			}
			continue
		}

		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if !spec.exp(cfg) {
			t.Errorf("[spec %d] unexpected config: %+v", specIndex, cfg)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	if _, err := LoadConfigFile("/nonexistent/pebbles.json"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
