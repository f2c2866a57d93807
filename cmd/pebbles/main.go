// Command pebbles boots the simulated machine with a small set of demo
// programs and runs it until a program halts the CPU.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"pebbles/kernel/kfmt"
	"pebbles/kernel/kmain"
	"syscall"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[pebbles] error: %s\n", err.Error())
	os.Exit(1)
}

func runKernel() error {
	configFile := flag.String("config", "", "a JSON machine configuration; defaults are used if empty")
	frames := flag.Int("frames", 0, "override the number of installed RAM frames")
	logLevel := flag.String("log-level", "", "override the log level (debug, info, warn or error)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "pebbles: boot the simulated machine and run its init program\n\n")
		fmt.Fprint(os.Stderr, "Usage: pebbles [options] [init [args...]]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := kmain.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = kmain.LoadConfigFile(*configFile); err != nil {
			return err
		}
	}

	if *frames != 0 {
		cfg.MachineFrames = *frames
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if flag.NArg() != 0 {
		cfg.Init = flag.Arg(0)
		cfg.InitArgs = flag.Args()
	}

	if err := installPrograms(); err != nil {
		return err
	}

	kfmt.SetOutputSink(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return kmain.Kmain(ctx, cfg)
}

func main() {
	if err := runKernel(); err != nil {
		exit(err)
	}
}
