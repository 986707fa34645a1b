package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"rv39kernel/internal/cli"
	"rv39kernel/internal/kernel"
	"rv39kernel/internal/log"
	"rv39kernel/internal/mm"
)

// Boot is the command that builds and runs a System against a disk image.
func Boot() cli.Command {
	return new(boot)
}

type boot struct {
	disk    string
	timeout time.Duration
	ramMB   uint
	debug   bool
}

func (boot) Description() string {
	return "boot the kernel against a disk image"
}

func (b boot) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
boot -disk <path> [ -timeout <duration> | -ram <MiB> | -debug ]

Boot the kernel, mount the filesystem at -disk, and run until -timeout
elapses or the context is cancelled.`)

	return err
}

func (b *boot) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.StringVar(&b.disk, "disk", "", "path to a filesystem image built by mkfs")
	fs.DurationVar(&b.timeout, "timeout", 5*time.Second, "how long to run before stopping")
	fs.UintVar(&b.ramMB, "ram", 16, "simulated RAM size in MiB")
	fs.BoolVar(&b.debug, "debug", false, "enable debug logging")

	return fs
}

func (b boot) Run(ctx context.Context, args []string, out io.Writer, _ *log.Logger) int {
	if b.debug {
		log.LogLevel.Set(log.Debug)
	}

	logger := log.NewFormattedLogger(os.Stdout)
	log.SetDefault(logger)

	if b.disk == "" {
		fmt.Fprintln(out, "boot: -disk is required")
		return 2
	}

	image, err := os.ReadFile(b.disk)
	if err != nil {
		fmt.Fprintln(out, "boot:", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	kernelEnd := mm.RAMStart + mm.PhysAddr(mm.PageSize*64)
	ramEnd := mm.RAMStart + mm.PhysAddr(uint64(b.ramMB)<<20)

	logger.Info("Initializing kernel")

	sys := kernel.New(kernelEnd, ramEnd, image, kernel.WithLogger(logger))

	logger.Info("Running")

	err = sys.Run(ctx)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("boot timeout")
		return 0
	case errors.Is(err, context.Canceled):
		return 0
	case err != nil:
		logger.Error(err.Error())
		return 1
	}

	return 0
}
