package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"rv39kernel/internal/cli"
	"rv39kernel/internal/kernel"
	"rv39kernel/internal/log"
	"rv39kernel/internal/mm"
	"rv39kernel/internal/tty"
)

// Console is the command that boots a System and attaches the host
// terminal, in raw mode, to its simulated UART.
func Console() cli.Command {
	return new(console)
}

type console struct {
	disk  string
	ramMB uint
}

func (console) Description() string {
	return "boot the kernel and attach the host terminal to its console"
}

func (c console) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
console -disk <path> [ -ram <MiB> ]

Boot the kernel against -disk and attach the host terminal, in raw mode,
to the simulated UART. EOF on stdin ends the session and restores the
terminal.`)

	return err
}

func (c *console) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("console", flag.ExitOnError)

	fs.StringVar(&c.disk, "disk", "", "path to a filesystem image built by mkfs")
	fs.UintVar(&c.ramMB, "ram", 16, "simulated RAM size in MiB")

	return fs
}

func (c console) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if c.disk == "" {
		fmt.Fprintln(out, "console: -disk is required")
		return 2
	}

	image, err := os.ReadFile(c.disk)
	if err != nil {
		fmt.Fprintln(out, "console:", err)
		return 2
	}

	kernelEnd := mm.RAMStart + mm.PhysAddr(mm.PageSize*64)
	ramEnd := mm.RAMStart + mm.PhysAddr(uint64(c.ramMB)<<20)

	sys := kernel.New(kernelEnd, ramEnd, image, kernel.WithLogger(logger))

	ctx, _, cancel, err := tty.WithConsole(ctx, sys.UART)
	if err != nil {
		fmt.Fprintln(out, "console:", err)
		return 2
	}

	defer cancel()

	err = sys.Run(ctx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return 1
	}

	return 0
}
