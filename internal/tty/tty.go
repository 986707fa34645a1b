// Package tty attaches a host terminal, in raw mode, to a simulated serial
// console. It adapts the kernel's UART stream for use on a contemporary
// system, the same role the original Console played between a simulated
// keyboard/display pair and real terminal I/O, generalized from a
// keyboard/display register pair to one bidirectional byte stream[^1].
//
// [1]: See: tty(4), termios(4).
package tty

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"rv39kernel/internal/uart"
)

// Console is a serial console attached to a UART device using Unix
// terminal I/O. Bytes typed on the host are pushed to the UART's receive
// buffer; bytes the UART writes are echoed to the host terminal.
type Console struct {
	in    *os.File
	fd    int
	state *term.State
}

// ErrNoTTY is returned if standard input is not a terminal. In this case
// the console cannot put the terminal into raw mode.
var ErrNoTTY error = errors.New("console: not a TTY")

// WithConsole puts the host terminal into raw mode, wires it to u, and
// returns a context cancelled when either the terminal or parent is done.
// Calling the returned cancel function restores the terminal state.
func WithConsole(parent context.Context, u *uart.UART) (context.Context, *Console, context.CancelFunc, error) {
	console, err := NewConsole(os.Stdin)
	if err != nil {
		return parent, nil, func() {}, err
	}

	ctx, cancel := context.WithCancel(parent)

	u.Listen(func(b byte) {
		_, _ = os.Stdout.Write([]byte{b})
	})

	go console.readTerminal(ctx, cancel, u)

	return ctx, console, func() {
		cancel()
		console.Restore()
	}, nil
}

// NewConsole puts sin into raw mode. Callers are responsible for calling
// Restore to return the terminal to its initial state.
func NewConsole(sin *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{fd: fd, in: sin, state: saved}

	if err := setTerminalParams(fd, 1, 0); err != nil {
		return nil, err
	}

	return c, nil
}

// Restore returns the terminal to its initial state and unblocks any
// in-progress read.
func (c *Console) Restore() {
	_ = os.Stdin.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

// readTerminal copies bytes read from the host terminal into u's receive
// buffer until ctx is cancelled or the terminal read fails.
func (c *Console) readTerminal(ctx context.Context, cancel context.CancelFunc, u *uart.UART) {
	buf := bufio.NewReader(c.in)

	// Make terminal input block on reads.
	_ = syscall.SetNonblock(c.fd, false)

	for { // ever and ever
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			cancel()
			return
		}

		u.Push(b)
	}
}
