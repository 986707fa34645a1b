// Package tty_test exercises Console against a real pseudo-terminal.
//
// The test is skipped when stdin is not a terminal (ErrNoTTY). Notably,
// this includes when run with "go test" because it redirects tests'
// standard input/output streams. You can test it by building a test binary
// and running it directly:
//
//	$ go test -c && ./tty.test
package tty_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"rv39kernel/internal/log"
	"rv39kernel/internal/sched"
	"rv39kernel/internal/tty"
	"rv39kernel/internal/uart"
)

const timeout = 100 * time.Millisecond

func TestConsole(t *testing.T) {
	s := sched.New(log.DefaultLogger())
	u := uart.New(0, s, log.DefaultLogger())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ctx, console, cancel, err := tty.WithConsole(ctx, u)
	if errors.Is(err, tty.ErrNoTTY) {
		t.Skipf("error: %s", err)
	}

	defer cancel()

	_ = console

	<-ctx.Done()
}
