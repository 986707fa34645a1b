//go:build linux || darwin
// +build linux darwin

package tty

import (
	"golang.org/x/sys/unix"
)

// setTerminalParams tunes VMIN/VTIME on fd so reads block for at least one
// byte instead of polling.
func setTerminalParams(fd int, vmin, vtime byte) error {
	termIO, err := unix.IoctlGetTermios(fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	return unix.IoctlSetTermios(fd, setTermiosIoctl, termIO)
}
