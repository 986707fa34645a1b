// Package uart implements a simulated 16550-style serial console device: a
// byte stream that a running process opens as "uart" instance 0 and that a
// host terminal drives from the other end, the same external-collaborator
// boundary a simulated console keeps between a running machine and the
// host's keyboard/display.
//
// There is no UART register set here, only the two primitives a serial
// port actually provides: bytes arrive (Push, from the host) and bytes are
// sent (Write, from the guest, fanned out to Listen callbacks).
package uart

import (
	"sync"

	"rv39kernel/internal/errno"
	"rv39kernel/internal/log"
	"rv39kernel/internal/sched"
	"rv39kernel/internal/stream"
	"rv39kernel/internal/trap"
)

// UART is one simulated serial line.
//
// rx is guarded by rxMu, a plain mutex rather than a sched.SleepLock: Push
// is driven by the host terminal's own reader goroutine (internal/tty),
// which runs outside the scheduler entirely and never holds a trap frame,
// so it cannot be made to wait on a scheduler condition the way a kernel
// thread's Read can. A SleepLock held by Read across its wait on rxReady
// would make Push's append block forever waiting for a lock only Read's
// own wakeup could release.
type UART struct {
	instno int

	s        *sched.Scheduler
	rxReady  *sched.Cond
	rxMu     sync.Mutex
	rx       []byte
	listener func(b byte)

	log *log.Logger
}

// New creates a UART device. Call RegisterAsDevice to make it openable via
// devopen("uart", instno).
func New(instno int, s *sched.Scheduler, logger *log.Logger) *UART {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	u := &UART{
		instno: instno,
		s:      s,
		log:    logger,
	}

	u.rxReady = s.NewCond("uart.rxReady")

	return u
}

// RegisterAsDevice makes the UART resolvable by the devopen syscall under
// the name "uart", mirroring vioblk.Device.RegisterAsDevice.
func (u *UART) RegisterAsDevice() {
	trap.RegisterDevice("uart", func(instno int) (stream.Stream, errno.Errno) {
		if instno != u.instno {
			return nil, errno.ENODEV
		}

		return u.Open()
	})
}

// Open returns a fresh Stream handle over the device. Every open shares the
// same receive buffer and output listener; there is exactly one line.
func (u *UART) Open() (stream.Stream, errno.Errno) {
	return &endpoint{u: u}, errno.Success
}

// Listen registers the callback invoked, in order, for every byte a guest
// writes to the device. Used by the console command to echo guest output
// to the host terminal; replaces any previously registered callback, since
// there is only one real serial line to drive.
func (u *UART) Listen(fn func(b byte)) {
	u.listener = fn
}

// Push delivers one byte of host input to the device's receive buffer and
// wakes any thread blocked reading it. Called by the host terminal's reader
// goroutine (internal/tty) for every keystroke, outside the scheduler.
func (u *UART) Push(b byte) {
	u.rxMu.Lock()
	u.rx = append(u.rx, b)
	u.rxMu.Unlock()

	u.rxReady.Broadcast()
}

// endpoint is the per-open Stream view over a UART.
type endpoint struct {
	u *UART
}

func (e *endpoint) Close() errno.Errno { return errno.Success }

// Read blocks until at least one byte of host input is available, then
// copies as much as fits in buf, per the at-least-one-byte contract every
// Stream honors. It checks rx under rxMu, then waits on rxReady outside
// the mutex; holding rxMu across the wait would block Push, the only
// thing that can ever satisfy it.
func (e *endpoint) Read(buf []byte) (int, errno.Errno) {
	u := e.u
	t := u.s.Current()

	for {
		u.rxMu.Lock()

		if len(u.rx) > 0 {
			n := copy(buf, u.rx)
			u.rx = u.rx[n:]
			u.rxMu.Unlock()

			return n, errno.Success
		}

		u.rxMu.Unlock()

		u.rxReady.Wait(t)
	}
}

// Write fans every byte out to the registered Listen callback, if any, and
// always reports the full write as accepted: a serial line has no backing
// store to fill up.
func (e *endpoint) Write(buf []byte) (int, errno.Errno) {
	u := e.u

	if u.listener != nil {
		for _, b := range buf {
			u.listener(b)
		}
	}

	return len(buf), errno.Success
}

func (e *endpoint) Ctl(cmd int, arg any) errno.Errno {
	return errno.ENOTSUP
}
