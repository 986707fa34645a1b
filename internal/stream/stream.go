// Package stream implements the kernel's uniform I/O abstraction: every
// open file descriptor, whether backed by the block device, the flat
// filesystem, or an in-memory buffer, is a Stream. This generalizes the
// fixed address-keyed dispatch table over memory-mapped registers from a
// table of function pointers to a refcounted handle over a virtual-dispatch
// interface, turning the embedded io_intf/io_ops pattern into a Go interface plus a
// composition-based concrete type.
package stream

import "rv39kernel/internal/errno"

// IOCTL command numbers, shared by every concrete Stream.
const (
	GETLEN   = 1
	SETLEN   = 2
	GETPOS   = 3
	SETPOS   = 4
	FLUSH    = 5
	GETBLKSZ = 6
)

// Stream is the virtual-dispatch handle every I/O object in the kernel
// implements: the VirtIO block endpoint, an open filesystem file, and the
// in-memory Literal used to load the initial filesystem image.
//
// Read is permitted to read fewer than len(buf) bytes but must read at
// least one, unless at EOF, in which case it returns 0. Write is permitted
// to write fewer than len(buf) bytes but must write at least one, unless
// the backing object cannot grow and is full, in which case it returns 0.
type Stream interface {
	Close() errno.Errno
	Read(buf []byte) (int, errno.Errno)
	Write(buf []byte) (int, errno.Errno)
	Ctl(cmd int, arg any) errno.Errno
}

// Handle wraps a concrete Stream with a reference count. Closing a handle
// decrements the count and only invokes the concrete Close when it reaches
// zero; every other operation is simply forwarded.
//
// The caller is responsible for incrementing the count (via Ref) whenever a
// second owner is created, e.g. proc.Fork duplicating an fd table entry.
// There is no atomicity requirement on refcnt: the kernel runs on a single
// hart and refcounts are only ever touched with interrupts disabled or
// under a subsystem's own sleep lock; refcounts are mutated under the
// caller's responsibility, not atomically.
type Handle struct {
	io     Stream
	refcnt uint32
}

// NewHandle wraps a freshly created Stream with an initial reference count
// of one.
func NewHandle(io Stream) *Handle {
	return &Handle{io: io, refcnt: 1}
}

// Ref increments the reference count and returns the handle itself, so
// callers can write `dup := h.Ref()`.
func (h *Handle) Ref() *Handle {
	h.refcnt++
	return h
}

// Close decrements the reference count and closes the underlying Stream
// once it reaches zero. It is safe to call Close on a handle multiple
// times as long as the caller incremented the count the same number of
// times.
func (h *Handle) Close() errno.Errno {
	if h.refcnt == 0 {
		return errno.EINVAL
	}

	h.refcnt--
	if h.refcnt > 0 {
		return errno.Success
	}

	return h.io.Close()
}

func (h *Handle) Read(buf []byte) (int, errno.Errno)  { return h.io.Read(buf) }
func (h *Handle) Write(buf []byte) (int, errno.Errno) { return h.io.Write(buf) }
func (h *Handle) Ctl(cmd int, arg any) errno.Errno    { return h.io.Ctl(cmd, arg) }

// Refcnt returns the current reference count, mostly for tests and
// diagnostics.
func (h *Handle) Refcnt() uint32 { return h.refcnt }
