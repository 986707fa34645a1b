// Package proc implements the process lifecycle: exec, fork, exit, the
// per-process file-descriptor table, and the syscall dispatcher that
// implements trap.Kernel.
package proc

import (
	"rv39kernel/internal/errno"
	"rv39kernel/internal/mm"
	"rv39kernel/internal/sched"
	"rv39kernel/internal/stream"
	"rv39kernel/internal/trap"
)

// NumFDs is the fixed number of file-descriptor slots per process.
const NumFDs = 16

// OnResume is a process's user-mode entry point, called in the context of
// its own thread's goroutine with the trap frame it should resume at. The
// Manager calls it only for a forked child's new thread; Exec stores it on
// the process and does not call it. Real
// RISC-V instruction execution is outside this kernel's scope; a harness
// wires OnResume to whatever workload it wants the "user program" to run,
// and that workload calls back into Manager.Syscall to make ecalls.
type OnResume func(t *sched.Thread, p *Process, frame *trap.Frame)

// Process is {id, owning thread, address space, fd table}.
type Process struct {
	PID    int
	Thread *sched.Thread
	Mtag   mm.Mtag
	Parent *Process

	fds [NumFDs]*stream.Handle

	onResume OnResume

	exited bool
}

// fdAlloc finds a slot for a new fd: if want is negative, the lowest free
// slot; otherwise exactly that slot, failing EBUSY if occupied.
func (p *Process) fdAlloc(want int) (int, errno.Errno) {
	if want >= 0 {
		if want >= NumFDs {
			return 0, errno.EINVAL
		}

		if p.fds[want] != nil {
			return 0, errno.EBUSY
		}

		return want, errno.Success
	}

	for i := 0; i < NumFDs; i++ {
		if p.fds[i] == nil {
			return i, errno.Success
		}
	}

	return 0, errno.EMFILE
}

// fdLookup validates fd is in range and currently open.
func (p *Process) fdLookup(fd int) (*stream.Handle, errno.Errno) {
	if fd < 0 || fd >= NumFDs || p.fds[fd] == nil {
		return nil, errno.EBADFD
	}

	return p.fds[fd], errno.Success
}

// cloneFDTable duplicates every open slot into a fresh table, incrementing
// each stream's reference count: fork's children share the same
// underlying Stream as their parent rather than reopening it.
func (p *Process) cloneFDTable() [NumFDs]*stream.Handle {
	var out [NumFDs]*stream.Handle

	for i, h := range p.fds {
		if h != nil {
			out[i] = h.Ref()
		}
	}

	return out
}
