package proc

import (
	"sync"

	"rv39kernel/internal/elfload"
	"rv39kernel/internal/errno"
	"rv39kernel/internal/log"
	"rv39kernel/internal/mm"
	"rv39kernel/internal/sched"
	"rv39kernel/internal/stream"
	"rv39kernel/internal/trap"
)

// MaxProcs bounds the process table, matching the original kernel's fixed
// proctab array; exhaustion is a panic, not a recoverable error.
const MaxProcs = 64

// FSOpener resolves a filesystem path into a Stream, for fsopen. Supplied
// by whatever mounts the filesystem (internal/kernel wiring), so proc does
// not need to import internal/fs directly.
type FSOpener func(name string) (stream.Stream, errno.Errno)

// Manager owns every live process and the state exec/fork/exit touch: the
// MM instance to create/clone/reclaim address spaces, and the scheduler to
// spawn/exit threads.
type Manager struct {
	mu sync.Mutex

	mm     *mm.MM
	sched  *sched.Scheduler
	fsOpen FSOpener
	log    *log.Logger

	procs map[int]*Process
}

// New creates an empty process manager.
func New(m *mm.MM, s *sched.Scheduler, fsOpen FSOpener, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Manager{
		mm:     m,
		sched:  s,
		fsOpen: fsOpen,
		log:    logger,
		procs:  make(map[int]*Process),
	}
}

// NewKernelProcess creates pid 0, the main kernel process, bound to the
// scheduler's currently running thread and the kernel's main address
// space. It does not count against the MaxProcs bound on user processes.
func (pm *Manager) NewKernelProcess() *Process {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p := &Process{
		PID:  0,
		Mtag: pm.mm.MainMtag(),
	}

	t := pm.sched.Current()
	t.Proc = p
	p.Thread = t

	pm.procs[0] = p

	return p
}

// Exec replaces the calling process's image with the ELF executable read
// from fd: it unmaps the current user range, loads every PT_LOAD segment,
// and rewrites frame so the trap return lands at the entry point with a
// fresh user stack.
func (pm *Manager) Exec(p *Process, fd int, frame *trap.Frame, onResume OnResume) errno.Errno {
	pm.mu.Lock()
	h, e := p.fdLookup(fd)
	pm.mu.Unlock()

	if e.IsError() {
		return e
	}

	raw, e := elfload.ReadAll(h)
	if e.IsError() {
		return e
	}

	hdr, e := elfload.ParseHeader(raw)
	if e.IsError() {
		return e
	}

	phdrs, e := elfload.ParseProgramHeaders(raw, hdr)
	if e.IsError() {
		return e
	}

	root := p.Mtag.Root()

	pm.mm.UnmapAndFreeUser(root)

	for _, ph := range phdrs {
		if ph.Type != elfload.PtLoad {
			continue
		}

		vstart := mm.VirtAddr(ph.Vaddr)
		vend := mm.VirtAddr(ph.Vaddr + ph.Memsz)

		if vend < vstart {
			return errno.EBADFMT
		}

		if vstart < mm.USER_START_VMA || vend > mm.USER_END_VMA {
			// Segments outside the user range are skipped, not rejected;
			// the rest of the image still loads.
			continue
		}

		if err := pm.mm.AllocAndMapRange(root, vstart, ph.Memsz, mm.FlagRW|mm.FlagU); err != nil {
			return errno.EIO
		}

		if ph.Offset+ph.Filesz > uint64(len(raw)) {
			return errno.EBADFMT
		}

		pm.mm.CopyOut(root, vstart, raw[ph.Offset:ph.Offset+ph.Filesz])

		flags := mm.FlagU
		if ph.Flags&elfload.PfR != 0 {
			flags |= mm.FlagR
		}

		if ph.Flags&elfload.PfW != 0 {
			flags |= mm.FlagW
		}

		if ph.Flags&elfload.PfX != 0 {
			flags |= mm.FlagX
		}

		pm.mm.SetRangeFlags(root, vstart, ph.Memsz, flags)
	}

	if err := pm.mm.AllocAndMapRange(root, mm.USER_STACK_VMA-mm.PageSize, mm.PageSize, mm.FlagRWU); err != nil {
		return errno.EIO
	}

	*frame = trap.Frame{}
	// HandleUserTrap advances Sepc past the ecall once Syscall returns;
	// back it off by the same 4 bytes so the rewritten frame lands
	// exactly on the new image's entry point instead of 4 bytes past it.
	frame.Sepc = hdr.Entry - 4
	frame.Regs[2] = uint64(mm.USER_STACK_VMA) // sp (x2)
	// SPP clear, SPIE set: the trap return drops to U mode with
	// interrupts enabled.
	frame.Sstatus = trap.SstatusSPIE

	pm.mu.Lock()
	p.onResume = onResume
	pm.mu.Unlock()

	return errno.Success
}

// Fork clones the calling process's address space and fd table, spawns a
// new thread whose frame is a copy of parentFrame with a0 zeroed (the
// child's return value) and sepc advanced past the ecall, and returns the
// child's pid to the caller. A process's pid is always
// its thread's scheduler id, matching the original kernel's single
// thread-per-process identity, so wait(tid) can join directly on it.
func (pm *Manager) Fork(parent *Process, parentFrame *trap.Frame) (int, errno.Errno) {
	pm.mu.Lock()
	live := len(pm.procs)
	if _, ok := pm.procs[0]; ok {
		live-- // the kernel process does not count against MaxProcs
	}
	tooMany := live >= MaxProcs
	pm.mu.Unlock()

	if tooMany {
		panic("proc: process table exhausted")
	}

	childFrame := parentFrame.Clone()
	childFrame.SetA0(0)
	childFrame.AdvancePastECall()

	child := &Process{
		Parent:   parent,
		fds:      parent.cloneFDTable(),
		onResume: parent.onResume,
	}

	child.Thread = pm.sched.Spawn("proc.fork", func(t *sched.Thread) {
		t.Proc = child
		child.onResume(t, child, childFrame)
	})
	child.Thread.Parent = parent.Thread

	child.PID = child.Thread.ID
	child.Mtag = pm.mm.SpaceClone(uint16(child.PID), parent.Mtag)

	pm.mu.Lock()
	pm.procs[child.PID] = child
	pm.mu.Unlock()

	return child.PID, errno.Success
}

// Exit closes every open fd (respecting refcounts), reclaims p's address
// space (never pid 0's), and records code on p's thread for Join and the
// wait syscall. It does not free the process slot: the record stays in the
// table until wait(tid) reaps it. It does not stop p's thread either: the
// thread becomes EXITED when its function returns.
func (pm *Manager) Exit(p *Process, code int) {
	pm.mu.Lock()

	if p.exited {
		pm.mu.Unlock()
		return
	}

	p.exited = true

	for i, h := range p.fds {
		if h != nil {
			h.Close()
			p.fds[i] = nil
		}
	}

	if p.PID != 0 {
		pm.mm.SpaceReclaim(p.Mtag)
		// The record stays in pm.procs until a wait(tid) reaps it, so the
		// joiner can still find the thread; sysWait deletes the slot once
		// Join returns.
	}

	pm.mu.Unlock()

	p.Thread.SetExitCode(code)
}

// Terminate forces the current thread's process through the same teardown
// as a voluntary exit, with exit code -1, used for fatal user-mode faults.
func (pm *Manager) Terminate() {
	t := pm.sched.Current()

	p, ok := t.Proc.(*Process)
	if !ok {
		return
	}

	pm.Exit(p, -1)
}

// HandlePageFault implements trap.Kernel for the current process.
func (pm *Manager) HandlePageFault(addr mm.VirtAddr) bool {
	t := pm.sched.Current()

	p, ok := t.Proc.(*Process)
	if !ok {
		return false
	}

	return pm.mm.HandlePageFault(p.Mtag.Root(), addr)
}
