// Package kernel wires MM, SCHED, TRAP, PROC, VIOBLK, and FS together into
// a single bootable System, the way a simulated machine assembles CPU,
// memory, interrupts, and devices into one whole.
package kernel

import (
	"context"
	"time"

	"rv39kernel/internal/errno"
	"rv39kernel/internal/fs"
	"rv39kernel/internal/log"
	"rv39kernel/internal/mm"
	"rv39kernel/internal/proc"
	"rv39kernel/internal/sched"
	"rv39kernel/internal/stream"
	"rv39kernel/internal/trap"
	"rv39kernel/internal/uart"
	"rv39kernel/internal/vioblk"
)

// System owns every subsystem and implements trap.Kernel by delegating to
// the process manager.
type System struct {
	MM    *mm.MM
	Sched *sched.Scheduler
	Blk   *vioblk.Device
	FS    *fs.FS
	UART  *uart.UART
	Proc  *proc.Manager

	KernelProc *proc.Process

	log  *log.Logger
	tick time.Duration
}

// New builds a System over a simulated RAM of size ramEnd-kernelEnd and a
// disk image given as a flat byte slice (ordinarily produced by cmd/mkfs).
func New(kernelEnd, ramEnd mm.PhysAddr, diskImage []byte, opts ...OptionFn) *System {
	sys := &System{log: log.DefaultLogger(), tick: time.Millisecond}

	for _, fn := range opts {
		fn(sys)
	}

	sys.MM = mm.New(sys.log)
	sys.MM.Init(kernelEnd, ramEnd)

	ramStart, ramStop := sys.MM.RAMSpan()
	sys.log.Debug("kernel: RAM installed",
		log.String("start", ramStart.String()), log.String("end", ramStop.String()))

	sys.Sched = sched.New(sys.log)

	sys.Blk = vioblk.NewMemoryBackedDevice(0, diskImage, sys.Sched, sys.log)
	sys.Blk.RegisterAsDevice()

	sys.UART = uart.New(0, sys.Sched, sys.log)
	sys.UART.RegisterAsDevice()

	sys.Proc = proc.New(sys.MM, sys.Sched, sys.fsOpen, sys.log)

	// Mounting the root filesystem means reading blocks from Blk, which
	// blocks the calling thread on the device's completion queue. That
	// must happen on a real scheduler thread with its own identity, not
	// on the goroutine that called New: the idle thread it would
	// otherwise impersonate is already a live, independently-spinning
	// goroutine of its own.
	type bootResult struct {
		fsys *fs.FS
		proc *proc.Process
		err  error
	}

	boot := make(chan bootResult, 1)

	sys.Sched.Spawn("boot", func(tt *sched.Thread) {
		diskStream, e := sys.Blk.Open()
		if e.IsError() {
			boot <- bootResult{err: panicError("failed to open boot disk: " + e.Error())}
			return
		}

		fsys, e := fs.Mount(diskStream, sys.Sched, sys.log)
		if e.IsError() {
			boot <- bootResult{err: panicError("failed to mount filesystem: " + e.Error())}
			return
		}

		boot <- bootResult{fsys: fsys, proc: sys.Proc.NewKernelProcess()}
	})

	res := <-boot
	if res.err != nil {
		panic("kernel: " + res.err.Error())
	}

	sys.FS = res.fsys
	sys.KernelProc = res.proc

	return sys
}

type panicError string

func (e panicError) Error() string { return string(e) }

func (sys *System) fsOpen(name string) (stream.Stream, errno.Errno) {
	return sys.FS.Open(name)
}

// HandleUserTrap forwards to trap.HandleUserTrap with sys as the Kernel.
func (sys *System) HandleUserTrap(cause trap.Cause, frame *trap.Frame, faultAddr mm.VirtAddr) {
	trap.HandleUserTrap(cause, frame, faultAddr, sys)
}

// HandleSupervisorTrap forwards a fault taken in kernel code; it halts the
// system and never returns.
func (sys *System) HandleSupervisorTrap(cause trap.Cause, frame *trap.Frame, faultAddr mm.VirtAddr) {
	trap.HandleSupervisorTrap(cause, frame, faultAddr)
}

func (sys *System) Syscall(frame *trap.Frame)             { sys.Proc.Syscall(frame) }
func (sys *System) HandlePageFault(addr mm.VirtAddr) bool { return sys.Proc.HandlePageFault(addr) }
func (sys *System) Terminate()                            { sys.Proc.Terminate() }

// Run drives the simulated timer interrupt until ctx is cancelled. Every
// tick gives SCHED's alarm list a chance to wake sleepers, standing in for
// the periodic timer interrupt a real hart would take.
func (sys *System) Run(ctx context.Context) error {
	sys.log.Info("START")

	ticker := time.NewTicker(sys.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sys.log.Warn("CANCELLED")
			return ctx.Err()
		case <-ticker.C:
			sys.Sched.Tick()
		}
	}
}
