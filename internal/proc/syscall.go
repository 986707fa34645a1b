package proc

import (
	"encoding/binary"

	"rv39kernel/internal/errno"
	"rv39kernel/internal/mm"
	"rv39kernel/internal/stream"
	"rv39kernel/internal/trap"
)

// maxMsgLen bounds msgout's string validation, since there is no other
// natural limit on a NUL-terminated user string.
const maxMsgLen = 256

// maxNameLen bounds devopen/fsopen name strings; device names and
// filesystem dentries are both capped well under this.
const maxNameLen = 64

// Syscall implements trap.Kernel: it dispatches on frame.A7() and sets
// frame's return value via SetA0.
func (pm *Manager) Syscall(frame *trap.Frame) {
	t := pm.sched.Current()

	p, ok := t.Proc.(*Process)
	if !ok {
		frame.SetA0(errUint64(errno.EINVAL))
		return
	}

	root := p.Mtag.Root()

	switch frame.A7() {
	case trap.SysExit:
		pm.Exit(p, int(int32(frame.A0())))

	case trap.SysMsgout:
		frame.SetA0(errUint64(pm.sysMsgout(root, p, frame.A0())))

	case trap.SysDevOpen:
		frame.SetA0(pm.sysDevOpen(root, p, int(int32(frame.A0())), frame.A1(), int(int32(frame.A2()))))

	case trap.SysFsOpen:
		frame.SetA0(pm.sysFsOpen(root, p, int(int32(frame.A0())), frame.A1()))

	case trap.SysClose:
		frame.SetA0(errUint64(pm.sysClose(p, int(int32(frame.A0())))))

	case trap.SysRead:
		frame.SetA0(pm.sysRead(root, p, int(int32(frame.A0())), frame.A1(), frame.A2()))

	case trap.SysWrite:
		frame.SetA0(pm.sysWrite(root, p, int(int32(frame.A0())), frame.A1(), frame.A2()))

	case trap.SysIoctl:
		frame.SetA0(errUint64(pm.sysIoctl(root, p, int(int32(frame.A0())), int(int32(frame.A1())), frame.A2())))

	case trap.SysExec:
		if e := pm.Exec(p, int(int32(frame.A0())), frame, p.onResume); e.IsError() {
			frame.SetA0(errUint64(e))
		}

	case trap.SysFork:
		child, e := pm.Fork(p, frame)
		if e.IsError() {
			frame.SetA0(errUint64(e))
		} else {
			frame.SetA0(uint64(int64(child)))
		}

	case trap.SysWait:
		frame.SetA0(uint64(int64(pm.sysWait(int(int32(frame.A0()))))))

	case trap.SysUsleep:
		pm.sysUsleep(frame.A0())

	default:
		frame.SetA0(errUint64(errno.ENOTSUP))
	}
}

func errUint64(e errno.Errno) uint64 { return uint64(int64(e)) }

func (pm *Manager) sysMsgout(root mm.PhysAddr, p *Process, msgPtr uint64) errno.Errno {
	n, ok := pm.mm.ValidateVString(root, mm.VirtAddr(msgPtr), maxMsgLen, mm.FlagRU)
	if !ok {
		return errno.EINVAL
	}

	buf := make([]byte, n)
	pm.mm.CopyIn(root, mm.VirtAddr(msgPtr), buf)

	pm.log.Info(string(buf), "tid", p.Thread.ID)

	return errno.Success
}

func (pm *Manager) readUserName(root mm.PhysAddr, namePtr uint64) (string, errno.Errno) {
	n, ok := pm.mm.ValidateVString(root, mm.VirtAddr(namePtr), maxNameLen, mm.FlagRU)
	if !ok {
		return "", errno.EINVAL
	}

	buf := make([]byte, n)
	pm.mm.CopyIn(root, mm.VirtAddr(namePtr), buf)

	return string(buf), errno.Success
}

func (pm *Manager) sysDevOpen(root mm.PhysAddr, p *Process, fd int, namePtr uint64, instno int) uint64 {
	name, e := pm.readUserName(root, namePtr)
	if e.IsError() {
		return errUint64(e)
	}

	pm.mu.Lock()
	slot, e := p.fdAlloc(fd)
	pm.mu.Unlock()

	if e.IsError() {
		return errUint64(e)
	}

	s, e := trap.OpenDevice(name, instno)
	if e.IsError() {
		return errUint64(e)
	}

	pm.mu.Lock()
	p.fds[slot] = asHandle(s)
	pm.mu.Unlock()

	return uint64(int64(slot))
}

func (pm *Manager) sysFsOpen(root mm.PhysAddr, p *Process, fd int, namePtr uint64) uint64 {
	if pm.fsOpen == nil {
		return errUint64(errno.ENODEV)
	}

	name, e := pm.readUserName(root, namePtr)
	if e.IsError() {
		return errUint64(e)
	}

	pm.mu.Lock()
	slot, e := p.fdAlloc(fd)
	pm.mu.Unlock()

	if e.IsError() {
		return errUint64(e)
	}

	s, e := pm.fsOpen(name)
	if e.IsError() {
		return errUint64(e)
	}

	pm.mu.Lock()
	p.fds[slot] = asHandle(s)
	pm.mu.Unlock()

	return uint64(int64(slot))
}

func asHandle(s stream.Stream) *stream.Handle {
	if h, ok := s.(*stream.Handle); ok {
		return h
	}

	return stream.NewHandle(s)
}

func (pm *Manager) sysClose(p *Process, fd int) errno.Errno {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	h, e := p.fdLookup(fd)
	if e.IsError() {
		return e
	}

	e = h.Close()
	p.fds[fd] = nil

	return e
}

func (pm *Manager) sysRead(root mm.PhysAddr, p *Process, fd int, bufPtr, n uint64) uint64 {
	pm.mu.Lock()
	h, e := p.fdLookup(fd)
	pm.mu.Unlock()

	if e.IsError() {
		return errUint64(e)
	}

	if !pm.mm.ValidateVPtrLen(root, mm.VirtAddr(bufPtr), n, mm.FlagRU) {
		return errUint64(errno.EINVAL)
	}

	tmp := make([]byte, n)

	read, e := h.Read(tmp)
	if e.IsError() {
		return errUint64(e)
	}

	pm.mm.CopyOut(root, mm.VirtAddr(bufPtr), tmp[:read])

	return uint64(int64(read))
}

func (pm *Manager) sysWrite(root mm.PhysAddr, p *Process, fd int, bufPtr, n uint64) uint64 {
	pm.mu.Lock()
	h, e := p.fdLookup(fd)
	pm.mu.Unlock()

	if e.IsError() {
		return errUint64(e)
	}

	if !pm.mm.ValidateVPtrLen(root, mm.VirtAddr(bufPtr), n, mm.FlagRU) {
		return errUint64(errno.EINVAL)
	}

	tmp := make([]byte, n)
	pm.mm.CopyIn(root, mm.VirtAddr(bufPtr), tmp)

	written, e := h.Write(tmp)
	if e.IsError() {
		return errUint64(e)
	}

	return uint64(int64(written))
}

func (pm *Manager) sysIoctl(root mm.PhysAddr, p *Process, fd int, cmd int, argPtr uint64) errno.Errno {
	pm.mu.Lock()
	h, e := p.fdLookup(fd)
	pm.mu.Unlock()

	if e.IsError() {
		return e
	}

	switch cmd {
	case stream.GETLEN, stream.GETPOS:
		if !pm.mm.ValidateVPtrLen(root, mm.VirtAddr(argPtr), 8, mm.FlagW) {
			return errno.EINVAL
		}

		var v uint64

		if e := h.Ctl(cmd, &v); e.IsError() {
			return e
		}

		pm.mm.CopyOut(root, mm.VirtAddr(argPtr), binary.LittleEndian.AppendUint64(nil, v))

		return errno.Success

	case stream.GETBLKSZ:
		if !pm.mm.ValidateVPtrLen(root, mm.VirtAddr(argPtr), 4, mm.FlagW) {
			return errno.EINVAL
		}

		var v uint32

		if e := h.Ctl(cmd, &v); e.IsError() {
			return e
		}

		pm.mm.CopyOut(root, mm.VirtAddr(argPtr), binary.LittleEndian.AppendUint32(nil, v))

		return errno.Success

	case stream.SETPOS, stream.SETLEN:
		return h.Ctl(cmd, argPtr)

	default:
		return h.Ctl(cmd, nil)
	}
}

func (pm *Manager) sysWait(tid int) int {
	pm.mu.Lock()
	child, ok := pm.procs[tid]
	pm.mu.Unlock()

	if !ok {
		return int(errno.ENOENT)
	}

	t := pm.sched.Current()

	code := pm.sched.Join(t, child.Thread)

	// Reaping frees the table slot for reuse by a later Fork; pid 0 is
	// never reaped.
	if tid != 0 {
		pm.mu.Lock()
		delete(pm.procs, tid)
		pm.mu.Unlock()
	}

	return code
}

func (pm *Manager) sysUsleep(us uint64) {
	al := pm.sched.NewAlarm("proc.usleep")

	// There is no real timer frequency to convert against in this
	// simulation; one simulated tick stands in for one microsecond.
	pm.sched.Sleep(al, us)
}
