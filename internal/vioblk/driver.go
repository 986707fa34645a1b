package vioblk

import (
	"rv39kernel/internal/errno"
	"rv39kernel/internal/stream"
	"rv39kernel/internal/trap"
)

// Open claims exclusive use of the device and returns a fresh stream
// positioned at offset 0. Only one open stream may exist at a time; a
// second Open before Close fails EBUSY, matching the original kernel's
// single-owner block device instance.
func (d *Device) Open() (*stream.Handle, errno.Errno) {
	t := d.sched.Current()

	d.lock.Acquire(t)
	defer d.lock.Release(t)

	if d.open {
		return nil, errAlreadyOpen
	}

	d.open = true
	d.pos = 0
	d.q.reset()
	d.maskIRQ = false

	return stream.NewHandle(d), errno.Success
}

// Close releases exclusive ownership so a subsequent Open may succeed.
func (d *Device) Close() errno.Errno {
	t := d.sched.Current()

	d.lock.Acquire(t)
	defer d.lock.Release(t)

	d.maskIRQ = true
	d.q.reset()
	d.open = false

	return errno.Success
}

// Read transfers whole sectors starting at the stream's current position
// into buf, stopping at the first partial sector or at device capacity.
// It reads through the driver-wide bounce buffer one sector at a time,
// since the simulated backing store only deals in whole sectors.
func (d *Device) Read(buf []byte) (int, errno.Errno) {
	t := d.sched.Current()

	d.lock.Acquire(t)
	defer d.lock.Release(t)

	n := 0

	for n < len(buf) {
		sector := d.pos / uint64(d.blkSize)
		if sector >= d.backing.NumSectors() {
			break
		}

		off := int(d.pos % uint64(d.blkSize))

		status := d.q.submit(t, &request{sector: sector, bounce: d.bounce})
		if status != statusOK {
			if n > 0 {
				return n, errno.Success
			}

			return 0, errno.EIO
		}

		copied := copy(buf[n:], d.bounce[off:])
		n += copied
		d.pos += uint64(copied)

		if off+copied < int(d.blkSize) {
			break // buf exhausted mid-sector
		}
	}

	return n, errno.Success
}

// Write transfers buf to the device, reading-modifying-writing any sector
// that buf only partially covers so unrelated bytes in that sector survive.
func (d *Device) Write(buf []byte) (int, errno.Errno) {
	t := d.sched.Current()

	d.lock.Acquire(t)
	defer d.lock.Release(t)

	n := 0

	for n < len(buf) {
		sector := d.pos / uint64(d.blkSize)
		if sector >= d.backing.NumSectors() {
			break
		}

		off := int(d.pos % uint64(d.blkSize))
		partial := off != 0 || len(buf[n:]) < int(d.blkSize)

		if partial {
			if status := d.q.submit(t, &request{sector: sector, bounce: d.bounce}); status != statusOK {
				if n > 0 {
					return n, errno.Success
				}

				return 0, errno.EIO
			}
		}

		want := copy(d.bounce[off:], buf[n:])

		status := d.q.submit(t, &request{sector: sector, bounce: d.bounce, write: true})
		if status != statusOK {
			if n > 0 {
				return n, errno.Success
			}

			return 0, errno.EIO
		}

		n += want
		d.pos += uint64(want)
	}

	return n, errno.Success
}

// Ctl implements the shared stream ioctl surface: GETLEN/SETPOS/GETPOS and
// GETBLKSZ. SETLEN is unsupported; block devices have fixed capacity.
func (d *Device) Ctl(cmd int, arg any) errno.Errno {
	t := d.sched.Current()

	d.lock.Acquire(t)
	defer d.lock.Release(t)

	switch cmd {
	case stream.GETLEN:
		p, ok := arg.(*uint64)
		if !ok {
			return errno.EINVAL
		}

		*p = d.backing.NumSectors() * uint64(d.blkSize)

		return errno.Success

	case stream.GETPOS:
		p, ok := arg.(*uint64)
		if !ok {
			return errno.EINVAL
		}

		*p = d.pos

		return errno.Success

	case stream.SETPOS:
		p, ok := arg.(uint64)
		if !ok {
			return errno.EINVAL
		}

		if p > d.backing.NumSectors()*uint64(d.blkSize) {
			return errno.EINVAL
		}

		d.pos = p

		return errno.Success

	case stream.GETBLKSZ:
		p, ok := arg.(*uint32)
		if !ok {
			return errno.EINVAL
		}

		*p = d.blkSize

		return errno.Success

	case stream.SETLEN, stream.FLUSH:
		return errno.ENOTSUP

	default:
		return errno.ENOTSUP
	}
}

// RegisterAsDevice registers this device instance with the trap layer under
// kind "blk" so devopen(blk, instno) can resolve it.
func (d *Device) RegisterAsDevice() {
	trap.RegisterDevice("blk", func(instno int) (stream.Stream, errno.Errno) {
		if instno != d.instno {
			return nil, errno.ENODEV
		}

		h, e := d.Open()
		if e.IsError() {
			return nil, e
		}

		return h, errno.Success
	})
}
