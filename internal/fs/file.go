package fs

import (
	"rv39kernel/internal/errno"
	"rv39kernel/internal/stream"
)

// File is one open file's Stream handle.
type File struct {
	fs   *FS
	slot int
}

// Open performs a linear search of the dentry table for name, truncated to
// the 32-byte dentry name field, and binds a free open-file slot to it.
func (f *FS) Open(name string) (*stream.Handle, errno.Errno) {
	t := f.s.Current()

	f.lock.Acquire(t)
	defer f.lock.Release(t)

	if len(name) > dentryNameSize {
		name = name[:dentryNameSize]
	}

	var inodeNo uint32
	found := false

	for i := uint32(0); i < f.boot.NumDentries; i++ {
		if f.boot.Dentries[i].NameString() == name {
			inodeNo = f.boot.Dentries[i].InodeNum
			found = true

			break
		}
	}

	if !found {
		return nil, errno.ENOENT
	}

	if inodeNo >= uint32(len(f.nodes)) {
		return nil, errno.EBADFMT
	}

	slot := -1

	for i := range f.open {
		if !f.open[i].inUse {
			slot = i
			break
		}
	}

	if slot < 0 {
		return nil, errno.EBUSY
	}

	f.open[slot] = openSlot{
		inUse:   true,
		inodeNo: inodeNo,
		length:  uint64(f.nodes[inodeNo].LengthBytes),
	}

	return stream.NewHandle(&File{fs: f, slot: slot}), errno.Success
}

func (fl *File) Close() errno.Errno {
	t := fl.fs.s.Current()

	fl.fs.lock.Acquire(t)
	defer fl.fs.lock.Release(t)

	fl.fs.open[fl.slot] = openSlot{}

	return errno.Success
}

// Read translates the file's byte position into (block index, in-block
// offset), looks up the absolute device block, and copies up to the
// remainder of that block, clamped at the file's fixed length.
func (fl *File) Read(buf []byte) (int, errno.Errno) {
	t := fl.fs.s.Current()

	fl.fs.lock.Acquire(t)
	defer fl.fs.lock.Release(t)

	slot := &fl.fs.open[fl.slot]
	node := &fl.fs.nodes[slot.inodeNo]

	n := 0

	for n < len(buf) && slot.pos < slot.length {
		blkIdx := slot.pos / blockSize
		off := slot.pos % blockSize

		if blkIdx >= uint64(len(node.Blocks)) {
			break
		}

		abs := dataBlockOffset(fl.fs.boot.NumInodes, node.Blocks[blkIdx])

		var blk [blockSize]byte
		if e := fl.fs.readBlockAt(abs, blk[:]); e.IsError() {
			if n > 0 {
				return n, errno.Success
			}

			return 0, e
		}

		want := uint64(len(buf) - n)
		remaining := slot.length - slot.pos

		if want > blockSize-off {
			want = blockSize - off
		}

		if want > remaining {
			want = remaining
		}

		copy(buf[n:], blk[off:off+want])

		n += int(want)
		slot.pos += want
	}

	return n, errno.Success
}

// Write is read-modify-write per block: the file's length is fixed, so a
// write that would extend it is clamped, matching the read-mounted
// invariant of this read-mounted layout.
func (fl *File) Write(buf []byte) (int, errno.Errno) {
	t := fl.fs.s.Current()

	fl.fs.lock.Acquire(t)
	defer fl.fs.lock.Release(t)

	slot := &fl.fs.open[fl.slot]
	node := &fl.fs.nodes[slot.inodeNo]

	n := 0

	for n < len(buf) && slot.pos < slot.length {
		blkIdx := slot.pos / blockSize
		off := slot.pos % blockSize

		if blkIdx >= uint64(len(node.Blocks)) {
			break
		}

		abs := dataBlockOffset(fl.fs.boot.NumInodes, node.Blocks[blkIdx])

		var blk [blockSize]byte
		if e := fl.fs.readBlockAt(abs, blk[:]); e.IsError() {
			if n > 0 {
				return n, errno.Success
			}

			return 0, e
		}

		want := uint64(len(buf) - n)
		remaining := slot.length - slot.pos

		if want > blockSize-off {
			want = blockSize - off
		}

		if want > remaining {
			want = remaining
		}

		copy(blk[off:off+want], buf[n:n+int(want)])

		if e := fl.fs.writeBlockAt(abs, blk[:]); e.IsError() {
			if n > 0 {
				return n, errno.Success
			}

			return 0, e
		}

		n += int(want)
		slot.pos += want
	}

	return n, errno.Success
}

// Ctl implements GETLEN, GETPOS, SETPOS (bounded by file length), and
// GETBLKSZ (always 4096).
func (fl *File) Ctl(cmd int, arg any) errno.Errno {
	t := fl.fs.s.Current()

	fl.fs.lock.Acquire(t)
	defer fl.fs.lock.Release(t)

	slot := &fl.fs.open[fl.slot]

	switch cmd {
	case stream.GETLEN:
		p, ok := arg.(*uint64)
		if !ok {
			return errno.EINVAL
		}

		*p = slot.length

		return errno.Success

	case stream.GETPOS:
		p, ok := arg.(*uint64)
		if !ok {
			return errno.EINVAL
		}

		*p = slot.pos

		return errno.Success

	case stream.SETPOS:
		pos, ok := arg.(uint64)
		if !ok {
			return errno.EINVAL
		}

		if pos > slot.length {
			return errno.EINVAL
		}

		slot.pos = pos

		return errno.Success

	case stream.GETBLKSZ:
		p, ok := arg.(*uint32)
		if !ok {
			return errno.EINVAL
		}

		*p = blockSize

		return errno.Success

	case stream.SETLEN, stream.FLUSH:
		return errno.ENOTSUP

	default:
		return errno.ENOTSUP
	}
}
