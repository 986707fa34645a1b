package fs

import (
	"strconv"

	"rv39kernel/internal/errno"
	"rv39kernel/internal/log"
	"rv39kernel/internal/sched"
	"rv39kernel/internal/stream"
)

// MaxOpenFiles bounds the filesystem-wide open-file table.
const MaxOpenFiles = 32

type openSlot struct {
	inUse   bool
	inodeNo uint32
	pos     uint64
	length  uint64
}

// FS is one mounted filesystem instance.
type FS struct {
	dev   stream.Stream
	boot  bootBlock
	nodes []inode

	open [MaxOpenFiles]openSlot

	lock *sched.SleepLock
	s    *sched.Scheduler
	log  *log.Logger
}

// Mount reads the boot block and every inode off dev, verifying the
// device's reported block size evenly divides this filesystem's fixed
// 4096-byte blocks. VIOBLK reports a 512-byte sector size, eight to a
// filesystem block, and readBlockAt/writeBlockAt already accumulate
// partial device reads and writes into one full block regardless of the
// device's own granularity.
func Mount(dev stream.Stream, s *sched.Scheduler, logger *log.Logger) (*FS, errno.Errno) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	var devBlkSize uint32

	if e := dev.Ctl(stream.GETBLKSZ, &devBlkSize); e.IsError() {
		return nil, e
	}

	if devBlkSize == 0 || blockSize%devBlkSize != 0 {
		return nil, errno.EBADFMT
	}

	f := &FS{
		dev:  dev,
		lock: s.NewSleepLock("fs.lock"),
		s:    s,
		log:  logger,
	}

	raw := make([]byte, blockSize)

	if e := f.readBlockAt(0, raw); e.IsError() {
		return nil, e
	}

	f.boot = parseBootBlock(raw)

	if f.boot.NumDentries > MaxDentries {
		return nil, errno.EBADFMT
	}

	f.nodes = make([]inode, f.boot.NumInodes)

	for i := uint32(0); i < f.boot.NumInodes; i++ {
		if e := f.readBlockAt(uint64(1+i)*blockSize, raw); e.IsError() {
			return nil, e
		}

		f.nodes[i] = parseInode(raw)
	}

	logger.Info("fs: mounted", log.String("dentries", strconv.Itoa(int(f.boot.NumDentries))),
		log.String("inodes", strconv.Itoa(int(f.boot.NumInodes))))

	return f, errno.Success
}

func (f *FS) readBlockAt(off uint64, buf []byte) errno.Errno {
	if e := f.dev.Ctl(stream.SETPOS, off); e.IsError() {
		return e
	}

	got := 0
	for got < len(buf) {
		n, e := f.dev.Read(buf[got:])
		if e.IsError() {
			return e
		}

		if n == 0 {
			return errno.EIO
		}

		got += n
	}

	return errno.Success
}

func (f *FS) writeBlockAt(off uint64, buf []byte) errno.Errno {
	if e := f.dev.Ctl(stream.SETPOS, off); e.IsError() {
		return e
	}

	put := 0
	for put < len(buf) {
		n, e := f.dev.Write(buf[put:])
		if e.IsError() {
			return e
		}

		if n == 0 {
			return errno.EIO
		}

		put += n
	}

	return errno.Success
}
