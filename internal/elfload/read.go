package elfload

import (
	"rv39kernel/internal/errno"
	"rv39kernel/internal/stream"
)

// ReadAll slurps s from its current position to EOF. exec uses this to pull
// the whole ELF image into kernel memory once, before tearing down the old
// address space, so segment loading never touches the stream after the
// user range is unmapped.
func ReadAll(s stream.Stream) ([]byte, errno.Errno) {
	var length uint64

	if e := s.Ctl(stream.GETLEN, &length); e.IsError() {
		return nil, e
	}

	buf := make([]byte, length)

	off := 0

	for off < len(buf) {
		n, e := s.Read(buf[off:])
		if e.IsError() {
			return nil, e
		}

		if n == 0 {
			break
		}

		off += n
	}

	return buf[:off], errno.Success
}
