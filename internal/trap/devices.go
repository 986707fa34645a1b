package trap

import (
	"sync"

	"rv39kernel/internal/errno"
	"rv39kernel/internal/stream"
)

// DeviceOpener opens instance number instno of a named device kind (e.g.
// "blk") as a Stream. Registered by whichever driver owns that device
// kind, so devopen can resolve named device instances without the trap
// layer depending on every driver package directly.
type DeviceOpener func(instno int) (stream.Stream, errno.Errno)

var (
	devicesMu sync.Mutex
	devices   = map[string]DeviceOpener{}
)

// RegisterDevice registers a device kind's opener. Called once at boot by
// each driver that exposes named instances.
func RegisterDevice(name string, open DeviceOpener) {
	devicesMu.Lock()
	defer devicesMu.Unlock()

	devices[name] = open
}

// OpenDevice resolves and opens a named device instance for the devopen
// syscall.
func OpenDevice(name string, instno int) (stream.Stream, errno.Errno) {
	devicesMu.Lock()
	open, ok := devices[name]
	devicesMu.Unlock()

	if !ok {
		return nil, errno.ENODEV
	}

	return open(instno)
}
