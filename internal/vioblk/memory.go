package vioblk

import (
	"rv39kernel/internal/log"
	"rv39kernel/internal/sched"
)

// memBackingStore is an in-memory BackingStore, used by NewMemoryBackedDevice
// for tests and by the standalone kernel binary when no disk image path is
// given.
type memBackingStore struct {
	sectorSize int
	data       []byte
}

func (m *memBackingStore) NumSectors() uint64 { return uint64(len(m.data) / m.sectorSize) }

func (m *memBackingStore) ReadSector(sector uint64, buf []byte) error {
	off := int(sector) * m.sectorSize
	copy(buf, m.data[off:off+m.sectorSize])

	return nil
}

func (m *memBackingStore) WriteSector(sector uint64, buf []byte) error {
	off := int(sector) * m.sectorSize
	copy(m.data[off:off+m.sectorSize], buf)

	return nil
}

// NewMemoryBackedDevice creates a Device over an in-memory byte slice instead
// of a real disk image, for tests that need a vioblk-shaped Stream without
// a filesystem image on disk. image's length must be a multiple of
// DefaultBlockSize.
func NewMemoryBackedDevice(instno int, image []byte, s *sched.Scheduler, logger *log.Logger) *Device {
	backing := &memBackingStore{sectorSize: DefaultBlockSize, data: image}

	return New(instno, backing, s, logger)
}
