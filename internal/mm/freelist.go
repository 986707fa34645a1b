package mm

import (
	"encoding/binary"

	"rv39kernel/internal/log"
)

// A free page carries a single pointer to the next free page embedded in
// its first word (an intrusive freelist): allocation and
// free are both O(1) and need no separate bookkeeping structure.

func (m *MM) nextFree(pa PhysAddr) PhysAddr {
	return PhysAddr(binary.LittleEndian.Uint64(m.page(pa)))
}

func (m *MM) setNextFree(pa, next PhysAddr) {
	binary.LittleEndian.PutUint64(m.page(pa), uint64(next))
}

// AllocPage detaches the freelist head and returns it. It panics if the
// freelist is empty: physical memory exhaustion is a
// kernel invariant violation, not a recoverable error, in this design.
func (m *MM) AllocPage() (PhysAddr, error) {
	if m.freeHead == 0 {
		panic("mm: out of physical memory")
	}

	pa := m.freeHead
	m.freeHead = m.nextFree(pa)

	m.log.Debug("mm: alloc_page", log.String("pa", pa.String()))

	return pa, nil
}

// FreePage re-links pa to the freelist head. There is no coalescing.
func (m *MM) FreePage(pa PhysAddr) {
	m.setNextFree(pa, m.freeHead)
	m.freeHead = pa
}
