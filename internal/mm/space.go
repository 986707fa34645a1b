package mm

import (
	"errors"
	"fmt"

	"rv39kernel/internal/log"
)

// Mtag is the 64-bit descriptor stored in the paging CSR: a mode selector,
// an address-space identifier, and the physical page number of the root
// page table.
type Mtag uint64

const (
	mtagModeSv39 = Mtag(8) << 60
	mtagASIDMask = Mtag(0xFFFF) << 44
	mtagPPNMask  = Mtag(0xFFFFFFFFFFF)
)

// MakeMtag builds an mtag for a root table at pa with the given ASID.
func MakeMtag(asid uint16, root PhysAddr) Mtag {
	return mtagModeSv39 | (Mtag(asid)<<44)&mtagASIDMask | Mtag(root/PageSize)&mtagPPNMask
}

// Root returns the physical address of the mtag's root page table.
func (t Mtag) Root() PhysAddr { return PhysAddr(uint64(t&mtagPPNMask) * PageSize) }

// ASID returns the mtag's address-space identifier.
func (t Mtag) ASID() uint16 { return uint16((t & mtagASIDMask) >> 44) }

func (t Mtag) String() string {
	return fmt.Sprintf("mtag{asid:%d root:%s}", t.ASID(), t.Root())
}

var (
	// ErrWalkStructural is returned (and should only ever be raised as a
	// panic at the call site) when walk_or_create's path
	// crosses an existing leaf (a huge page where a smaller one was
	// expected). This indicates a programmer error in the caller, not a
	// recoverable runtime condition.
	ErrWalkStructural = errors.New("mm: walk: path crosses an existing leaf")
)

// walkExisting descends three levels using VPN2/VPN1/VPN0 and returns a
// pointer to the PTE for va, or nil if any level along the path is absent.
// It never allocates. This is the "lookup" half of the original walk_pt,
// split out so callers that must not allocate can use it directly.
func (m *MM) walkExisting(root PhysAddr, va VirtAddr) *PTE {
	table := root

	for level := 2; level > 0; level-- {
		tbl := m.table(table)
		idx := vpn(va, level)
		pte := &tbl[idx]

		if !pte.IsValid() {
			return nil
		}

		if pte.IsLeaf() {
			// A megapage or gigapage satisfies every VPN below its level;
			// there is nothing further to walk.
			return pte
		}

		table = pte.PhysAddr()
	}

	tbl := m.table(table)

	return &tbl[vpn(va, 0)]
}

// walkOrCreate descends the same three levels, allocating zeroed tables on
// demand and installing internal PTEs (V=1, R|W|X clear) as needed. It
// refuses to cross a megapage or gigapage leaf, returning an error that
// wraps ErrWalkStructural, since that indicates the caller asked to map a
// page inside a range some other operation already mapped as a huge page, a
// kernel invariant violation.
func (m *MM) walkOrCreate(root PhysAddr, va VirtAddr) (*PTE, error) {
	table := root

	for level := 2; level > 0; level-- {
		tbl := m.table(table)
		idx := vpn(va, level)
		pte := &tbl[idx]

		switch {
		case !pte.IsValid():
			child := m.allocTable()
			*pte = mkTablePTE(child)
			table = child
		case pte.IsLeaf():
			return nil, fmt.Errorf("%w: va=%s level=%d", ErrWalkStructural, va, level)
		default:
			table = pte.PhysAddr()
		}
	}

	tbl := m.table(table)

	return &tbl[vpn(va, 0)], nil
}

// SpaceCreate allocates one root table for a fresh user address space and
// references the shared kernel level-1 table so the kernel range is
// identity-mapped without copying any kernel PTEs. Global bit survives
// TLB ASID changes, so the kernel remains reachable after a space switch.
func (m *MM) SpaceCreate(asid uint16) Mtag {
	root := m.allocTable()

	kernelTbl := m.table(m.kernelRoot)
	rootTbl := m.table(root)

	// Share every root-level entry the kernel mapping installed (the
	// identity gigapages and the kernel-image level-1 table); entries are
	// Global so TLB entries for them survive an ASID change.
	for i := range kernelTbl {
		if kernelTbl[i].IsValid() {
			rootTbl[i] = kernelTbl[i]
		}
	}

	return MakeMtag(asid, root)
}

// SpaceClone creates a fresh address space and, for every mapped user
// virtual page in the caller's space, allocates a new physical page, copies
// its contents, and installs a leaf PTE with the original's flags.
func (m *MM) SpaceClone(asid uint16, from Mtag) Mtag {
	to := m.SpaceCreate(asid)

	for va := USER_START_VMA; va < USER_END_VMA; va += PageSize {
		pte := m.walkExisting(from.Root(), va)
		if pte == nil || !pte.IsLeaf() {
			continue
		}

		newPA, err := m.AllocPage()
		if err != nil {
			panic(err)
		}

		copy(m.page(newPA), m.page(pte.PhysAddr()))

		dst, err := m.walkOrCreate(to.Root(), va)
		if err != nil {
			panic(err)
		}

		*dst = mkLeafPTE(newPA, pte.Flags())
	}

	return to
}

// SpaceReclaim switches to the kernel's address space, walks the prior
// space's user range, frees every non-Global physical page reached via
// non-leaf entries, then frees the tables themselves. Kernel tables are
// shared (Global) and are never freed here: only kernel PTEs are ever
// Global, which this function relies on and asserts explicitly rather
// than merely assuming.
func (m *MM) SpaceReclaim(prior Mtag) {
	m.active = m.mainMtag

	root := prior.Root()
	rootTbl := m.table(root)

	for i2 := range rootTbl {
		pte2 := rootTbl[i2]
		if !pte2.IsValid() || pte2.IsLeaf() || pte2&PteG != 0 {
			continue // shared kernel entry or an identity-mapped kernel gigapage
		}

		l1 := pte2.PhysAddr()
		l1Tbl := m.table(l1)

		for i1 := range l1Tbl {
			pte1 := l1Tbl[i1]
			if !pte1.IsValid() || pte1&PteG != 0 {
				continue
			}

			if pte1.IsLeaf() {
				m.FreePage(pte1.PhysAddr())
				continue
			}

			l0 := pte1.PhysAddr()
			l0Tbl := m.table(l0)

			for i0 := range l0Tbl {
				pte0 := l0Tbl[i0]
				if pte0.IsValid() && pte0&PteG == 0 {
					if !pte0.IsLeaf() {
						panic("mm: space_reclaim: non-global, non-leaf entry at level 0")
					}

					m.FreePage(pte0.PhysAddr())
				}
			}

			m.FreePage(l0)
		}

		m.FreePage(l1)
	}

	m.FreePage(root)
}

// SpaceSwitch installs mtag as the active address space and returns the
// previously active one.
func (m *MM) SpaceSwitch(mtag Mtag) Mtag {
	prev := m.active
	m.active = mtag

	return prev
}

// AllocAndMapPage allocates a fresh page and installs a leaf PTE for it at
// vma (rounded down to a page boundary) in the space rooted at root.
func (m *MM) AllocAndMapPage(root PhysAddr, vma VirtAddr, flags Flags) (PhysAddr, error) {
	vma = PageTrunc(vma)

	pa, err := m.AllocPage()
	if err != nil {
		return 0, err
	}

	clear(m.page(pa))

	pte, err := m.walkOrCreate(root, vma)
	if err != nil {
		return 0, err
	}

	*pte = mkLeafPTE(pa, flags)

	return pa, nil
}

// AllocAndMapRange allocates and maps fresh pages covering [vma, vma+size),
// rounding both to page multiples.
func (m *MM) AllocAndMapRange(root PhysAddr, vma VirtAddr, size uint64, flags Flags) error {
	start := PageTrunc(vma)
	end := VirtAddr(PageRound(uint64(vma) + size))

	for va := start; va < end; va += PageSize {
		if _, err := m.AllocAndMapPage(root, va, flags); err != nil {
			return err
		}
	}

	return nil
}

// SetRangeFlags overwrites the permission bits of every leaf PTE covering
// [vp, vp+size), preserving the physical mapping. A, D, and V are
// re-asserted on every touched leaf.
func (m *MM) SetRangeFlags(root PhysAddr, vp VirtAddr, size uint64, flags Flags) {
	start := PageTrunc(vp)
	end := VirtAddr(PageRound(uint64(vp) + size))

	for va := start; va < end; va += PageSize {
		pte := m.walkExisting(root, va)
		if pte == nil || !pte.IsLeaf() {
			continue
		}

		*pte = mkLeafPTE(pte.PhysAddr(), flags)
	}
}

// UnmapAndFreeUser frees every user-range leaf's backing page and nulls the
// PTE; used by exec before loading a new image.
func (m *MM) UnmapAndFreeUser(root PhysAddr) {
	for va := USER_START_VMA; va < USER_END_VMA; va += PageSize {
		pte := m.walkExisting(root, va)
		if pte == nil || !pte.IsLeaf() {
			continue
		}

		m.FreePage(pte.PhysAddr())
		*pte = 0
	}
}

// ValidateVPtrLen reports whether every page covering [vp, vp+length) is
// mapped in root's address space and carries at least the given flags.
func (m *MM) ValidateVPtrLen(root PhysAddr, vp VirtAddr, length uint64, flags Flags) bool {
	if length == 0 {
		return true
	}

	start := PageTrunc(vp)
	end := VirtAddr(PageRound(uint64(vp) + length))

	for va := start; va < end; va += PageSize {
		pte := m.walkExisting(root, va)
		if pte == nil || !pte.IsLeaf() || !pte.Has(flags) {
			return false
		}
	}

	return true
}

// ValidateVString walks a NUL-terminated user string byte by byte,
// re-validating the mapping each time it crosses a page boundary, and
// reports whether the string is entirely readable with the given flags and
// NUL-terminated within maxLen bytes.
func (m *MM) ValidateVString(root PhysAddr, vs VirtAddr, maxLen int, flags Flags) (int, bool) {
	for i := 0; i < maxLen; i++ {
		va := vs + VirtAddr(i)

		if i == 0 || va%PageSize == 0 {
			pte := m.walkExisting(root, va)
			if pte == nil || !pte.IsLeaf() || !pte.Has(flags) {
				return 0, false
			}
		}

		b := m.ReadByte(root, va)
		if b == 0 {
			return i, true
		}
	}

	return 0, false
}

// ReadByte reads a single byte through root's address space. The caller
// must have validated the address first.
func (m *MM) ReadByte(root PhysAddr, va VirtAddr) byte {
	pte := m.walkExisting(root, PageTrunc(va))
	if pte == nil {
		panic("mm: read_byte: unmapped address")
	}

	off := uint64(va) % PageSize

	return m.page(pte.PhysAddr())[off]
}

// CopyIn copies length bytes from user space va (validated by the caller)
// into dst.
func (m *MM) CopyIn(root PhysAddr, va VirtAddr, dst []byte) {
	m.copyThroughPageBoundaries(root, va, dst, true)
}

// CopyOut copies length bytes from src into user space va (validated by the
// caller).
func (m *MM) CopyOut(root PhysAddr, va VirtAddr, src []byte) {
	m.copyThroughPageBoundaries(root, va, src, false)
}

func (m *MM) copyThroughPageBoundaries(root PhysAddr, va VirtAddr, buf []byte, in bool) {
	remaining := buf

	for len(remaining) > 0 {
		pte := m.walkExisting(root, PageTrunc(va))
		if pte == nil {
			panic("mm: copy: unmapped address")
		}

		off := uint64(va) % PageSize
		n := uint64(len(remaining))

		if n > PageSize-off {
			n = PageSize - off
		}

		page := m.page(pte.PhysAddr())

		if in {
			copy(remaining[:n], page[off:off+n])
		} else {
			copy(page[off:off+n], remaining[:n])
		}

		remaining = remaining[n:]
		va += VirtAddr(n)
	}
}

// HandlePageFault implements demand paging: if addr lies within the user
// range, a fresh zero page is allocated and mapped R|W|U; otherwise the
// caller must terminate the process (MM itself has no notion of a
// process and leaves that decision to the caller via the ok return value).
func (m *MM) HandlePageFault(root PhysAddr, addr VirtAddr) bool {
	if addr < USER_START_VMA || addr >= USER_END_VMA {
		return false
	}

	if _, err := m.AllocAndMapPage(root, addr, FlagRWU); err != nil {
		return false
	}

	m.log.Debug("mm: demand page fault handled", log.String("addr", addr.String()))

	return true
}
