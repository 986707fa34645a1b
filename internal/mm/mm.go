package mm

import (
	"fmt"
	"unsafe"

	"rv39kernel/internal/log"
)

// RAMStart is the physical address at which installed RAM begins; the range
// below it is reserved for MMIO and is identity-mapped R|W|G in every
// address space.
const RAMStart = PhysAddr(0x80000000)

// MM owns every physical page above the kernel image, the kernel's address
// space, and every live process's address space.
//
// There is no backing hardware, so "physical memory" is just a []byte
// MM allocated for itself; pages and page tables are typed views over
// slices of it, the same relationship vm.Memory has between its cell array
// and a typed register view over a simulated machine's memory cells, and
// the same unsafe.Pointer reinterpretation a page-to-bytes helper uses in the biscuit
// port (mem/mem.go) to view a page of words as a page of bytes.
type MM struct {
	ram       []byte
	ramEnd    PhysAddr
	kernelEnd PhysAddr

	freeHead PhysAddr // 0 means empty; the intrusive freelist head

	mainMtag   Mtag
	kernelRoot PhysAddr // root table of the shared kernel range
	active     Mtag

	allocPtr     PhysAddr // bump allocator used only while bootstrapping the kernel tables in Init
	bootstrapped bool

	log *log.Logger
}

// New creates an MM with no memory installed yet; call Init to build the
// kernel address space and seed the freelist.
func New(logger *log.Logger) *MM {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &MM{log: logger}
}

// Init builds main_mtag: identity-mapping [0, RAMStart) with two gigapages
// (R|W|G), splitting the kernel image [RAMStart, kernelEnd) into 4KiB
// leaves with region-specific permissions, and mapping the remainder of RAM
// with R|W|G megapages. It installs the root as the active address space,
// seeds the allocator with the first fractional page after the kernel
// image, and threads every remaining RAM page onto the freelist.
func (m *MM) Init(kernelEnd, ramEnd PhysAddr) {
	m.ramEnd = ramEnd
	m.kernelEnd = kernelEnd

	// Only [RAMStart, ramEnd) needs a backing store: the MMIO range below
	// RAM is identity-mapped in every space but nothing ever reads or
	// writes through it here, and every page the allocator hands out lives
	// above the kernel image.
	m.ram = make([]byte, ramEnd-RAMStart)

	// Page tables built while bootstrapping come from a simple bump
	// allocator over the space just past the kernel image; the freelist
	// itself isn't seeded until the tables are in place, below.
	m.allocPtr = PhysAddr(PageRound(uint64(kernelEnd)))

	root := m.allocTable()
	m.kernelRoot = root

	// Identity-map the MMIO range below RAM with gigapages.
	for gva := PhysAddr(0); gva < RAMStart; gva += GigaSize {
		m.setRootGiga(root, VirtAddr(gva), gva, FlagRW|FlagG)
	}

	// Split the kernel image into text/rodata/data+heap regions. There is
	// no linker here, so the image is divided into equal thirds; this is
	// an approximation of a real kernel's section layout, not a hazard,
	// since no code actually executes out of these pages in this
	// simulation.
	imageSize := uint64(kernelEnd - RAMStart)
	third := PageRound(imageSize / 3)

	textEnd := RAMStart + PhysAddr(third)
	rodataEnd := textEnd + PhysAddr(third)

	for pa := RAMStart; pa < textEnd; pa += PageSize {
		m.mapKernelLeaf(root, pa, FlagRX|FlagG)
	}

	for pa := textEnd; pa < rodataEnd; pa += PageSize {
		m.mapKernelLeaf(root, pa, FlagR|FlagG)
	}

	for pa := rodataEnd; pa < PhysAddr(PageRound(uint64(kernelEnd))); pa += PageSize {
		m.mapKernelLeaf(root, pa, FlagRW|FlagG)
	}

	// Map the rest of RAM with megapages.
	heapStart := PhysAddr(PageRound(uint64(kernelEnd)))
	megaStart := PhysAddr((uint64(heapStart) + MegaSize - 1) &^ (MegaSize - 1))

	for pa := heapStart; pa < megaStart && pa < ramEnd; pa += PageSize {
		m.mapKernelLeaf(root, pa, FlagRW|FlagG)
	}

	for pa := megaStart; pa < ramEnd; pa += MegaSize {
		m.setMegaLeaf(root, VirtAddr(pa), pa, FlagRW|FlagG)
	}

	// walkOrCreate installs intermediate (non-leaf) entries without the
	// Global bit; the entire kernel root is shared verbatim by every
	// process's root table (SpaceCreate), so every non-leaf entry reached
	// from it needs G set too, or SpaceReclaim's "skip Global entries"
	// walk will free the kernel's own page tables out from under every
	// other address space.
	m.markGlobal(root)

	m.mainMtag = MakeMtag(0, root)
	m.active = m.mainMtag

	// Seed the freelist with everything after the kernel image; the first
	// fractional page rounds up to the next page boundary and is folded
	// into the freelist along with the rest.
	m.freeHead = 0

	for pa := m.allocPtr; pa+PageSize <= ramEnd; pa += PageSize {
		m.FreePage(pa)
	}

	m.bootstrapped = true

	m.log.Info("mm: initialized", log.String("kernelEnd", kernelEnd.String()),
		log.String("ramEnd", ramEnd.String()))
}

// RAMSpan reports the physical bounds of installed RAM, [RAMStart, ramEnd).
func (m *MM) RAMSpan() (start, end PhysAddr) { return RAMStart, m.ramEnd }

// MainMtag returns the kernel's distinguished address space descriptor.
func (m *MM) MainMtag() Mtag { return m.mainMtag }

// Active returns the currently installed address space.
func (m *MM) Active() Mtag { return m.active }

// page returns a byte slice viewing the page at pa. Only pages at or above
// RAMStart are backed.
func (m *MM) page(pa PhysAddr) []byte {
	off := int(pa - RAMStart)
	return m.ram[off : off+PageSize]
}

// table reinterprets the page at pa as a page table.
func (m *MM) table(pa PhysAddr) *Table {
	return (*Table)(unsafe.Pointer(&m.ram[pa-RAMStart]))
}

// allocTable allocates and zeroes a fresh page to use as a page table. Once
// the freelist is live (after Init completes) this is backed by AllocPage;
// during Init itself, before the freelist is seeded, it uses the bump
// allocator instead.
func (m *MM) allocTable() PhysAddr {
	var pa PhysAddr

	if !m.bootstrapped {
		pa = m.allocPtr
		m.allocPtr += PageSize

		if m.allocPtr > m.ramEnd {
			panic("mm: init: ran out of RAM while building kernel page tables")
		}
	} else {
		var err error

		pa, err = m.AllocPage()
		if err != nil {
			panic(err)
		}
	}

	clear(m.page(pa))

	return pa
}

func (m *MM) mapKernelLeaf(root, pa PhysAddr, flags Flags) {
	pte, err := m.walkOrCreate(root, VirtAddr(pa))
	if err != nil {
		panic(fmt.Sprintf("mm: init: %s", err))
	}

	*pte = mkLeafPTE(pa, flags)
}

// setRootGiga installs a gigapage leaf directly in the root (level-2) table.
func (m *MM) setRootGiga(root PhysAddr, va VirtAddr, pa PhysAddr, flags Flags) {
	tbl := m.table(root)
	tbl[vpn(va, 2)] = mkLeafPTE(pa, flags)
}

// setMegaLeaf installs a megapage leaf in the level-1 table, creating it if
// necessary.
func (m *MM) setMegaLeaf(root PhysAddr, va VirtAddr, pa PhysAddr, flags Flags) {
	rootTbl := m.table(root)
	idx2 := vpn(va, 2)

	var l1 PhysAddr

	if !rootTbl[idx2].IsValid() {
		l1 = m.allocTable()
		rootTbl[idx2] = mkTablePTE(l1)
	} else if rootTbl[idx2].IsLeaf() {
		panic("mm: init: megapage collides with gigapage leaf")
	} else {
		l1 = rootTbl[idx2].PhysAddr()
	}

	l1Tbl := m.table(l1)
	l1Tbl[vpn(va, 1)] = mkLeafPTE(pa, flags)
}

// markGlobal ORs the Global bit into every non-leaf entry reachable from
// root. Leaves installed while building the kernel address space already
// carry G via their caller-supplied flags; only the internal table
// pointers mkTablePTE creates need it added after the fact.
func (m *MM) markGlobal(root PhysAddr) {
	rootTbl := m.table(root)

	for i2 := range rootTbl {
		pte2 := &rootTbl[i2]
		if !pte2.IsValid() || pte2.IsLeaf() {
			continue
		}

		*pte2 |= PTE(FlagG)

		l1Tbl := m.table(pte2.PhysAddr())

		for i1 := range l1Tbl {
			pte1 := &l1Tbl[i1]
			if !pte1.IsValid() || pte1.IsLeaf() {
				continue
			}

			*pte1 |= PTE(FlagG)
		}
	}
}

// Stats reports the allocator's current free page count, used by tests and
// an optional diagnostic command; not part of the syscall surface.
type Stats struct {
	FreePages int
	RAMBytes  uint64
}

func (m *MM) Stats() Stats {
	n := 0

	for pa := m.freeHead; pa != 0; {
		n++
		pa = m.nextFree(pa)
	}

	return Stats{FreePages: n, RAMBytes: uint64(m.ramEnd)}
}
