package mm_test

import (
	"testing"

	"rv39kernel/internal/log"
	"rv39kernel/internal/mm"
)

const (
	testKernelEnd = mm.RAMStart + mm.PhysAddr(64*mm.PageSize)
	testRAMEnd    = mm.RAMStart + mm.PhysAddr(4<<20) // 4 MiB of simulated RAM
)

func newTestMM(t *testing.T) *mm.MM {
	t.Helper()

	m := mm.New(log.DefaultLogger())
	m.Init(testKernelEnd, testRAMEnd)

	return m
}

func TestInitSeedsFreelist(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)

	stats := m.Stats()
	if stats.FreePages == 0 {
		t.Fatal("Stats: want FreePages > 0 after Init")
	}

	if stats.RAMBytes != uint64(testRAMEnd) {
		t.Errorf("Stats: RAMBytes = %d, want %d", stats.RAMBytes, testRAMEnd)
	}

	if start, end := m.RAMSpan(); start != mm.RAMStart || end != testRAMEnd {
		t.Errorf("RAMSpan() = (%s, %s), want (%s, %s)", start, end, mm.RAMStart, testRAMEnd)
	}
}

func TestAllocFreeIsLIFO(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)

	before := m.Stats().FreePages

	a, err := m.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}

	if got := m.Stats().FreePages; got != before-1 {
		t.Errorf("Stats.FreePages after one alloc = %d, want %d", got, before-1)
	}

	m.FreePage(a)

	if got := m.Stats().FreePages; got != before {
		t.Errorf("Stats.FreePages after free = %d, want %d", got, before)
	}

	// The freelist has no coalescing and is a simple intrusive stack, so
	// freeing a and re-allocating must return the same page.
	b, err := m.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}

	if a != b {
		t.Errorf("AllocPage after Free = %s, want %s (freelist should be LIFO)", b, a)
	}
}

func TestAllocAndMapPageThenValidate(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)
	space := m.SpaceCreate(1)
	root := space.Root()

	vma := mm.USER_START_VMA + mm.VirtAddr(0x1000)

	if _, err := m.AllocAndMapPage(root, vma, mm.FlagRWU); err != nil {
		t.Fatalf("AllocAndMapPage: %v", err)
	}

	if !m.ValidateVPtrLen(root, vma, 16, mm.FlagRU) {
		t.Error("ValidateVPtrLen: want true for a freshly mapped R|W|U page")
	}

	if m.ValidateVPtrLen(root, vma, 16, mm.FlagX) {
		t.Error("ValidateVPtrLen: want false when requiring X on a non-executable page")
	}

	// Spanning past the mapped page into unmapped space must fail.
	if m.ValidateVPtrLen(root, vma, mm.PageSize+16, mm.FlagRU) {
		t.Error("ValidateVPtrLen: want false when the range extends past the mapped page")
	}
}

func TestValidateVString(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)
	space := m.SpaceCreate(1)
	root := space.Root()

	vma := mm.USER_START_VMA
	if _, err := m.AllocAndMapPage(root, vma, mm.FlagRWU); err != nil {
		t.Fatalf("AllocAndMapPage: %v", err)
	}

	msg := []byte("hello, kernel\x00garbage-after-nul")
	m.CopyOut(root, vma, msg)

	n, ok := m.ValidateVString(root, vma, 64, mm.FlagRU)
	if !ok {
		t.Fatal("ValidateVString: want ok=true for a NUL-terminated string")
	}

	if want := len("hello, kernel"); n != want {
		t.Errorf("ValidateVString: n = %d, want %d", n, want)
	}

	// A maxLen shorter than the string (no NUL observed in range) must fail.
	if _, ok := m.ValidateVString(root, vma, 4, mm.FlagRU); ok {
		t.Error("ValidateVString: want ok=false when no NUL appears within maxLen")
	}
}

func TestHandlePageFaultDemandPages(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)
	space := m.SpaceCreate(1)
	root := space.Root()

	addr := mm.USER_START_VMA + mm.VirtAddr(0x18000)

	if m.ValidateVPtrLen(root, addr, 1, mm.FlagRU) {
		t.Fatal("address should be unmapped before the first fault")
	}

	if !m.HandlePageFault(root, addr) {
		t.Fatal("HandlePageFault: want true for an address inside the user range")
	}

	if !m.ValidateVPtrLen(root, addr, 1, mm.FlagRWU) {
		t.Error("ValidateVPtrLen: want true after a demand-paging fault maps R|W|U")
	}

	m.CopyOut(root, addr, []byte{0x41})

	var got [1]byte
	m.CopyIn(root, addr, got[:])

	if got[0] != 0x41 {
		t.Errorf("byte written after demand paging = %#x, want 0x41", got[0])
	}

	// An address outside the user window is never demand-paged; the caller
	// (trap.HandleUserTrap) is expected to terminate the process instead.
	if m.HandlePageFault(root, mm.USER_END_VMA) {
		t.Error("HandlePageFault: want false for an address outside the user range")
	}
}

func TestSpaceCloneCopiesContent(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)
	parent := m.SpaceCreate(1)
	root := parent.Root()

	vma := mm.USER_START_VMA
	if _, err := m.AllocAndMapPage(root, vma, mm.FlagRWU); err != nil {
		t.Fatalf("AllocAndMapPage: %v", err)
	}

	m.CopyOut(root, vma, []byte("parent data"))

	child := m.SpaceClone(2, parent)
	childRoot := child.Root()

	got := make([]byte, len("parent data"))
	m.CopyIn(childRoot, vma, got)

	if string(got) != "parent data" {
		t.Errorf("cloned page content = %q, want %q", got, "parent data")
	}

	// The clone must own an independent physical page: mutating the parent
	// must not be visible through the child.
	m.CopyOut(root, vma, []byte("mutated!!!!"))

	m.CopyIn(childRoot, vma, got)
	if string(got) != "parent data" {
		t.Errorf("child observed parent mutation: got %q, want unchanged %q", got, "parent data")
	}
}

func TestSpaceReclaimFreesUserPages(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)
	before := m.Stats().FreePages

	space := m.SpaceCreate(1)
	root := space.Root()

	if err := m.AllocAndMapRange(root, mm.USER_START_VMA, 3*mm.PageSize, mm.FlagRWU); err != nil {
		t.Fatalf("AllocAndMapRange: %v", err)
	}

	afterMap := m.Stats().FreePages
	if afterMap >= before {
		t.Fatalf("Stats.FreePages after mapping = %d, want fewer than %d", afterMap, before)
	}

	m.SpaceReclaim(space)

	// Reclaim frees the user pages and the space's own tables, but not the
	// kernel's shared (Global) tables, so the free count should recover
	// close to (allowing for the root/level-1 tables this space itself
	// consumed beyond the shared kernel range) its pre-space-create level.
	afterReclaim := m.Stats().FreePages
	if afterReclaim <= afterMap {
		t.Errorf("Stats.FreePages after reclaim = %d, want more than %d", afterReclaim, afterMap)
	}
}

func TestSpaceSwitchRoundTrips(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)
	main := m.MainMtag()
	a := m.SpaceCreate(1)

	prev := m.SpaceSwitch(a)
	if prev != main {
		t.Errorf("SpaceSwitch(a) returned previous = %s, want main mtag %s", prev, main)
	}

	prev2 := m.SpaceSwitch(prev)
	if prev2 != a {
		t.Errorf("SpaceSwitch(main) returned previous = %s, want %s", prev2, a)
	}

	if m.Active() != main {
		t.Errorf("Active() = %s, want %s", m.Active(), main)
	}
}

func TestUnmapAndFreeUser(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)
	space := m.SpaceCreate(1)
	root := space.Root()

	if err := m.AllocAndMapRange(root, mm.USER_START_VMA, 2*mm.PageSize, mm.FlagRWU); err != nil {
		t.Fatalf("AllocAndMapRange: %v", err)
	}

	m.UnmapAndFreeUser(root)

	if m.ValidateVPtrLen(root, mm.USER_START_VMA, 1, mm.FlagRU) {
		t.Error("ValidateVPtrLen: want false after UnmapAndFreeUser")
	}
}

func TestSetRangeFlags(t *testing.T) {
	t.Parallel()

	m := newTestMM(t)
	space := m.SpaceCreate(1)
	root := space.Root()

	vma := mm.USER_START_VMA
	if _, err := m.AllocAndMapPage(root, vma, mm.FlagRWU); err != nil {
		t.Fatalf("AllocAndMapPage: %v", err)
	}

	m.SetRangeFlags(root, vma, mm.PageSize, mm.FlagRU)

	if m.ValidateVPtrLen(root, vma, 1, mm.FlagW) {
		t.Error("ValidateVPtrLen: want false for W after SetRangeFlags dropped it")
	}

	if !m.ValidateVPtrLen(root, vma, 1, mm.FlagRU) {
		t.Error("ValidateVPtrLen: want true for R|U, which SetRangeFlags kept")
	}
}
