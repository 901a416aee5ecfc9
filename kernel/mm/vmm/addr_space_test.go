package vmm

import (
	"fmt"
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/physmem"
	"pagekern/kernel/mm/pmm"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// newTestSpace returns an empty address space whose tables live in a
// buffer of frameCount frames, all of them available to the allocator.
func newTestSpace(t *testing.T, frameCount int) (*AddressSpace, *pmm.FrameTable, *physmem.Buffer) {
	t.Helper()

	mem := physmem.NewBuffer(frameCount)
	frames := pmm.NewFrameTable(make([]pmm.FrameState, frameCount), mem)
	frames.MapInit(pmm.Regions{{
		Range:     mm.PhysRange{Start: 0, End: mm.Frame(frameCount).Address()},
		Available: true,
	}}, mm.PhysRange{})

	as, err := New(frames, mem)
	if err != nil {
		t.Fatal(err)
	}
	return as, frames, mem
}

// readEntry returns the entry at index of the table stored in frame.
func readEntry(mem physmem.Accessor, table mm.Frame, index uintptr) PageTableEntry {
	return PageTableEntry(mem.ReadUint64(entryAddr(table, index)))
}

func TestNewAllocatesZeroedRoot(t *testing.T) {
	mem := physmem.NewBuffer(2)
	for i := range mem.Bytes() {
		mem.Bytes()[i] = 0xff
	}

	frames := pmm.NewFrameTable(make([]pmm.FrameState, 2), mem)
	frames.MapInit(pmm.Regions{{Range: mm.PhysRange{Start: 0x1000, End: 0x2000}, Available: true}}, mm.PhysRange{})

	as, err := New(frames, mem)
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := mm.Frame(1), as.Root(); got != exp {
		t.Fatalf("expected root frame %d; got %d", exp, got)
	}
	for index := uintptr(0); index < 512; index++ {
		if pte := readEntry(mem, as.Root(), index); pte != 0 {
			t.Fatalf("expected root entry %d to be cleared; got %x", index, pte)
		}
	}

	if _, err = New(frames, mem); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	as, frames, mem := newTestSpace(t, 16)

	virtAddr := mm.VirtAddr(0x400000)
	if err := as.Map(virtAddr, mm.Frame(0x50), FlagRW); err != nil {
		t.Fatal(err)
	}

	pte, err := as.PTE(virtAddr)
	if err != nil {
		t.Fatal(err)
	}
	if exp := PageTableEntry(0x50000) | PageTableEntry(FlagRW|FlagPresent); pte != exp {
		t.Fatalf("expected leaf entry %x; got %x", exp, pte)
	}

	physAddr, err := as.Translate(virtAddr + 0x123)
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.PhysAddr(0x50123); physAddr != exp {
		t.Fatalf("expected Translate to return %x; got %x", exp, physAddr)
	}

	if err = as.Unmap(virtAddr); err != nil {
		t.Fatal(err)
	}

	if _, err = as.PTE(virtAddr); err != ErrPageNotPresent {
		t.Fatalf("expected ErrPageNotPresent after Unmap; got %v", err)
	}
	if _, err = as.Translate(virtAddr); err != ErrPageNotPresent {
		t.Fatalf("expected ErrPageNotPresent after Unmap; got %v", err)
	}

	leafAddr, err := as.walk(virtAddr, false)
	if err != nil {
		t.Fatalf("expected tables to survive Unmap; got %v", err)
	}
	if raw := mem.ReadUint64(leafAddr); raw != 0 {
		t.Fatalf("expected Unmap to install an all-zero entry; got %x", raw)
	}

	// root + 3 tables; Unmap releases nothing
	if exp, got := uint64(4), frames.Stats().InUse; got != exp {
		t.Fatalf("expected %d frames in use; got %d", exp, got)
	}
}

func TestMapLeavesDataFrameRefCounts(t *testing.T) {
	as, frames, _ := newTestSpace(t, 16)
	virtAddr := mm.VirtAddr(0x400000)

	first, err := frames.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if err = as.Map(virtAddr, first, FlagRW); err != nil {
		t.Fatal(err)
	}
	if err = as.Unmap(virtAddr); err != nil {
		t.Fatal(err)
	}
	if exp, got := pmm.InUseState(1), frames.State(first); got != exp {
		t.Fatalf("expected frame %d to be %s after Unmap; got %s", first, exp, got)
	}

	second, err := frames.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if err = as.Map(virtAddr, first, FlagRW); err != nil {
		t.Fatal(err)
	}
	// overwrite the existing leaf entry
	if err = as.Map(virtAddr, second, FlagRW); err != nil {
		t.Fatal(err)
	}

	pte, err := as.PTE(virtAddr)
	if err != nil {
		t.Fatal(err)
	}
	if pte.Frame() != second {
		t.Fatalf("expected entry to point to frame %d; got %d", second, pte.Frame())
	}
	for _, frame := range []mm.Frame{first, second} {
		if exp, got := pmm.InUseState(1), frames.State(frame); got != exp {
			t.Errorf("expected frame %d to be %s; got %s", frame, exp, got)
		}
	}

	// root + 3 tables + 2 data frames
	if exp, got := uint64(6), frames.Stats().InUse; got != exp {
		t.Fatalf("expected %d frames in use; got %d", exp, got)
	}
}

func TestMapCreatesMissingTablesOnly(t *testing.T) {
	as, frames, _ := newTestSpace(t, 32)

	specs := []struct {
		virtAddr     mm.VirtAddr
		expNewTables uint64
	}{
		{0x400000, 3},
		// same level 1 table
		{0x401000, 0},
		// same level 2 table, new level 1 table
		{0x600000, 1},
		// same level 3 table
		{0x4000_0000, 2},
		// new root entry
		{0x80_0000_0000, 3},
		{0xFFFF_8000_0000_0000, 3},
		// overwriting an existing mapping
		{0x400000, 0},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			before := frames.Stats().InUse
			if err := as.Map(spec.virtAddr, mm.Frame(0x100+specIndex), FlagRW); err != nil {
				t.Fatal(err)
			}

			if got := frames.Stats().InUse - before; got != spec.expNewTables {
				t.Fatalf("expected Map to create %d tables; created %d", spec.expNewTables, got)
			}

			pte, err := as.PTE(spec.virtAddr)
			if err != nil {
				t.Fatal(err)
			}
			if exp, got := mm.Frame(0x100+specIndex), pte.Frame(); got != exp {
				t.Fatalf("expected leaf to point to frame %x; got %x", exp, got)
			}
		})
	}
}

func TestMapSharesTables(t *testing.T) {
	as, _, mem := newTestSpace(t, 16)

	for _, virtAddr := range []mm.VirtAddr{0x400000, 0x600000} {
		if err := as.Map(virtAddr, mm.Frame(0x80), FlagRW); err != nil {
			t.Fatal(err)
		}
	}

	l3 := readEntry(mem, as.Root(), 0).Frame()
	l2 := readEntry(mem, l3, 0).Frame()

	for _, index := range []uintptr{2, 3} {
		if !readEntry(mem, l2, index).HasFlags(FlagPresent) {
			t.Errorf("expected entry %d of the shared level 2 table to be present", index)
		}
	}

	if readEntry(mem, l2, 2).Frame() == readEntry(mem, l2, 3).Frame() {
		t.Error("expected each 2Mb region to get its own level 1 table")
	}
}

func TestIntermediateTableFlags(t *testing.T) {
	specs := []struct {
		virtAddr mm.VirtAddr
		expFlags PageTableEntryFlag
	}{
		{0x400000, FlagPresent | FlagRW | FlagUserAccessible},
		{0x0000_7FFF_FFFF_F000, FlagPresent | FlagRW | FlagUserAccessible},
		{mm.HigherHalfStart, FlagPresent | FlagRW | FlagUserAccessible},
		{0xFFFF_8000_0000_0000, FlagPresent | FlagRW},
		{0xFFFF_FFFF_FFFF_F000, FlagPresent | FlagRW},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			as, _, mem := newTestSpace(t, 8)
			if err := as.Map(spec.virtAddr, mm.Frame(0x80), FlagRW); err != nil {
				t.Fatal(err)
			}

			table := as.Root()
			for level := mm.PageLevels; level > 1; level-- {
				pte := readEntry(mem, table, spec.virtAddr.TableIndex(level))
				if got := pte.Flags(); got != spec.expFlags {
					t.Fatalf("expected level %d entry flags to be %x; got %x", level, spec.expFlags, got)
				}
				table = pte.Frame()
			}

			// the leaf gets exactly the requested flags
			if pte := readEntry(mem, table, spec.virtAddr.TableIndex(1)); pte.Flags() != FlagPresent|FlagRW {
				t.Fatalf("expected leaf flags to be %x; got %x", FlagPresent|FlagRW, pte.Flags())
			}
		})
	}
}

func TestMapOutOfMemory(t *testing.T) {
	// the root and two tables fit; the level 1 table does not
	as, frames, _ := newTestSpace(t, 3)

	if err := as.Map(0x400000, mm.Frame(0x80), FlagRW); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	if _, err := as.PTE(0x400000); err != ErrPageNotPresent {
		t.Fatalf("expected ErrPageNotPresent; got %v", err)
	}

	// tables created before the failure are kept
	if exp, got := uint64(3), frames.Stats().InUse; got != exp {
		t.Fatalf("expected %d frames in use; got %d", exp, got)
	}

	// an address served by the existing tables still fails without a level 1 table
	if err := as.Map(0x401000, mm.Frame(0x81), FlagRW); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestLookupsNeverAllocate(t *testing.T) {
	as, frames, _ := newTestSpace(t, 8)

	if _, err := as.PTE(0x400000); err != ErrPageNotPresent {
		t.Fatalf("expected ErrPageNotPresent; got %v", err)
	}
	if err := as.Unmap(0x400000); err != nil {
		t.Fatalf("expected Unmap of an absent path to succeed; got %v", err)
	}
	if err := as.EditFlags(0x400000, FlagPresent); err != ErrPageNotPresent {
		t.Fatalf("expected ErrPageNotPresent; got %v", err)
	}

	if exp, got := uint64(1), frames.Stats().InUse; got != exp {
		t.Fatalf("expected only the root to be in use; got %d frames", got)
	}
}

func TestEditFlags(t *testing.T) {
	as, _, mem := newTestSpace(t, 8)

	virtAddr := mm.VirtAddr(0x400000)
	if err := as.Map(virtAddr, mm.Frame(0x50), FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	if err := as.EditFlags(virtAddr, FlagPresent|FlagNoExecute); err != nil {
		t.Fatal(err)
	}

	pte, err := as.PTE(virtAddr)
	if err != nil {
		t.Fatal(err)
	}
	if exp := newEntry(mm.Frame(0x50), FlagPresent|FlagNoExecute); pte != exp {
		t.Fatalf("expected entry %x; got %x", exp, pte)
	}

	// dropping FlagPresent hides the page but keeps the frame
	if err = as.EditFlags(virtAddr, FlagCopyOnWrite); err != nil {
		t.Fatal(err)
	}
	if _, err = as.PTE(virtAddr); err != ErrPageNotPresent {
		t.Fatalf("expected ErrPageNotPresent; got %v", err)
	}

	leafAddr, _ := as.walk(virtAddr, false)
	if exp, got := newEntry(mm.Frame(0x50), FlagCopyOnWrite), PageTableEntry(mem.ReadUint64(leafAddr)); got != exp {
		t.Fatalf("expected raw entry %x; got %x", exp, got)
	}
}

func TestHugePageEntries(t *testing.T) {
	as, _, mem := newTestSpace(t, 8)

	if err := as.Map(0x400000, mm.Frame(0x50), FlagRW); err != nil {
		t.Fatal(err)
	}

	// turn the level 2 entry into a 2Mb leaf
	l3 := readEntry(mem, as.Root(), 0).Frame()
	l2 := readEntry(mem, l3, 0).Frame()
	mem.WriteUint64(entryAddr(l2, 2), uint64(newEntry(mm.Frame(0x200), FlagPresent|FlagRW|FlagHugePage)))

	if _, err := as.PTE(0x400000); err != ErrHugePage {
		t.Fatalf("expected PTE to return ErrHugePage; got %v", err)
	}
	if err := as.Map(0x400000, mm.Frame(0x50), FlagRW); err != ErrHugePage {
		t.Fatalf("expected Map to return ErrHugePage; got %v", err)
	}
	if err := as.Unmap(0x400000); err != ErrHugePage {
		t.Fatalf("expected Unmap to return ErrHugePage; got %v", err)
	}
}

func TestMapRegion(t *testing.T) {
	as, _, _ := newTestSpace(t, 8)

	if err := as.MapRegion(0x400000, mm.Frame(0x100), mm.Size(2*mm.PageSize+1), FlagRW); err != nil {
		t.Fatal(err)
	}

	var got []mm.PhysAddr
	for virtAddr := mm.VirtAddr(0x400000); virtAddr < 0x404000; virtAddr += mm.VirtAddr(mm.PageSize) {
		physAddr, err := as.Translate(virtAddr)
		if err != nil {
			break
		}
		got = append(got, physAddr)
	}

	exp := []mm.PhysAddr{0x100000, 0x101000, 0x102000}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected translations (-want +got):\n%s", diff)
	}

	if err := as.UnmapRegion(0x400000, 3*mm.Size(mm.PageSize)); err != nil {
		t.Fatal(err)
	}
	for virtAddr := mm.VirtAddr(0x400000); virtAddr < 0x403000; virtAddr += mm.VirtAddr(mm.PageSize) {
		if _, err := as.PTE(virtAddr); err != ErrPageNotPresent {
			t.Fatalf("expected %x to be unmapped; got %v", virtAddr, err)
		}
	}
}

func TestMapRegionStopsAtFirstError(t *testing.T) {
	// enough for the tables of the first 2Mb region only
	as, _, _ := newTestSpace(t, 4)

	err := as.MapRegion(0x5ff000, mm.Frame(0x100), mm.Size(2*mm.PageSize), FlagRW)
	if err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	if _, err = as.PTE(0x5ff000); err != nil {
		t.Fatalf("expected the page mapped before the failure to stay mapped; got %v", err)
	}
}

func TestTLBFlushOnActiveSpaceOnly(t *testing.T) {
	defer func(origFlush, origSwitch func(uintptr)) {
		flushTLBEntryFn = origFlush
		switchPDTFn = origSwitch
		activeSpace = nil
	}(flushTLBEntryFn, switchPDTFn)

	var (
		flushed  []uintptr
		switched []uintptr
	)
	flushTLBEntryFn = func(virtAddr uintptr) { flushed = append(flushed, virtAddr) }
	switchPDTFn = func(pdtAddr uintptr) { switched = append(switched, pdtAddr) }

	as, frames, mem := newTestSpace(t, 16)
	if err := as.Map(0x400000, mm.Frame(0x50), FlagRW); err != nil {
		t.Fatal(err)
	}
	if len(flushed) != 0 {
		t.Fatalf("expected no TLB flushes for an inactive address space; got %v", flushed)
	}

	as.Activate()
	if !as.IsActive() {
		t.Fatal("expected address space to be active")
	}

	_ = as.Map(0x401000, mm.Frame(0x51), FlagRW)
	_ = as.EditFlags(0x401000, FlagPresent)
	_ = as.Unmap(0x400000)
	// absent paths change nothing and need no flush
	_ = as.Unmap(0x7000_0000_0000)

	other, err := New(frames, mem)
	if err != nil {
		t.Fatal(err)
	}
	other.Activate()
	_ = as.Map(0x402000, mm.Frame(0x52), FlagRW)

	if diff := cmp.Diff([]uintptr{0x401000, 0x401000, 0x400000}, flushed); diff != "" {
		t.Fatalf("unexpected TLB flushes (-want +got):\n%s", diff)
	}

	expSwitched := []uintptr{uintptr(as.Root().Address()), uintptr(other.Root().Address())}
	if diff := cmp.Diff(expSwitched, switched); diff != "" {
		t.Fatalf("unexpected CR3 loads (-want +got):\n%s", diff)
	}
}

func TestFromActive(t *testing.T) {
	defer func(origActivePDT func() uintptr) {
		activePDTFn = origActivePDT
		activeSpace = nil
	}(activePDTFn)

	activePDTFn = func() uintptr { return 0x3000 }

	as := FromActive(nil, physmem.NewBuffer(4))
	if exp, got := mm.Frame(3), as.Root(); got != exp {
		t.Fatalf("expected root frame %d; got %d", exp, got)
	}
	if !as.IsActive() {
		t.Fatal("expected the wrapped address space to be active")
	}

	if FromRoot(3, nil, nil).IsActive() {
		t.Fatal("expected FromRoot to return an inactive address space")
	}
}
