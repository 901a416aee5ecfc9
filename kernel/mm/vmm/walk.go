package vmm

import (
	"pagekern/kernel"
	"pagekern/kernel/mm"
)

// entryAddr returns the physical address of the index-th entry of the table
// stored in frame.
func entryAddr(table mm.Frame, index uintptr) mm.PhysAddr {
	return table.Address() + mm.PhysAddr(index<<mm.PointerShift)
}

// intermediateFlags returns the flags of a newly created table entry on the
// path to virtAddr. Tables below the higher half are reachable from user mode
// so that user leaves beneath them work.
func intermediateFlags(virtAddr mm.VirtAddr) PageTableEntryFlag {
	if virtAddr.IsHigherHalf() {
		return FlagPresent | FlagRW
	}
	return FlagPresent | FlagRW | FlagUserAccessible
}

// walk follows the tables from the root down to the level 1 table that holds
// the leaf entry for virtAddr and returns the physical address of that leaf
// entry. The leaf itself is not inspected.
//
// When create is false, walk returns ErrPageNotPresent at the first missing
// table and never allocates. When create is true, missing tables are
// allocated zeroed from the frame allocator and linked in; an allocation
// error is returned as-is and tables created earlier in the same walk stay
// in place.
func (as *AddressSpace) walk(virtAddr mm.VirtAddr, create bool) (mm.PhysAddr, *kernel.Error) {
	table := as.root

	for level := mm.PageLevels; level > 1; level-- {
		addr := entryAddr(table, virtAddr.TableIndex(level))
		pte := PageTableEntry(as.mem.ReadUint64(addr))

		if !pte.HasFlags(FlagPresent) {
			if !create {
				return 0, ErrPageNotPresent
			}

			next, err := as.frames.AllocZero()
			if err != nil {
				return 0, err
			}

			pte = newEntry(next, intermediateFlags(virtAddr))
			as.mem.WriteUint64(addr, uint64(pte))
		} else if pte.HasFlags(FlagHugePage) {
			return 0, ErrHugePage
		}

		table = pte.Frame()
	}

	return entryAddr(table, virtAddr.TableIndex(1)), nil
}
