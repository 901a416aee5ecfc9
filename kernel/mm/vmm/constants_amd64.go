package vmm

const (
	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry (bits 12-51).
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// pteFlagMask selects every bit of an entry that is not part of the
	// physical address.
	pteFlagMask = ^ptePhysPageMask
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks an entry that maps a large page instead of
	// pointing to the next table. Huge leaves are never created here.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite uses an OS-available bit to tag pages that should be
	// copied on the first write. Nothing resolves such faults yet; the bit
	// only shows up in fault reports.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagUnbacked uses an OS-available bit to tag mappings that have no
	// physical memory behind them yet.
	FlagUnbacked PageTableEntryFlag = 1 << 10

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
