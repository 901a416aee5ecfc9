package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right
	// by PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageLevels is the number of page table levels walked by the MMU.
	PageLevels = 4

	// PageLevelBits is the number of virtual address bits that index each
	// table level; every table holds 1<<PageLevelBits entries.
	PageLevelBits = uintptr(9)

	// HigherHalfStart is the midpoint of the 48-bit canonical address space.
	// Addresses above it belong to the kernel; everything at or below it is
	// treated as user space when intermediate tables are created.
	HigherHalfStart = VirtAddr(0x0000_8000_0000_0000)

	// PhysOffset is the base of the direct-mapped window: physical address P
	// is reachable at virtual address P + PhysOffset.
	PhysOffset = uintptr(0xFFFF_8000_0000_0000)

	// DefaultFrameCount is the number of frames tracked by the boot frame
	// table (64Mb of physical memory).
	DefaultFrameCount = 0x4000
)
