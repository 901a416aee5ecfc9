// Package mm defines the address, frame and page types shared by the
// physical and virtual memory managers.
package mm

import "math"

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// PhysAddr is a byte offset into physical memory. It is never dereferenced
// directly; reads and writes go through a physmem.Accessor.
type PhysAddr uintptr

// Frame returns the frame that contains this address.
func (a PhysAddr) Frame() Frame {
	return Frame(a >> PageShift)
}

// FrameOffset returns the offset of this address inside its frame.
func (a PhysAddr) FrameOffset() uintptr {
	return uintptr(a) & (PageSize - 1)
}

// PhysRange describes the physical address range [Start, End).
type PhysRange struct {
	Start, End PhysAddr
}

// Frames returns the half-open frame range [first, last) that covers every
// byte of the range: Start is rounded down and End is rounded up. An empty or
// inverted range yields first == last.
func (r PhysRange) Frames() (first, last Frame) {
	if r.End <= r.Start {
		return r.Start.Frame(), r.Start.Frame()
	}

	first = r.Start.Frame()
	last = Frame((uintptr(r.End) + PageSize - 1) >> PageShift)
	if last < first {
		// End rounded up past the top of the address space
		last = Frame(math.MaxUint64 >> PageShift)
	}
	return first, last
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte in this page.
func (p Page) Address() VirtAddr {
	return VirtAddr(p << PageShift)
}

// VirtAddr is a byte offset in a virtual address space.
type VirtAddr uintptr

// Page returns the page that contains this address.
func (v VirtAddr) Page() Page {
	return Page(v >> PageShift)
}

// PageOffset returns the offset of this address inside its page.
func (v VirtAddr) PageOffset() uintptr {
	return uintptr(v) & (PageSize - 1)
}

// TableIndex returns the index into the level's page table selected by this
// address. Levels are numbered PageLevels (the root) down to 1 (the table
// holding leaf entries); level L uses bits [12+9(L-1), 12+9L).
func (v VirtAddr) TableIndex(level int) uintptr {
	shift := PageShift + uintptr(level-1)*PageLevelBits
	return (uintptr(v) >> shift) & ((1 << PageLevelBits) - 1)
}

// IsHigherHalf returns true if the address lies above HigherHalfStart.
func (v VirtAddr) IsHigherHalf() bool {
	return v > HigherHalfStart
}

// IsCanonical returns true if bits 48-63 of the address are copies of bit 47.
func (v VirtAddr) IsCanonical() bool {
	upper := uintptr(v) >> 47
	return upper == 0 || upper == (1<<17)-1
}
