// Package vmm manages 4-level x86-64 page table trees. Tables are read and
// written through a physmem.Accessor and new tables come from a frame
// allocator, so an AddressSpace can be built and inspected without being
// loaded into the CPU.
package vmm

import (
	"pagekern/kernel"
	"pagekern/kernel/cpu"
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/physmem"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// activeSpace is the address space whose root is loaded in CR3. Only
	// changes to it need a TLB flush.
	activeSpace *AddressSpace

	// ErrPageNotPresent is returned when a lookup reaches a page table
	// entry that is not present.
	ErrPageNotPresent = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrHugePage is returned when a walk meets a huge page entry above
	// the leaf level.
	ErrHugePage = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// FrameAllocator provides the zeroed frames used for new page tables.
// *pmm.FrameTable implements it.
type FrameAllocator interface {
	AllocZero() (mm.Frame, *kernel.Error)
}

// AddressSpace owns a 4-level page table tree identified by the frame of its
// root table. Missing tables are created on demand by Map using the frame
// allocator passed at construction; they are never released.
//
// AddressSpace is not safe for concurrent use. The owning task serializes
// every call.
type AddressSpace struct {
	root   mm.Frame
	frames FrameAllocator
	mem    physmem.Accessor
}

// New allocates a zeroed root table and returns an empty address space.
func New(frames FrameAllocator, mem physmem.Accessor) (*AddressSpace, *kernel.Error) {
	root, err := frames.AllocZero()
	if err != nil {
		return nil, err
	}

	return FromRoot(root, frames, mem), nil
}

// FromRoot wraps an existing page table tree rooted at root.
func FromRoot(root mm.Frame, frames FrameAllocator, mem physmem.Accessor) *AddressSpace {
	return &AddressSpace{
		root:   root,
		frames: frames,
		mem:    mem,
	}
}

// FromActive wraps the page table tree currently loaded by the CPU and marks
// it as the active address space.
func FromActive(frames FrameAllocator, mem physmem.Accessor) *AddressSpace {
	as := FromRoot(mm.PhysAddr(activePDTFn()).Frame(), frames, mem)
	activeSpace = as
	return as
}

// Root returns the frame holding the root table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// Activate loads this address space into the CPU. Until another address
// space is activated, changes made through it also flush the affected TLB
// entries.
func (as *AddressSpace) Activate() {
	switchPDTFn(uintptr(as.root.Address()))
	activeSpace = as
}

// IsActive returns true if this is the address space loaded by the CPU.
func (as *AddressSpace) IsActive() bool {
	return activeSpace == as
}

func (as *AddressSpace) flush(virtAddr mm.VirtAddr) {
	if as.IsActive() {
		flushTLBEntryFn(uintptr(virtAddr))
	}
}

// PTE returns the leaf page table entry for virtAddr. It returns
// ErrPageNotPresent if any table on the way or the leaf itself is not
// present. PTE never allocates.
func (as *AddressSpace) PTE(virtAddr mm.VirtAddr) (PageTableEntry, *kernel.Error) {
	addr, err := as.walk(virtAddr, false)
	if err != nil {
		return 0, err
	}

	pte := PageTableEntry(as.mem.ReadUint64(addr))
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrPageNotPresent
	}
	return pte, nil
}

// Translate returns the physical address that corresponds to virtAddr or
// ErrPageNotPresent if it is not mapped.
func (as *AddressSpace) Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	pte, err := as.PTE(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + mm.PhysAddr(virtAddr.PageOffset()), nil
}

// Map points the page containing virtAddr at frame. The leaf entry is set to
// the frame address, flags and FlagPresent; any previous mapping is
// overwritten and its frame is not released. Missing tables are allocated on
// the way; if that fails the allocator error is returned and the leaf is left
// untouched.
func (as *AddressSpace) Map(virtAddr mm.VirtAddr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	addr, err := as.walk(virtAddr, true)
	if err != nil {
		return err
	}

	as.mem.WriteUint64(addr, uint64(newEntry(frame, flags|FlagPresent)))
	as.flush(virtAddr)
	return nil
}

// Unmap clears the leaf entry for virtAddr. The frame it pointed to keeps its
// references and empty tables are kept. Unmapping an address whose tables do
// not exist is a no-op.
func (as *AddressSpace) Unmap(virtAddr mm.VirtAddr) *kernel.Error {
	addr, err := as.walk(virtAddr, false)
	switch err {
	case nil:
	case ErrPageNotPresent:
		return nil
	default:
		return err
	}

	as.mem.WriteUint64(addr, 0)
	as.flush(virtAddr)
	return nil
}

// EditFlags replaces every flag bit of the leaf entry for virtAddr with flags
// and keeps the frame it points to. FlagPresent is not implied. It returns
// ErrPageNotPresent if the tables leading to the leaf do not exist.
func (as *AddressSpace) EditFlags(virtAddr mm.VirtAddr, flags PageTableEntryFlag) *kernel.Error {
	addr, err := as.walk(virtAddr, false)
	if err != nil {
		return err
	}

	pte := PageTableEntry(as.mem.ReadUint64(addr))
	pte.ClearFlags(pte.Flags())
	pte.SetFlags(flags)
	as.mem.WriteUint64(addr, uint64(pte))
	as.flush(virtAddr)
	return nil
}

// MapRegion maps size bytes (rounded up to whole pages) starting at virtAddr
// to consecutive frames starting at frame. It stops at the first error;
// pages mapped before it stay mapped.
func (as *AddressSpace) MapRegion(virtAddr mm.VirtAddr, frame mm.Frame, size mm.Size, flags PageTableEntryFlag) *kernel.Error {
	page := virtAddr.Page()
	for pageCount := size.Pages(); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := as.Map(page.Address(), frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRegion unmaps size bytes (rounded up to whole pages) starting at
// virtAddr.
func (as *AddressSpace) UnmapRegion(virtAddr mm.VirtAddr, size mm.Size) *kernel.Error {
	page := virtAddr.Page()
	for pageCount := size.Pages(); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if err := as.Unmap(page.Address()); err != nil {
			return err
		}
	}
	return nil
}
