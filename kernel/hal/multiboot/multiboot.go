// Package multiboot reads the memory map out of the multiboot2 boot
// information the loader hands to Kmain. The map seeds the boot frame table;
// every other tag is skipped.
package multiboot

import (
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/pmm"
	"unsafe"
)

type tagType uint32

const (
	tagEnd       tagType = 0
	tagCmdLine   tagType = 1
	tagModules   tagType = 3
	tagMemoryMap tagType = 6
)

// Sizes of the fixed parts of the boot information. The info header (total
// size, reserved) and each tag header (type, size) are two dwords; so is the
// memory map header (entry size, entry version).
const (
	infoHeaderSize = 8
	tagHeaderSize  = 8
	mmapHeaderSize = 8
	mmapEntrySize  = uint32(unsafe.Sizeof(MemoryMapEntry{}))
)

type infoHeader struct {
	totalSize uint32
	_         uint32
}

type tagHeader struct {
	tagType tagType

	// size covers the header and the payload but not the padding that
	// keeps the next tag 8-byte aligned.
	size uint32
}

type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType is the loader's classification of a memory map entry.
type MemoryEntryType uint32

const (
	// MemAvailable is RAM the frame table may hand out.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved is never handed out.
	MemReserved

	// MemAcpiReclaimable holds ACPI tables. It stays unavailable since
	// nothing here parses ACPI.
	MemAcpiReclaimable

	// MemNvs must be preserved across hibernation.
	MemNvs

	// memUnknown and anything above it is reported as MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "reserved"
	}
}

// MemoryMapEntry is one physical region of the loader's memory map. Its
// layout matches the entry format of the memory map tag; alignment pads it
// to the reserved trailing dword.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// infoAddr is the physical address of the boot information. Physical memory
// is identity mapped while Kmain runs so it is dereferenced directly.
var infoAddr uintptr

// SetInfoPtr records the boot information address passed to Kmain. It must
// be called before any other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoAddr = ptr
}

// InfoRange returns the physical range occupied by the boot information so
// that the frame table can leak it before the allocator hands it out.
func InfoRange() mm.PhysRange {
	hdr := (*infoHeader)(unsafe.Pointer(infoAddr))
	return mm.PhysRange{
		Start: mm.PhysAddr(infoAddr),
		End:   mm.PhysAddr(infoAddr + uintptr(hdr.totalSize)),
	}
}

// VisitMemRegions calls visitor with a copy of each memory map entry, in
// loader order, until visitor returns false. Unknown entry types are reported
// as MemReserved. Nothing is visited if the memory map tag is missing or
// declares entries smaller than MemoryMapEntry.
func VisitMemRegions(visitor func(MemoryMapEntry) bool) {
	payload, size := findTag(tagMemoryMap)
	if size < mmapHeaderSize {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(payload))
	if hdr.entrySize < mmapEntrySize {
		return
	}

	end := payload + uintptr(size)
	for cur := payload + mmapHeaderSize; cur+uintptr(mmapEntrySize) <= end; cur += uintptr(hdr.entrySize) {
		entry := *(*MemoryMapEntry)(unsafe.Pointer(cur))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// Regions adapts the boot memory map to pmm.RegionSource. Only MemAvailable
// entries are reported as available.
type Regions struct{}

// VisitRegions implements pmm.RegionSource.
func (Regions) VisitRegions(visitor func(pmm.Region) bool) {
	VisitMemRegions(func(entry MemoryMapEntry) bool {
		return visitor(pmm.Region{
			Range: mm.PhysRange{
				Start: mm.PhysAddr(entry.PhysAddress),
				End:   mm.PhysAddr(entry.PhysAddress + entry.Length),
			},
			Available: entry.Type == MemAvailable,
		})
	})
}

// findTag returns the payload address and payload size of the first tag of
// type want, or (0, 0) if the end tag is reached first.
func findTag(want tagType) (uintptr, uint32) {
	cur := infoAddr + infoHeaderSize
	for {
		hdr := (*tagHeader)(unsafe.Pointer(cur))
		switch {
		case hdr.tagType == tagEnd || hdr.size < tagHeaderSize:
			return 0, 0
		case hdr.tagType == want:
			return cur + tagHeaderSize, hdr.size - tagHeaderSize
		}

		cur += (uintptr(hdr.size) + 7) &^ 7
	}
}
