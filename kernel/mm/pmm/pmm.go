// Package pmm implements the physical frame allocator. A FrameTable keeps one
// reference-counting state byte per frame and hands out Free frames with a
// first-fit scan.
package pmm

import (
	"pagekern/kernel/kfmt"
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/physmem"
)

var (
	// bootStates is the static storage behind the boot frame table. It is
	// part of the kernel image so no allocator is needed to set it up.
	bootStates [mm.DefaultFrameCount]FrameState

	bootTable FrameTable
)

// Init sets up the boot frame table from the firmware memory map, marks the
// kernel image as Leaked and prints the memory map along with a summary of
// the table. The returned table is the one the rest of the kernel allocates
// frames from.
func Init(regions RegionSource, kernelImage mm.PhysRange, mem physmem.Accessor) *FrameTable {
	bootTable.init(bootStates[:], mem)

	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	regions.VisitRegions(func(region Region) bool {
		regionType := "reserved"
		if region.Available {
			regionType = "available"
			totalFree += mm.Size(region.Range.End - region.Range.Start)
		}
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			uint64(region.Range.Start), uint64(region.Range.End),
			uint64(region.Range.End-region.Range.Start), regionType,
		)
		return true
	})
	kfmt.Printf("[pmm] free memory: %dKb\n", uint64(totalFree/mm.Kb))

	bootTable.MapInit(regions, kernelImage)

	bootTable.PrintSummary(&kfmt.PrefixWriter{Sink: kfmt.OutputSink(), Prefix: []byte("[pmm] ")})
	return &bootTable
}
