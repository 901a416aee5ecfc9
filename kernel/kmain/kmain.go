package kmain

import (
	"pagekern/kernel"
	"pagekern/kernel/hal/multiboot"
	"pagekern/kernel/kfmt"
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/physmem"
	"pagekern/kernel/mm/pmm"
	"pagekern/kernel/mm/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// kernelSpace is the address space set up by the boot code.
	kernelSpace *vmm.AddressSpace
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the physical address of the multiboot info payload
// provided by the bootloader as well as the physical addresses for the kernel
// start/end. The rt0 code also maps all physical memory at mm.PhysOffset.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	mem := physmem.NewWindow()
	frames := pmm.Init(
		multiboot.Regions{},
		mm.PhysRange{Start: mm.PhysAddr(kernelStart), End: mm.PhysAddr(kernelEnd)},
		mem,
	)
	frames.Leak(multiboot.InfoRange())

	kernelSpace = vmm.FromActive(frames, mem)
	kfmt.Printf("[vmm] kernel page tables at 0x%x\n", uintptr(kernelSpace.Root().Address()))

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
