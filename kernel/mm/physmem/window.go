package physmem

import (
	"pagekern/kernel"
	"pagekern/kernel/mm"
	"unsafe"
)

// Window accesses physical memory through a direct-mapped virtual window:
// physical address P is reachable at virtual address P + Offset. The boot
// code must have mapped the window before a Window is used.
type Window struct {
	Offset uintptr
}

// NewWindow returns a Window at the default mm.PhysOffset.
func NewWindow() Window {
	return Window{Offset: mm.PhysOffset}
}

// VirtAddr returns the window address for a physical address.
func (w Window) VirtAddr(addr mm.PhysAddr) uintptr {
	return uintptr(addr) + w.Offset
}

// ReadUint64 implements Accessor.
func (w Window) ReadUint64(addr mm.PhysAddr) uint64 {
	return *(*uint64)(unsafe.Pointer(w.VirtAddr(addr)))
}

// WriteUint64 implements Accessor.
func (w Window) WriteUint64(addr mm.PhysAddr, value uint64) {
	*(*uint64)(unsafe.Pointer(w.VirtAddr(addr))) = value
}

// Zero implements Accessor.
func (w Window) Zero(frame mm.Frame) {
	kernel.Memset(w.VirtAddr(frame.Address()), 0, mm.PageSize)
}
