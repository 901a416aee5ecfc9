// Package physmem provides the accessors through which the memory managers
// read and write physical memory. Page tables and freshly allocated frames are
// only ever touched through an Accessor.
package physmem

import "pagekern/kernel/mm"

// Accessor reads and writes physical memory. Addresses passed to ReadUint64
// and WriteUint64 must be 8-byte aligned.
type Accessor interface {
	// ReadUint64 returns the 64-bit word stored at the physical address.
	ReadUint64(addr mm.PhysAddr) uint64

	// WriteUint64 stores a 64-bit word at the physical address.
	WriteUint64(addr mm.PhysAddr, value uint64)

	// Zero clears every byte of the frame.
	Zero(frame mm.Frame)
}
