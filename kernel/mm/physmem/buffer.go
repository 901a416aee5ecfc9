package physmem

import (
	"encoding/binary"

	"pagekern/kernel/mm"
)

// Buffer is an Accessor backed by a byte slice that stands in for physical
// RAM: byte i of the slice is physical address i. Accesses past the end of
// the slice panic like any out of range slice access.
type Buffer struct {
	mem []byte
}

// NewBuffer returns a Buffer holding frameCount zeroed frames.
func NewBuffer(frameCount int) *Buffer {
	return &Buffer{mem: make([]byte, uintptr(frameCount)*mm.PageSize)}
}

// BufferFrom wraps an existing byte slice. The slice length should be a
// multiple of mm.PageSize.
func BufferFrom(mem []byte) *Buffer {
	return &Buffer{mem: mem}
}

// Bytes returns the backing slice.
func (b *Buffer) Bytes() []byte {
	return b.mem
}

// FrameCount returns the number of whole frames in the buffer.
func (b *Buffer) FrameCount() int {
	return int(uintptr(len(b.mem)) >> mm.PageShift)
}

// ReadUint64 implements Accessor.
func (b *Buffer) ReadUint64(addr mm.PhysAddr) uint64 {
	return binary.LittleEndian.Uint64(b.mem[addr : addr+8])
}

// WriteUint64 implements Accessor.
func (b *Buffer) WriteUint64(addr mm.PhysAddr, value uint64) {
	binary.LittleEndian.PutUint64(b.mem[addr:addr+8], value)
}

// Zero implements Accessor.
func (b *Buffer) Zero(frame mm.Frame) {
	start := uintptr(frame.Address())
	clear(b.mem[start : start+mm.PageSize])
}
