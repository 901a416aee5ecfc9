package pmm

import (
	"io"
	"pagekern/kernel"
	"pagekern/kernel/kfmt"
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/physmem"
	"pagekern/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no Free frame is left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrWouldBlock is returned by the non-blocking variants when the frame
	// table lock is held by someone else. Nothing is changed.
	ErrWouldBlock = &kernel.Error{Module: "pmm", Message: "frame table is locked"}
)

// Region describes a physical memory range reported by the firmware memory
// map.
type Region struct {
	Range mm.PhysRange

	// Available is true for RAM the kernel may use and false for any
	// reserved range.
	Available bool
}

// RegionSource is implemented by anything that can enumerate the firmware
// memory map. VisitRegions calls visitor for every region until it returns
// false.
type RegionSource interface {
	VisitRegions(visitor func(Region) bool)
}

// Regions is a RegionSource backed by a slice.
type Regions []Region

// VisitRegions implements RegionSource.
func (r Regions) VisitRegions(visitor func(Region) bool) {
	for _, region := range r {
		if !visitor(region) {
			return
		}
	}
}

// Stats holds the number of frames in each state.
type Stats struct {
	Unavailable uint64
	Leaked      uint64
	Free        uint64
	InUse       uint64
}

// Total returns the number of frames counted.
func (s Stats) Total() uint64 {
	return s.Unavailable + s.Leaked + s.Free + s.InUse
}

// FrameTable tracks the state of every physical frame and hands out Free
// frames. All methods are safe to call concurrently; the mutating ones
// busy-wait on a writer lock.
type FrameTable struct {
	lock   sync.RWSpinlock
	states []FrameState
	mem    physmem.Accessor
}

// NewFrameTable returns a table that tracks one frame per entry of states.
// Frame i is described by states[i]; the slice is used as-is, so callers that
// run before the Go allocator is ready can pass statically allocated storage.
// mem is used by AllocZero to clear frames.
func NewFrameTable(states []FrameState, mem physmem.Accessor) *FrameTable {
	t := &FrameTable{}
	t.init(states, mem)
	return t
}

func (t *FrameTable) init(states []FrameState, mem physmem.Accessor) {
	t.states = states
	t.mem = mem
}

// FrameCount returns the number of frames tracked by the table.
func (t *FrameTable) FrameCount() int {
	return len(t.states)
}

// Alloc reserves the lowest-numbered Free frame and sets its reference count
// to 1. It returns ErrOutOfMemory if no Free frame exists.
func (t *FrameTable) Alloc() (mm.Frame, *kernel.Error) {
	t.lock.Acquire()
	frame, err := t.alloc()
	t.lock.Release()
	return frame, err
}

// TryAlloc behaves like Alloc but returns ErrWouldBlock instead of waiting
// for the table lock.
func (t *FrameTable) TryAlloc() (mm.Frame, *kernel.Error) {
	if !t.lock.TryToAcquire() {
		return mm.InvalidFrame, ErrWouldBlock
	}
	frame, err := t.alloc()
	t.lock.Release()
	return frame, err
}

func (t *FrameTable) alloc() (mm.Frame, *kernel.Error) {
	for i, state := range t.states {
		if state == stateFree {
			t.states[i] = state.incRef()
			return mm.Frame(i), nil
		}
	}
	return mm.InvalidFrame, ErrOutOfMemory
}

// AllocZero reserves a frame like Alloc and clears its contents.
func (t *FrameTable) AllocZero() (mm.Frame, *kernel.Error) {
	frame, err := t.Alloc()
	if err != nil {
		return frame, err
	}

	t.mem.Zero(frame)
	return frame, nil
}

// Free drops one reference to frame; the last reference returns it to the
// Free pool. Releasing a frame that is Free, Leaked, Unavailable or outside
// the table does nothing.
func (t *FrameTable) Free(frame mm.Frame) {
	t.lock.Acquire()
	t.decRef(frame)
	t.lock.Release()
}

// TryFree behaves like Free but returns ErrWouldBlock instead of waiting for
// the table lock.
func (t *FrameTable) TryFree(frame mm.Frame) *kernel.Error {
	if !t.lock.TryToAcquire() {
		return ErrWouldBlock
	}
	t.decRef(frame)
	t.lock.Release()
	return nil
}

// IncRef adds a reference to a Free or InUse frame. A frame whose count
// would exceed MaxRefCount becomes Leaked.
func (t *FrameTable) IncRef(frame mm.Frame) {
	t.lock.Acquire()
	if uintptr(frame) < uintptr(len(t.states)) {
		t.states[frame] = t.states[frame].incRef()
	}
	t.lock.Release()
}

// DecRef drops a reference to frame. It is equivalent to Free.
func (t *FrameTable) DecRef(frame mm.Frame) {
	t.Free(frame)
}

func (t *FrameTable) decRef(frame mm.Frame) {
	if uintptr(frame) < uintptr(len(t.states)) {
		t.states[frame] = t.states[frame].decRef()
	}
}

// MapInit populates the table from the firmware memory map. Each region is
// widened to the frames it touches; available regions mark those frames Free
// and reserved regions mark them Leaked. Finally every frame overlapping
// kernelImage is marked Leaked.
//
// A frame only changes state while it is Unavailable or when the new state is
// Leaked, so overlapping regions resolve the same way regardless of their
// order and a Leaked frame stays Leaked. Frames beyond the end of the table
// are ignored.
func (t *FrameTable) MapInit(regions RegionSource, kernelImage mm.PhysRange) {
	t.lock.Acquire()
	regions.VisitRegions(func(region Region) bool {
		state := stateLeaked
		if region.Available {
			state = stateFree
		}
		t.setRange(region.Range, state)
		return true
	})
	t.setRange(kernelImage, stateLeaked)
	t.lock.Release()
}

// Leak permanently removes every frame overlapping the range from the
// allocatable pool. It may be called before or after MapInit.
func (t *FrameTable) Leak(r mm.PhysRange) {
	t.lock.Acquire()
	t.setRange(r, stateLeaked)
	t.lock.Release()
}

func (t *FrameTable) setRange(r mm.PhysRange, state FrameState) {
	first, last := r.Frames()
	if limit := mm.Frame(len(t.states)); last > limit {
		last = limit
	}

	for frame := first; frame < last; frame++ {
		if t.states[frame] == stateUnavailable || state == stateLeaked {
			t.states[frame] = state
		}
	}
}

// State returns the state of frame. Frames outside the table are reported as
// Unavailable.
func (t *FrameTable) State(frame mm.Frame) FrameState {
	if uintptr(frame) >= uintptr(len(t.states)) {
		return stateUnavailable
	}

	t.lock.RAcquire()
	state := t.states[frame]
	t.lock.RRelease()
	return state
}

// Stats counts the frames in each state.
func (t *FrameTable) Stats() Stats {
	var stats Stats

	t.lock.RAcquire()
	for _, state := range t.states {
		switch state.Kind() {
		case Unavailable:
			stats.Unavailable++
		case Leaked:
			stats.Leaked++
		case Free:
			stats.Free++
		default:
			stats.InUse++
		}
	}
	t.lock.RRelease()

	return stats
}

// PrintSummary writes the amount of memory in use, available and leaked.
func (t *FrameTable) PrintSummary(w io.Writer) {
	stats := t.Stats()
	kfmt.Fprintf(w, "in use: %dKb, available: %dKb, leaked: %dKb\n",
		uint64(mm.Size(stats.InUse<<mm.PageShift)/mm.Kb),
		uint64(mm.Size(stats.Free<<mm.PageShift)/mm.Kb),
		uint64(mm.Size(stats.Leaked<<mm.PageShift)/mm.Kb),
	)
}
