package pmm

// StateKind classifies a FrameState.
type StateKind uint8

const (
	// Unavailable frames are not backed by usable RAM (holes, frames
	// beyond the end of the memory map).
	Unavailable StateKind = iota

	// Leaked frames are permanently in use and never returned to the free
	// pool: the kernel image, firmware data and frames whose reference
	// count overflowed.
	Leaked

	// Free frames are backed by usable RAM and not referenced.
	Free

	// InUse frames are referenced by one or more owners.
	InUse
)

// String implements fmt.Stringer for StateKind.
func (k StateKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Leaked:
		return "leaked"
	case Free:
		return "free"
	case InUse:
		return "in use"
	default:
		return "unknown"
	}
}

// FrameState is the one-byte record kept for every physical frame. Values
// above stateFree encode an InUse frame with reference count
// (value - stateFree); the packing is private to this package.
type FrameState uint8

const (
	stateUnavailable FrameState = iota
	stateLeaked
	stateFree

	// MaxRefCount is the largest reference count an InUse frame can hold.
	// Incrementing past it turns the frame Leaked.
	MaxRefCount = 255 - int(stateFree)
)

// InUseState returns the state of a frame referenced refCount times. Counts
// outside [1, MaxRefCount] yield the Leaked state.
func InUseState(refCount int) FrameState {
	if refCount < 1 || refCount > MaxRefCount {
		return stateLeaked
	}
	return stateFree + FrameState(refCount)
}

// Kind returns the classification of this state.
func (s FrameState) Kind() StateKind {
	switch {
	case s == stateUnavailable:
		return Unavailable
	case s == stateLeaked:
		return Leaked
	case s == stateFree:
		return Free
	default:
		return InUse
	}
}

// RefCount returns the number of references to an InUse frame and 0 for any
// other state.
func (s FrameState) RefCount() int {
	if s <= stateFree {
		return 0
	}
	return int(s - stateFree)
}

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	return s.Kind().String()
}

// incRef returns the state after adding one reference. Free becomes InUse(1)
// and InUse(MaxRefCount) saturates to Leaked. Unavailable and Leaked frames
// are unchanged.
func (s FrameState) incRef() FrameState {
	switch {
	case s < stateFree:
		return s
	case s == 255:
		return stateLeaked
	default:
		return s + 1
	}
}

// decRef returns the state after dropping one reference. InUse(1) becomes
// Free; Free, Leaked and Unavailable frames are unchanged.
func (s FrameState) decRef() FrameState {
	if s > stateFree {
		return s - 1
	}
	return s
}
