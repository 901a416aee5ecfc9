// Package sync provides busy-waiting lock primitives that are safe to use
// before the Go scheduler is available.
package sync

import "sync/atomic"

const (
	// attemptsBeforeYielding controls how many failed acquisition attempts
	// a spinning task makes before calling yieldFn.
	attemptsBeforeYielding = 128
)

var (
	// yieldFn is invoked by spinning tasks every attemptsBeforeYielding
	// failed attempts. It stays nil in the kernel where there is nothing to
	// yield to; tests substitute runtime.Gosched.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts >= attemptsBeforeYielding {
			spinYield()
			attempts = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

func spinYield() {
	if yieldFn != nil {
		yieldFn()
	}
}
