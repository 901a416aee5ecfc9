package sync

import "sync/atomic"

// writerHeld is the RWSpinlock state value while a writer owns the lock.
const writerHeld = -1

// RWSpinlock is a reader/writer lock where tasks busy-wait until the lock
// becomes available. Any number of readers may hold the lock at the same time;
// a writer holds it exclusively. There is no writer preference: a steady
// stream of readers can starve a writer.
//
// RWSpinlock is not interrupt-safe. Code running in interrupt context must use
// TryToAcquire or TryToRAcquire and abandon its operation on failure;
// spinning there deadlocks against the preempted holder.
type RWSpinlock struct {
	// state is the number of active readers or writerHeld.
	state int32
}

// Acquire blocks until the lock can be acquired for writing.
func (l *RWSpinlock) Acquire() {
	for attempts := uint32(0); !atomic.CompareAndSwapInt32(&l.state, 0, writerHeld); attempts++ {
		if attempts >= attemptsBeforeYielding {
			spinYield()
			attempts = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock for writing without blocking.
func (l *RWSpinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapInt32(&l.state, 0, writerHeld)
}

// Release relinquishes a write lock.
func (l *RWSpinlock) Release() {
	atomic.StoreInt32(&l.state, 0)
}

// RAcquire blocks until the lock can be acquired for reading.
func (l *RWSpinlock) RAcquire() {
	for attempts := uint32(0); !l.TryToRAcquire(); attempts++ {
		if attempts >= attemptsBeforeYielding {
			spinYield()
			attempts = 0
		}
	}
}

// TryToRAcquire attempts to acquire the lock for reading without blocking.
func (l *RWSpinlock) TryToRAcquire() bool {
	cur := atomic.LoadInt32(&l.state)
	return cur != writerHeld && atomic.CompareAndSwapInt32(&l.state, cur, cur+1)
}

// RRelease relinquishes a read lock.
func (l *RWSpinlock) RRelease() {
	atomic.AddInt32(&l.state, -1)
}
