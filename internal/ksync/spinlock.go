// Package ksync provides the two synchronization primitives the kernel core
// builds everything else on: an interrupt-safe Spinlock and an atomic
// RefCount. Ground: gopheros/kernel/sync.Spinlock, generalized with the
// interrupt masking §5 requires of any lock shared between thread and
// IRQ context, and the drop-to-zero refcount used throughout
// SeleniaProject-Orizon's Inode/File/VirtualFileSystem types (there done
// inline on a plain uint32 guarded by a mutex; here promoted to a reusable,
// atomic type).
package ksync

import "sync/atomic"

var (
	// disableInterruptsFn and restoreInterruptsFn are swapped out by arch
	// init code; on a hosted build (tests, the cmd/lykoskernel demo) they
	// are no-ops, the same seam gopheros uses for archAcquireSpinlock.
	disableInterruptsFn = func() (prevState uint64) { return 0 }
	restoreInterruptsFn = func(prevState uint64) {}
)

// SetInterruptControl installs the arch-specific functions used to mask and
// restore the local CPU's interrupt flag around a held spinlock's critical
// section. Called once from arch init; tests and the hosted demo leave the
// no-op defaults in place.
func SetInterruptControl(disable func() uint64, restore func(uint64)) {
	disableInterruptsFn = disable
	restoreInterruptsFn = restore
}

// Spinlock is a mutual-exclusion lock where a contending holder busy-waits.
// Acquire masks local interrupts for the duration of the critical section so
// a lock shared between thread context and an IRQ handler on the same CPU
// cannot deadlock against itself; Release restores the prior interrupt
// state. Re-acquiring a lock already held by the current caller deadlocks,
// matching gopheros's documented contract.
type Spinlock struct {
	state       uint32
	savedIF     uint64
}

// Acquire blocks until the lock is held, masking local interrupts first.
func (l *Spinlock) Acquire() {
	prev := disableInterruptsFn()
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		// busy-wait; a real build would `pause`/`yield` here.
	}
	l.savedIF = prev
}

// TryToAcquire attempts a non-blocking acquire, returning whether it
// succeeded. On success, interrupts are masked exactly as in Acquire.
func (l *Spinlock) TryToAcquire() bool {
	prev := disableInterruptsFn()
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		l.savedIF = prev
		return true
	}
	restoreInterruptsFn(prev)
	return false
}

// Release relinquishes a held lock and restores the interrupt state that was
// in effect before the matching Acquire/TryToAcquire. Calling Release on a
// free lock has no effect.
func (l *Spinlock) Release() {
	if !atomic.CompareAndSwapUint32(&l.state, 1, 0) {
		return
	}
	restoreInterruptsFn(l.savedIF)
}
