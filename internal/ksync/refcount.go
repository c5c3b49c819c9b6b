package ksync

import "sync/atomic"

// RefCount is a strong-reference counter with an acquire-release
// drop-to-zero transition: the caller that observes the count fall to zero
// is the sole one responsible for deallocating the owning resource. Used by
// vnodes, files, and VM objects; page mapcounts are a separate atomic
// counter in kpmm.
type RefCount struct {
	n int32
}

// NewRefCount returns a RefCount initialized to the given starting value
// (conventionally 1, for "freshly created, one owner").
func NewRefCount(initial int32) RefCount {
	return RefCount{n: initial}
}

// Inc bumps the count by one.
func (r *RefCount) Inc() {
	atomic.AddInt32(&r.n, 1)
}

// Dec drops the count by one and reports whether this call drove it to
// zero. Only the caller for whom Dec returns true may release the owning
// resource.
func (r *RefCount) Dec() bool {
	return atomic.AddInt32(&r.n, -1) == 0
}

// Load returns the current count, primarily for diagnostics and tests.
func (r *RefCount) Load() int32 {
	return atomic.LoadInt32(&r.n)
}
