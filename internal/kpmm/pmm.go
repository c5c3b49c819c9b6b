package kpmm

import (
	"fmt"

	"github.com/lyk-operating-system/LykOS/internal/ksync"
)

// MaxOrder is the largest buddy order the allocator manages: a block of
// order MaxOrder spans 2^MaxOrder contiguous frames (4 MiB at a 4 KiB base
// page size), per §4.2.
const MaxOrder = 10

const noFrame = int32(-1)

// Allocator is a buddy allocator over a single contiguous physical region.
// Orizon's PhysicalMemoryManager guards one flat free list behind a mutex
// and exposes AllocatePage/FreePage/GetMemoryInfo; this type keeps that
// shape (one lock, the same verb-first API) but replaces the free list with
// MaxOrder+1 per-order free lists threaded through the Page array, and
// split/coalesce logic modeled on gopheros's bitmap_allocator.go allocator
// struct (base frame, frame count, region ownership) minus the bitmap scan.
type Allocator struct {
	lock ksync.Spinlock

	base      Frame
	numFrames int32

	pages     []Page
	freeHeads [MaxOrder + 1]int32 // index into pages by relative frame number, noFrame if empty

	freeCount int64

	// backing simulates the HHDM: on real hardware the kernel reaches a
	// frame's contents through the direct map, so here every managed
	// frame gets PageSize bytes of backing storage the allocator can
	// hand out a slice into, letting callers (kvm's ANON zero-fill,
	// SHADOW copy_page, VNODE page fill) touch frame contents without
	// unsafe pointer arithmetic over real physical memory.
	backing []byte
}

// NewAllocator creates an allocator managing numFrames frames starting at
// base, with the entire region initially free.
func NewAllocator(base Frame, numFrames int32) *Allocator {
	a := &Allocator{
		base:      base,
		numFrames: numFrames,
		pages:     make([]Page, numFrames),
		backing:   make([]byte, int64(numFrames)*PageSize),
	}
	for i := range a.freeHeads {
		a.freeHeads[i] = noFrame
	}
	for i := int32(0); i < numFrames; i++ {
		a.pages[i] = Page{frame: base + Frame(i), next: noFrame, prev: noFrame}
	}

	a.lock.Acquire()
	defer a.lock.Release()
	a.seedFreeBlocks()
	return a
}

// seedFreeBlocks carves the initial region into the largest aligned
// power-of-two blocks that fit, greedily from the front, and pushes each
// onto its order's free list. Called with a.lock held.
func (a *Allocator) seedFreeBlocks() {
	rel := int32(0)
	for rel < a.numFrames {
		order := MaxOrder
		for order > 0 {
			blockSize := int32(1) << uint(order)
			if rel%blockSize == 0 && rel+blockSize <= a.numFrames {
				break
			}
			order--
		}
		a.pushFree(rel, uint8(order))
		rel += int32(1) << uint(order)
	}
}

func (a *Allocator) pushFree(rel int32, order uint8) {
	p := &a.pages[rel]
	p.free = true
	p.order = order
	p.prev = noFrame
	p.next = a.freeHeads[order]
	if p.next != noFrame {
		a.pages[p.next].prev = rel
	}
	a.freeHeads[order] = rel
	a.freeCount += int64(1) << uint(order)
}

func (a *Allocator) popFree(rel int32, order uint8) {
	p := &a.pages[rel]
	if p.prev != noFrame {
		a.pages[p.prev].next = p.next
	} else {
		a.freeHeads[order] = p.next
	}
	if p.next != noFrame {
		a.pages[p.next].prev = p.prev
	}
	p.free = false
	p.next, p.prev = noFrame, noFrame
	a.freeCount -= int64(1) << uint(order)
}

// buddyOf returns the relative frame number of rel's buddy at order.
func buddyOf(rel int32, order uint8) int32 {
	return rel ^ (int32(1) << uint(order))
}

// AllocFrames allocates a block of 2^order contiguous frames and returns the
// lowest frame of the block. It reports kerrors-flavored failure via a plain
// error when no block of sufficient order is free.
func (a *Allocator) AllocFrames(order uint8) (Frame, error) {
	if order > MaxOrder {
		return InvalidFrame, fmt.Errorf("kpmm: order %d exceeds max order %d", order, MaxOrder)
	}

	a.lock.Acquire()
	defer a.lock.Release()

	fit := order
	for fit <= MaxOrder && a.freeHeads[fit] == noFrame {
		fit++
	}
	if fit > MaxOrder {
		return InvalidFrame, fmt.Errorf("kpmm: out of memory for order %d", order)
	}

	rel := a.freeHeads[fit]
	a.popFree(rel, fit)

	// Split the block down to the requested order, pushing the unused
	// half back onto the free list at each step.
	for fit > order {
		fit--
		buddyRel := rel + (int32(1) << uint(fit))
		a.pushFree(buddyRel, fit)
	}

	p := &a.pages[rel]
	p.order = order
	p.free = false

	return p.frame, nil
}

// FreeFrames releases a block of 2^order frames previously returned by
// AllocFrames, coalescing with its buddy while the buddy is free and of the
// same order, up through MaxOrder.
func (a *Allocator) FreeFrames(f Frame, order uint8) error {
	rel := int32(f - a.base)
	if rel < 0 || rel >= a.numFrames {
		return fmt.Errorf("kpmm: frame %d out of managed range", f)
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if a.pages[rel].mapcount != 0 {
		return fmt.Errorf("kpmm: freeing frame %d with nonzero mapcount", f)
	}

	for order < MaxOrder {
		buddyRel := buddyOf(rel, order)
		if buddyRel < 0 || buddyRel >= a.numFrames {
			break
		}
		buddy := &a.pages[buddyRel]
		if !buddy.free || buddy.order != order {
			break
		}
		a.popFree(buddyRel, order)
		if buddyRel < rel {
			rel = buddyRel
		}
		order++
	}

	a.pushFree(rel, order)
	return nil
}

// PageAt returns the Page descriptor for frame f, or nil if f is outside
// the managed region.
func (a *Allocator) PageAt(f Frame) *Page {
	rel := int32(f - a.base)
	if rel < 0 || rel >= a.numFrames {
		return nil
	}
	return &a.pages[rel]
}

// FreeFrameCount returns the number of frames currently unallocated, for
// diagnostics and tests (mirrors Orizon's GetMemoryInfo free-page count).
func (a *Allocator) FreeFrameCount() int64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.freeCount
}

// FrameBytes returns the PageSize-byte slice backing frame f, or nil if f
// is outside the managed region. The slice aliases the allocator's storage
// directly, the same way dereferencing an HHDM address would.
func (a *Allocator) FrameBytes(f Frame) []byte {
	rel := int64(f - a.base)
	if rel < 0 || rel >= int64(a.numFrames) {
		return nil
	}
	return a.backing[rel*PageSize : (rel+1)*PageSize]
}

// global is the process-wide default allocator, set up once by boot code
// the way gopheros's pmm package exposes a package-level SetFrameAllocator
// / AllocFrame pair rather than threading an allocator handle everywhere.
var global *Allocator

// SetGlobalAllocator installs the allocator used by the package-level
// AllocFrame/FreeFrame helpers.
func SetGlobalAllocator(a *Allocator) { global = a }

// AllocFrame is a convenience wrapper around the global allocator's
// AllocFrames, for callers (like kvm's anonymous-object page producer) that
// don't hold a specific Allocator handle.
func AllocFrame(order uint8) (Frame, error) {
	if global == nil {
		return InvalidFrame, fmt.Errorf("kpmm: no global allocator installed")
	}
	return global.AllocFrames(order)
}

// FreeFrame mirrors AllocFrame for release.
func FreeFrame(f Frame, order uint8) error {
	if global == nil {
		return fmt.Errorf("kpmm: no global allocator installed")
	}
	return global.FreeFrames(f, order)
}

// PageAt mirrors Allocator.PageAt against the global allocator.
func PageAt(f Frame) *Page {
	if global == nil {
		return nil
	}
	return global.PageAt(f)
}

// FrameBytes mirrors Allocator.FrameBytes against the global allocator.
func FrameBytes(f Frame) []byte {
	if global == nil {
		return nil
	}
	return global.FrameBytes(f)
}

// FreeFrameCount mirrors Allocator.FreeFrameCount against the global
// allocator.
func FreeFrameCount() int64 {
	if global == nil {
		return 0
	}
	return global.FreeFrameCount()
}
