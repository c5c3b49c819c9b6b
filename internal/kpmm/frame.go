// Package kpmm implements the physical frame allocator: a buddy allocator
// over physical RAM whose frames carry atomic mapcounts (§3 "Page",
// §4.2). Ground: the Frame/Page split of gopheros/kernel/mm (Frame as a
// frame index with Address()/FrameFromAddress()) combined with the
// init/AllocFrame/FreePage naming and mutex-guarded manager shape of
// SeleniaProject-Orizon's PhysicalMemoryManager, replacing that teacher's
// flat free list with a real power-of-two buddy allocator as §4.2
// requires.
package kpmm

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// PageSize is the base (order-0) frame size.
const PageSize = 4096

// PageShift is log2(PageSize).
const PageShift = 12

// Frame identifies a physical memory frame by its order-0 frame number.
type Frame uintptr

// InvalidFrame is returned by allocation failures.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether f names a real frame.
func (f Frame) Valid() bool { return f != InvalidFrame }

// Address returns the physical address of the start of this frame.
func (f Frame) Address() uintptr { return uintptr(f) << PageShift }

// FrameFromAddress rounds addr down to its containing frame.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> PageShift)
}

// Page is the physical frame descriptor: every frame in the managed range
// has exactly one Page, tracking its buddy order, free state, and the
// number of live PTEs referencing it (mapcount). free and mapcount>0 are
// mutually exclusive (§3 invariant).
type Page struct {
	frame    Frame
	order    uint8
	free     bool
	mapcount int32

	// next/prev link this page into its order's free list by frame
	// number; -1 is the list-end sentinel. This is the "linked-list
	// hook" §3 calls for, made intrusive (no separate allocation)
	// the way a bare-metal allocator must.
	next, prev int32
}

// Frame returns the frame this page describes.
func (p *Page) Frame() Frame { return p.frame }

// Order returns the buddy order of the block this page currently heads, or
// most recently headed if it is not presently a free-list head.
func (p *Page) Order() uint8 { return p.order }

// Free reports whether this page is on a free list.
func (p *Page) Free() bool { return p.free }

// Mapcount returns the number of live PTEs referencing this frame.
func (p *Page) Mapcount() int32 { return atomic.LoadInt32(&p.mapcount) }

// IncMapcount bumps the mapcount on a new mapping of this frame.
func (p *Page) IncMapcount() int32 { return atomic.AddInt32(&p.mapcount, 1) }

// DecMapcount drops the mapcount on an unmap and returns the new value.
func (p *Page) DecMapcount() int32 { return atomic.AddInt32(&p.mapcount, -1) }

// PageCountToOrder returns the smallest order whose block (2^order pages)
// can hold n pages: ceil(log2(n)), per §4.2.
func PageCountToOrder(n uint64) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(bits.Len64(n - 1))
}
