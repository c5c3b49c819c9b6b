// Package kaddrspace implements the VM address space: an ordered,
// non-overlapping segment list over a range of virtual addresses, backed
// by an arch page map, with map/unmap/clone and the page-fault resolver
// (§3 "VM segment"/"Address space", §4.5). Ground: the sorted-list
// walk-and-splice style has no direct analogue in either gopheros or
// Orizon (gopheros maps single pages directly and Orizon's
// VirtualAddressSpace is a single flat PageTable); it is built in
// Orizon's verb-first Map/Unmap naming and mutex-guarded struct shape,
// generalized with the karch façade and kvm objects this rewrite
// introduced below it.
package kaddrspace

import (
	"fmt"
	"sort"

	"github.com/lyk-operating-system/LykOS/internal/karch"
	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/kpmm"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
	"github.com/lyk-operating-system/LykOS/internal/kvm"
)

// Flags modify how Map interprets and places a new segment.
type Flags uint32

const (
	Private Flags = 1 << iota
	Shared
	AnonFlag
	Fixed
	FixedNoReplace
	Populate
)

// FaultType distinguishes the access that triggered a page fault.
type FaultType int

const (
	FaultRead FaultType = iota
	FaultWrite
	FaultExec
)

// ErrSegFault is returned by PageFault when the access cannot be resolved
// and the caller must terminate the offending thread (§4.5 step 1/2).
var ErrSegFault = kerrors.New("kaddrspace", "segmentation fault")

func init() {
	kerrors.RegisterErrno(ErrSegFault, kerrors.EFAULT)
}

// Segment is one mapped virtual range: [Start, Start+Length), the
// protection and flags it was mapped with, and the object backing it.
type Segment struct {
	Start     uintptr
	Length    uintptr
	Prot      karch.Prot
	Flags     Flags
	Object    *kvm.Object
	ObjOffset int64
}

func (s *Segment) end() uintptr { return s.Start + s.Length }

func (s *Segment) overlaps(start, length uintptr) bool {
	end := start + length
	return s.Start < end && start < s.end()
}

// AddressSpace owns an ordered, non-overlapping segment list and the arch
// page table it projects those segments into.
type AddressSpace struct {
	lock     ksync.Spinlock
	segments []*Segment // kept sorted ascending by Start

	pageMap  *karch.PageMap
	limitLow uintptr
	limitHi  uintptr
}

// New creates an empty address space spanning [limitLow, limitHigh).
func New(limitLow, limitHigh uintptr) (*AddressSpace, error) {
	pm, err := karch.Create()
	if err != nil {
		return nil, fmt.Errorf("kaddrspace: creating page map: %w", err)
	}
	return &AddressSpace{pageMap: pm, limitLow: limitLow, limitHi: limitHigh}, nil
}

// Load activates this address space's page map on the current CPU.
func (as *AddressSpace) Load() { as.pageMap.Load() }

// Segments returns the current segment list, sorted by Start. The caller
// must not retain it across a Map/Unmap call.
func (as *AddressSpace) Segments() []*Segment {
	as.lock.Acquire()
	defer as.lock.Release()
	out := make([]*Segment, len(as.segments))
	copy(out, as.segments)
	return out
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// findHole returns the lowest address >= limitLow at which a run of length
// bytes fits without overlapping an existing segment, respecting
// alignment.
func (as *AddressSpace) findHole(length, align uintptr) (uintptr, error) {
	candidate := alignUp(as.limitLow, align)
	for _, seg := range as.segments {
		if candidate+length <= seg.Start {
			break
		}
		if seg.end() > candidate {
			candidate = alignUp(seg.end(), align)
		}
	}
	if candidate+length > as.limitHi {
		return 0, fmt.Errorf("kaddrspace: no free hole of length %d", length)
	}
	return candidate, nil
}

// insertSorted inserts seg into the segment list, keeping Start order.
func (as *AddressSpace) insertSorted(seg *Segment) {
	i := sort.Search(len(as.segments), func(i int) bool { return as.segments[i].Start >= seg.Start })
	as.segments = append(as.segments, nil)
	copy(as.segments[i+1:], as.segments[i:])
	as.segments[i] = seg
}

// removeOverlapping removes every segment fully within [start, start+length)
// and trims/splits any segment that only partially overlaps it. It returns
// the list of segments that were fully replaced (for reference-count
// bookkeeping by the caller) and mutates as.segments in place.
func (as *AddressSpace) removeOverlapping(start, length uintptr) []*Segment {
	var removed []*Segment
	var kept []*Segment

	for _, seg := range as.segments {
		if !seg.overlaps(start, length) {
			kept = append(kept, seg)
			continue
		}

		end := start + length
		segEnd := seg.end()

		if seg.Start < start {
			// Left remainder survives.
			kept = append(kept, &Segment{
				Start: seg.Start, Length: start - seg.Start,
				Prot: seg.Prot, Flags: seg.Flags, Object: holdAgain(seg.Object), ObjOffset: seg.ObjOffset,
			})
		}
		if segEnd > end {
			// Right remainder survives.
			kept = append(kept, &Segment{
				Start: end, Length: segEnd - end,
				Prot: seg.Prot, Flags: seg.Flags, Object: holdAgain(seg.Object), ObjOffset: seg.ObjOffset + int64(end-seg.Start),
			})
		}
		removed = append(removed, seg)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	as.segments = kept
	return removed
}

// holdAgain bumps obj's refcount and returns it, for the case where a
// single segment being split produces two surviving remainders that must
// each hold their own reference.
func holdAgain(obj *kvm.Object) *kvm.Object {
	if obj != nil {
		obj.Hold()
	}
	return obj
}

func granuleFor(length uintptr) karch.Granule {
	switch {
	case length >= uintptr(karch.Page1G) && length%uintptr(karch.Page1G) == 0:
		return karch.Page1G
	case length >= uintptr(karch.Page2M) && length%uintptr(karch.Page2M) == 0:
		return karch.Page2M
	default:
		return karch.Page4K
	}
}

// cacheModeFor selects device memory for PHYS objects (MMIO) and normal
// write-back memory otherwise.
func cacheModeFor(obj *kvm.Object) karch.CacheMode {
	if obj != nil && obj.Kind() == kvm.Phys {
		return karch.CacheDevice
	}
	return karch.CacheNormal
}

func pageAligned(v uintptr) bool { return v%kpmm.PageSize == 0 }
