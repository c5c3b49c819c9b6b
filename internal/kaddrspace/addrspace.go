package kaddrspace

import (
	"fmt"

	"github.com/lyk-operating-system/LykOS/internal/karch"
	"github.com/lyk-operating-system/LykOS/internal/kpmm"
	"github.com/lyk-operating-system/LykOS/internal/kvm"
)

// Map installs a new segment of the given length, protection and flags,
// backed by obj (created implicitly for an ANON request with obj==nil),
// per §4.5. The new segment takes ownership of one strong reference
// to obj; callers mapping a pre-existing object (e.g. a file-backed
// mmap) must Hold it themselves first. It returns the chosen start
// address.
func (as *AddressSpace) Map(vaddr, length uintptr, prot karch.Prot, flags Flags, obj *kvm.Object, objOffset int64) (uintptr, error) {
	if length == 0 || !pageAligned(length) {
		return 0, fmt.Errorf("kaddrspace: length %d is not page-aligned or zero", length)
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if obj == nil && flags&AnonFlag != 0 {
		obj = kvm.NewAnon(int64(length))
	}

	var start uintptr
	if flags&Fixed != 0 {
		if vaddr < as.limitLow || vaddr+length > as.limitHi {
			return 0, fmt.Errorf("kaddrspace: fixed range [%#x,%#x) outside [%#x,%#x)", vaddr, vaddr+length, as.limitLow, as.limitHi)
		}
		overlapping := as.anyOverlap(vaddr, length)
		if overlapping && flags&FixedNoReplace != 0 {
			return 0, fmt.Errorf("kaddrspace: fixed range overlaps an existing segment")
		}
		if overlapping {
			for _, removed := range as.removeOverlapping(vaddr, length) {
				if removed.Object != nil {
					removed.Object.Drop()
				}
			}
		}
		start = vaddr
	} else {
		hole, err := as.findHole(length, kpmm.PageSize)
		if err != nil {
			return 0, err
		}
		start = hole
	}

	seg := &Segment{Start: start, Length: length, Prot: prot, Flags: flags, Object: obj, ObjOffset: objOffset}
	as.insertSorted(seg)

	if flags&Populate != 0 {
		for off := uintptr(0); off < length; off += kpmm.PageSize {
			if err := as.faultInLocked(seg, start+off, FaultRead); err != nil {
				return 0, err
			}
		}
	}

	return start, nil
}

func (as *AddressSpace) anyOverlap(start, length uintptr) bool {
	for _, seg := range as.segments {
		if seg.overlaps(start, length) {
			return true
		}
	}
	return false
}

// Unmap removes every segment (or portion of a segment) intersecting
// [vaddr, vaddr+length), tearing down the corresponding page-table
// mappings and dropping object references for segments removed in full.
func (as *AddressSpace) Unmap(vaddr, length uintptr) error {
	as.lock.Acquire()
	defer as.lock.Release()

	for _, seg := range as.segments {
		if !seg.overlaps(vaddr, length) {
			continue
		}
		lo := maxUintptr(seg.Start, vaddr)
		hi := minUintptr(seg.end(), vaddr+length)
		for p := lo; p < hi; p += kpmm.PageSize {
			_ = as.pageMap.Unmap(p) // no-op error if the page was never faulted in
		}
	}

	for _, removed := range as.removeOverlapping(vaddr, length) {
		if removed.Object != nil {
			removed.Object.Drop()
		}
	}
	return nil
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// findSegment returns the segment containing vaddr, or nil.
func (as *AddressSpace) findSegment(vaddr uintptr) *Segment {
	for _, seg := range as.segments {
		if vaddr >= seg.Start && vaddr < seg.end() {
			return seg
		}
	}
	return nil
}

// needsCOW reports whether a write fault against seg must go through the
// copy-page path rather than a direct map: true for any PRIVATE mapping
// whose object is a shared source (not already an exclusively-owned ANON
// page), per §4.5 step 4.
func needsCOW(seg *Segment) bool {
	return seg.Flags&Private != 0 && seg.Object != nil && seg.Object.Kind() != kvm.Anon
}

// PageFault resolves a fault at virt of the given type, installing a
// mapping on success. It releases the address-space lock before invoking
// the object's page producer (§5: the producer may itself allocate,
// which must not deadlock against a held address-space lock).
func (as *AddressSpace) PageFault(virt uintptr, faultType FaultType) error {
	as.lock.Acquire()
	seg := as.findSegment(virt)
	if seg == nil {
		as.lock.Release()
		return ErrSegFault
	}

	if faultType == FaultWrite && seg.Prot&karch.ProtWrite == 0 {
		as.lock.Release()
		return ErrSegFault
	}
	if faultType == FaultExec && seg.Prot&karch.ProtExec == 0 {
		as.lock.Release()
		return ErrSegFault
	}
	if faultType == FaultWrite && seg.Flags&Shared != 0 && seg.Prot&karch.ProtWrite == 0 {
		as.lock.Release()
		return ErrSegFault
	}

	as.lock.Release() // release before the (possibly allocating) page producer runs

	if faultType == FaultWrite && needsCOW(seg) {
		return as.faultInCOW(seg, virt)
	}
	return as.faultInDirect(seg, virt, faultType)
}

// faultInDirect handles a read fault, a write fault on a SHARED or
// exclusively-owned ANON page, or a POPULATE pre-fault: it calls the
// object's get_page and installs it with segment protections — except a
// read fault against a PRIVATE shared-source object is deliberately
// installed read-only regardless of seg.Prot, so the next write traps
// into faultInCOW instead of silently writing through a shared frame.
func (as *AddressSpace) faultInDirect(seg *Segment, virt uintptr, faultType FaultType) error {
	offset := seg.ObjOffset + int64(virt-seg.Start)
	frame, err := seg.Object.GetPage(offset)
	if err != nil {
		return err
	}

	installProt := seg.Prot
	if faultType != FaultWrite && needsCOW(seg) {
		installProt &^= karch.ProtWrite
	}
	return as.pageMap.Map(virt, frame.Address(), karch.Page4K, installProt, cacheModeFor(seg.Object))
}

// faultInCOW handles a write fault against a PRIVATE mapping over a
// shared source (§4.5 step 4): if the segment's object is not yet a
// SHADOW, wrap it; if the SHADOW already holds a private copy of this
// page from an earlier write, just re-map it writable; otherwise
// copy_page from the parent and install the fresh private frame writable.
func (as *AddressSpace) faultInCOW(seg *Segment, virt uintptr) error {
	offset := seg.ObjOffset + int64(virt-seg.Start)

	as.lock.Acquire()
	if !as.segmentStillPresent(seg) {
		as.lock.Release()
		return ErrSegFault
	}
	if seg.Object.Kind() != kvm.Shadow {
		old := seg.Object
		seg.Object = kvm.NewShadow(old)
		old.Drop() // NewShadow took its own Hold; the segment's prior ref is now redundant
	}
	shadow := seg.Object
	as.lock.Release()

	if shadow.HasLocalPage(offset) {
		frame, err := shadow.GetPage(offset)
		if err != nil {
			return err
		}
		return as.pageMap.Map(virt, frame.Address(), karch.Page4K, seg.Prot, cacheModeFor(shadow))
	}

	parentFrame, err := shadow.GetPage(offset) // delegates through to the parent chain
	if err != nil {
		return err
	}
	newFrame, err := shadow.CopyPage(offset, parentFrame)
	if err != nil {
		return err
	}
	_ = as.pageMap.Unmap(virt)
	return as.pageMap.Map(virt, newFrame.Address(), karch.Page4K, seg.Prot, cacheModeFor(shadow))
}

func (as *AddressSpace) faultInLocked(seg *Segment, virt uintptr, faultType FaultType) error {
	as.lock.Release()
	err := as.faultInDirect(seg, virt, faultType)
	as.lock.Acquire()
	return err
}

func (as *AddressSpace) segmentStillPresent(seg *Segment) bool {
	for _, s := range as.segments {
		if s == seg {
			return true
		}
	}
	return false
}

// Clone produces a child address space sharing SHARED segments (by
// reference) and re-parenting PRIVATE segments behind fresh SHADOW
// objects whose parent is the old source, write-protecting the existing
// mappings so the next write in either address space triggers COW
// (§4.5 clone, resolving open question (c) toward write-protect-now).
func (as *AddressSpace) Clone() (*AddressSpace, error) {
	as.lock.Acquire()
	defer as.lock.Release()

	child, err := New(as.limitLow, as.limitHi)
	if err != nil {
		return nil, err
	}

	for _, seg := range as.segments {
		if seg.Flags&Shared != 0 || seg.Object == nil {
			if seg.Object != nil {
				seg.Object.Hold()
			}
			child.segments = append(child.segments, &Segment{
				Start: seg.Start, Length: seg.Length, Prot: seg.Prot, Flags: seg.Flags,
				Object: seg.Object, ObjOffset: seg.ObjOffset,
			})
			continue
		}

		oldObj := seg.Object
		parentShadow := kvm.NewShadow(oldObj)
		childShadow := kvm.NewShadow(oldObj)
		oldObj.Drop() // the segment's prior ref is now redundant: the two shadows hold it between them
		seg.Object = parentShadow

		child.segments = append(child.segments, &Segment{
			Start: seg.Start, Length: seg.Length, Prot: seg.Prot, Flags: seg.Flags,
			Object: childShadow, ObjOffset: seg.ObjOffset,
		})

		as.writeProtectRange(seg.Start, seg.Length)
	}

	return child, nil
}

func (as *AddressSpace) writeProtectRange(start, length uintptr) {
	for p := start; p < start+length; p += kpmm.PageSize {
		_ = as.pageMap.Protect(p, karch.Page4K, karch.ProtRead)
	}
}

// Destroy unmaps every segment and releases the underlying arch page map.
func (as *AddressSpace) Destroy() error {
	as.lock.Acquire()
	segs := make([]*Segment, len(as.segments))
	copy(segs, as.segments)
	as.lock.Release()

	for _, seg := range segs {
		if err := as.Unmap(seg.Start, seg.Length); err != nil {
			return err
		}
	}
	return as.pageMap.Destroy()
}
