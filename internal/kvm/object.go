// Package kvm implements VM objects: the pluggable page source behind a
// VM segment (§3 "VM object", §4.4). Four variants share one Object
// shape — ANON, VNODE, PHYS, SHADOW — distinguished by a Kind tag and
// dispatched through a small ops table, the same tagged-variant-plus-vtable
// shape gopheros uses for its own frame allocator "owner" interfaces and
// SeleniaProject-Orizon uses for VirtualMemoryManager's per-PID page
// directories, generalized here to the object/shadow-chain model this
// core calls for (Orizon has no COW/shadow chain of its own).
package kvm

import (
	"fmt"

	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/kpmm"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
	"github.com/lyk-operating-system/LykOS/internal/kxarray"
)

// Kind tags the variant of a VM object.
type Kind int

const (
	Anon Kind = iota
	Vnode
	Phys
	Shadow
)

func (k Kind) String() string {
	switch k {
	case Anon:
		return "anon"
	case Vnode:
		return "vnode"
	case Phys:
		return "phys"
	case Shadow:
		return "shadow"
	default:
		return "unknown"
	}
}

// dirtyMark is the XArray mark index used to record a dirtied page offset
// on VNODE objects (§4.4: "cached_pages is used only for dirty
// tracking via XArray mark 0").
const dirtyMark = 0

// PageSource is the narrow interface a VNODE object uses to reach the
// owning vnode's own page cache, kept separate from kvfs to avoid an
// import cycle: kvfs's Vnode type satisfies this interface structurally.
type PageSource interface {
	// ReadThroughPage returns the frame backing page index pageIndex,
	// reading it from the underlying store on a cache miss and
	// installing it in the vnode's own page cache.
	ReadThroughPage(pageIndex uint64) (kpmm.Frame, error)
}

var errNoSuchPage = kerrors.New("kvm", "no such page")

func init() {
	kerrors.RegisterErrno(errNoSuchPage, kerrors.ENOENT)
}

// Object is a VM object: a page source of a given Kind, with a page cache
// keyed by page-offset index and a strong refcount.
type Object struct {
	lock     ksync.Spinlock
	refcount ksync.RefCount

	kind        Kind
	size        int64
	cachedPages *kxarray.XArray // page index -> kpmm.Frame

	// ANON: no extra state.

	// VNODE
	vnode      PageSource
	baseOffset int64

	// PHYS
	paddr uintptr

	// SHADOW
	parent *Object
}

// NewAnon creates an anonymous, zero-filled object of the given size.
func NewAnon(size int64) *Object {
	return &Object{
		kind:        Anon,
		size:        size,
		cachedPages: kxarray.New(),
		refcount:    ksync.NewRefCount(1),
	}
}

// NewVnode creates a VNODE object reading through src starting at
// baseOffset.
func NewVnode(src PageSource, baseOffset int64, size int64) *Object {
	return &Object{
		kind:        Vnode,
		size:        size,
		cachedPages: kxarray.New(),
		refcount:    ksync.NewRefCount(1),
		vnode:       src,
		baseOffset:  baseOffset,
	}
}

// NewPhys creates a PHYS object mapping the fixed physical address paddr,
// typically for MMIO. PHYS objects never allocate and never populate
// their own cache; a PRIVATE mapping of one is still wrapped in a SHADOW
// on its first write fault or on clone, and that SHADOW copies out of the
// fixed frame.
func NewPhys(paddr uintptr, size int64) *Object {
	return &Object{
		kind:        Phys,
		size:        size,
		cachedPages: kxarray.New(),
		refcount:    ksync.NewRefCount(1),
		paddr:       paddr,
	}
}

// NewShadow wraps parent in a fresh SHADOW object, taking one strong
// reference on it. Used by the address-space page-fault resolver and
// clone() to interpose private copy-on-write state ahead of a shared
// source.
func NewShadow(parent *Object) *Object {
	parent.Hold()
	return &Object{
		kind:        Shadow,
		size:        parent.size,
		cachedPages: kxarray.New(),
		refcount:    ksync.NewRefCount(1),
		parent:      parent,
	}
}

// Kind reports the object's variant.
func (o *Object) Kind() Kind { return o.kind }

// Size reports the object's size in bytes.
func (o *Object) Size() int64 { return o.size }

// Hold adds a strong reference.
func (o *Object) Hold() { o.refcount.Inc() }

// RefCount reports the object's current strong-reference count.
func (o *Object) RefCount() int32 { return o.refcount.Load() }

// Drop releases a strong reference, destroying the object's cached pages
// and (for SHADOW) dropping the parent reference when it reaches zero.
func (o *Object) Drop() {
	if !o.refcount.Dec() {
		return
	}
	o.destroy()
}

func pageIndex(offset int64) uint64 {
	return uint64(offset) / kpmm.PageSize
}

// GetPage returns the frame backing the page at byte offset in the
// object, producing it via the variant-specific path on a cache miss.
func (o *Object) GetPage(offset int64) (kpmm.Frame, error) {
	o.lock.Acquire()
	defer o.lock.Release()
	return o.getPageLocked(offset)
}

// HasLocalPage reports whether this object (meaningfully, a SHADOW) has
// already materialized a privately-owned copy of the page at offset,
// rather than still delegating reads through to its parent. The
// address-space page-fault resolver uses this to tell a repeat write
// (already private, map writable) from a first write (must copy_page).
func (o *Object) HasLocalPage(offset int64) bool {
	o.lock.Acquire()
	defer o.lock.Release()
	return o.cachedPages.Get(pageIndex(offset)) != nil
}

func (o *Object) getPageLocked(offset int64) (kpmm.Frame, error) {
	idx := pageIndex(offset)
	if v := o.cachedPages.Get(idx); v != nil {
		return v.(kpmm.Frame), nil
	}

	var (
		frame kpmm.Frame
		err   error
	)
	switch o.kind {
	case Anon:
		frame, err = o.produceAnon()
	case Vnode:
		frame, err = o.produceVnode(offset)
	case Phys:
		return kpmm.FrameFromAddress(o.paddr + uintptr(offset)), nil
	case Shadow:
		return o.parent.GetPage(offset)
	default:
		return kpmm.InvalidFrame, fmt.Errorf("kvm: unknown object kind %d", o.kind)
	}
	if err != nil {
		return kpmm.InvalidFrame, err
	}

	if o.kind != Vnode {
		o.cachedPages.Insert(idx, frame)
	}
	return frame, nil
}

func (o *Object) produceAnon() (kpmm.Frame, error) {
	f, err := kpmm.AllocFrame(0)
	if err != nil {
		return kpmm.InvalidFrame, err
	}
	buf := kpmm.FrameBytes(f)
	for i := range buf {
		buf[i] = 0
	}
	return f, nil
}

func (o *Object) produceVnode(offset int64) (kpmm.Frame, error) {
	idx := pageIndex(o.baseOffset + offset)
	f, err := o.vnode.ReadThroughPage(idx)
	if err != nil {
		return kpmm.InvalidFrame, err
	}
	// cached_pages is used only for dirty tracking on VNODE objects; the
	// frame itself lives in the vnode's own page cache (§4.4).
	return f, nil
}

// MarkDirty records that the page at offset has been written, for the
// VNODE writeback hook (§9 open question (a): no flush driver is
// wired up, so this only maintains the mark for a future one).
func (o *Object) MarkDirty(offset int64) {
	o.lock.Acquire()
	defer o.lock.Release()
	o.cachedPages.SetMark(pageIndex(offset), dirtyMark)
}

// CopyPage produces a private copy of the page at offset, sourced from
// srcFrame, and installs it in this object's cache. Used by the SHADOW
// write-COW path (§4.4 copy_page).
func (o *Object) CopyPage(offset int64, srcFrame kpmm.Frame) (kpmm.Frame, error) {
	dst, err := kpmm.AllocFrame(0)
	if err != nil {
		return kpmm.InvalidFrame, err
	}
	copy(kpmm.FrameBytes(dst), kpmm.FrameBytes(srcFrame))

	o.lock.Acquire()
	defer o.lock.Release()
	o.cachedPages.Insert(pageIndex(offset), dst)
	return dst, nil
}

// destroy releases every cached frame this object owns (the frame is
// returned to the buddy allocator once its mapcount has already dropped to
// zero via the address space's unmap path) and, for a SHADOW, drops its
// strong reference to the parent. VNODE objects don't own their frames —
// those belong to the vnode's own page cache — so only their dirty marks
// are discarded.
func (o *Object) destroy() {
	o.lock.Acquire()
	defer o.lock.Release()

	if o.kind != Vnode {
		o.cachedPages.All(func(_ uint64, v interface{}) bool {
			if p := kpmm.PageAt(v.(kpmm.Frame)); p != nil && p.Mapcount() == 0 {
				_ = kpmm.FreeFrame(v.(kpmm.Frame), 0)
			}
			return true
		})
	}

	if o.kind == Shadow {
		o.parent.Drop()
	}
}
