// Package karch is the arch-paging façade (§4.3): it exposes a single
// Create/Destroy/Load/Map/Unmap/Protect/Translate surface over a
// multi-level page table, with the level count, per-level index bit widths,
// page-offset width and higher-half split supplied per-GOARCH by
// layout_amd64.go / layout_arm64.go; entry flags are one arch-neutral
// struct shared by both. Ground:
// gopheros/kernel/mm/vmm's PageDirectoryTable (Init/Map/Unmap/Activate,
// pageLevelBits/pageLevelShifts walk tables) for the walk/mapcount
// bookkeeping, generalized to be hosted (no MMU, no recursive mapping
// trick): table nodes live as ordinary Go heap values addressed by the
// kpmm.Frame assigned to them, the same way a direct-mapped HHDM would let
// the real kernel dereference any frame, with iansmith-mazarin's
// aarch64/amd64 build-tag split (arch_unsupported.go, gic_qemu.go) as the
// precedent for keeping the two layouts in separate, tag-guarded files.
package karch

import (
	"fmt"
	"sync/atomic"

	"github.com/lyk-operating-system/LykOS/internal/kpmm"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
)

// Granule names the page size a mapping is installed at.
type Granule uintptr

const (
	Page4K Granule = 4 << 10
	Page2M Granule = 2 << 20
	Page1G Granule = 1 << 30
)

// Prot is a protection bitmask independent of any PTE encoding.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// CacheMode selects the memory type applied to a mapping (normal
// write-back RAM versus device/MMIO, used by PHYS VM objects).
type CacheMode uint8

const (
	CacheNormal CacheMode = iota
	CacheDevice
)

// layout captures everything that differs between amd64 and aarch64:
// level count, the index-bit width of each level (root first), and the
// virtual address at which kernel (higher-half) mappings begin.
type layout struct {
	name            string
	levels          int
	bitsPerLevel    []uint
	pageOffsetBits  uint
	higherHalfSplit uintptr
}

func (l layout) entriesPerTable(level int) int {
	return 1 << l.bitsPerLevel[level]
}

// shiftForLevel returns the bit position of the index component a given
// level consumes from a virtual address.
func (l layout) shiftForLevel(level int) uint {
	shift := l.pageOffsetBits
	for i := l.levels - 1; i > level; i-- {
		shift += l.bitsPerLevel[i]
	}
	return shift
}

func (l layout) indexAt(vaddr uintptr, level int) int {
	shift := l.shiftForLevel(level)
	mask := uintptr(l.entriesPerTable(level) - 1)
	return int((vaddr >> shift) & mask)
}

// granuleLevel returns the table level whose entries span exactly g bytes
// (level 0 is the root; the last level maps Page4K leaves).
func (l layout) granuleLevel(g Granule) (int, error) {
	shift := l.pageOffsetBits
	for level := l.levels - 1; level >= 0; level-- {
		if uintptr(1)<<shift == uintptr(g) {
			return level, nil
		}
		shift += l.bitsPerLevel[level]
	}
	return 0, fmt.Errorf("karch: granule %d is not representable on %s", g, l.name)
}

// pte is a single page-table entry: present/huge flags, the protection
// requested by the mapper, and the frame it (or, for an intermediate
// table, the child table) resides in.
type pte struct {
	present bool
	huge    bool
	prot    Prot
	cache   CacheMode
	frame   kpmm.Frame
	child   *table
}

// table is one level of the page-table tree. It is not itself allocated
// out of simulated physical memory byte-for-byte; instead it owns the
// kpmm.Frame that represents its footprint, so the mapcount accounting
// §4.3 requires (bumping the parent frame's mapcount per child table,
// freeing an intermediate table once its mapcount drops to zero) behaves
// exactly as it would walking real memory.
type table struct {
	frame   kpmm.Frame
	entries []pte
}

// PageMap is one address space's page-table root.
type PageMap struct {
	lock   ksync.Spinlock
	root   *table
	active int32
}

func newTable(l layout, level int) (*table, error) {
	order := kpmm.PageCountToOrder(1)
	f, err := kpmm.AllocFrame(order)
	if err != nil {
		return nil, fmt.Errorf("karch: allocating table frame: %w", err)
	}
	return &table{frame: f, entries: make([]pte, l.entriesPerTable(level))}, nil
}

// Create allocates a fresh, empty page-table tree.
func Create() (*PageMap, error) {
	root, err := newTable(archLayout, 0)
	if err != nil {
		return nil, err
	}
	return &PageMap{root: root}, nil
}

// Destroy releases every table frame reachable from pm, including the
// root. The caller must have already unmapped every leaf mapping (Destroy
// does not drop page mapcounts for leaves still present).
func (pm *PageMap) Destroy() error {
	pm.lock.Acquire()
	defer pm.lock.Release()
	destroyTable(pm.root, 0)
	pm.root = nil
	return nil
}

func destroyTable(t *table, level int) {
	if t == nil {
		return
	}
	if level < archLayout.levels-1 {
		for i := range t.entries {
			if t.entries[i].present && t.entries[i].child != nil {
				destroyTable(t.entries[i].child, level+1)
			}
		}
	}
	_ = kpmm.FreeFrame(t.frame, 0)
}

// Load marks pm as the active page map on the current (simulated) CPU.
// There is exactly one process-wide "hardware" in this hosted kernel, so
// Load is a bookkeeping toggle rather than a real CR3/TTBR0 write; it
// exists so code written against the façade reads the same as it would on
// bare metal.
func (pm *PageMap) Load() {
	atomic.StoreInt32(&pm.active, 1)
}

// walk descends from the root to the table that should hold the leaf
// entry for vaddr at granule g, allocating missing intermediate tables
// when create is true. It returns the owning table, the slot index within
// it, and the level of that table.
func (pm *PageMap) walk(vaddr uintptr, g Granule, create bool) (*table, int, int, error) {
	leafLevel, err := archLayout.granuleLevel(g)
	if err != nil {
		return nil, 0, 0, err
	}

	t := pm.root
	for level := 0; level < leafLevel; level++ {
		idx := archLayout.indexAt(vaddr, level)
		e := &t.entries[idx]
		if !e.present {
			if !create {
				return nil, 0, 0, fmt.Errorf("karch: no mapping for %#x", vaddr)
			}
			child, err := newTable(archLayout, level+1)
			if err != nil {
				return nil, 0, 0, err
			}
			e.present = true
			e.child = child
			e.frame = child.frame
			if p := kpmm.PageAt(t.frame); p != nil {
				p.IncMapcount()
			}
		}
		t = e.child
	}
	idx := archLayout.indexAt(vaddr, leafLevel)
	return t, idx, leafLevel, nil
}

// Map installs vaddr→paddr at granule g with the given protection and
// cache mode. Both addresses must be aligned to g.
func (pm *PageMap) Map(vaddr, paddr uintptr, g Granule, prot Prot, cache CacheMode) error {
	if vaddr%uintptr(g) != 0 || paddr%uintptr(g) != 0 {
		return fmt.Errorf("karch: vaddr/paddr not aligned to granule %d", g)
	}

	pm.lock.Acquire()
	defer pm.lock.Release()

	t, idx, level, err := pm.walk(vaddr, g, true)
	if err != nil {
		return err
	}
	e := &t.entries[idx]
	e.present = true
	e.huge = level < archLayout.levels-1
	e.prot = prot
	e.cache = cache
	e.frame = kpmm.FrameFromAddress(paddr)
	if p := kpmm.PageAt(e.frame); p != nil {
		p.IncMapcount()
	}
	return nil
}

// Unmap removes the mapping covering vaddr (at whatever granule it was
// installed at), drops the mapped frame's mapcount by one, issues a
// single-page TLB invalidation, and ascends freeing any now-empty
// intermediate table — the root is never freed this way.
func (pm *PageMap) Unmap(vaddr uintptr) error {
	pm.lock.Acquire()
	defer pm.lock.Release()

	path := make([]*table, archLayout.levels)
	idxPath := make([]int, archLayout.levels)

	t := pm.root
	leafLevel := -1
	for level := 0; level < archLayout.levels; level++ {
		path[level] = t
		idx := archLayout.indexAt(vaddr, level)
		idxPath[level] = idx
		e := &t.entries[idx]
		if !e.present {
			return fmt.Errorf("karch: unmap of unmapped address %#x", vaddr)
		}
		if e.child == nil {
			leafLevel = level
			break
		}
		t = e.child
	}
	if leafLevel < 0 {
		leafLevel = archLayout.levels - 1
	}

	leaf := path[leafLevel]
	leafEntry := &leaf.entries[idxPath[leafLevel]]
	if p := kpmm.PageAt(leafEntry.frame); p != nil {
		p.DecMapcount()
	}
	*leafEntry = pte{}

	invalidateTLBEntryFn(vaddr)

	for level := leafLevel - 1; level >= 0; level-- {
		parent := path[level]
		idx := idxPath[level]
		child := parent.entries[idx].child
		if child == nil || !tableEmpty(child) {
			break
		}
		_ = kpmm.FreeFrame(child.frame, 0)
		if p := kpmm.PageAt(parent.frame); p != nil {
			p.DecMapcount()
		}
		parent.entries[idx] = pte{}
	}
	return nil
}

func tableEmpty(t *table) bool {
	for i := range t.entries {
		if t.entries[i].present {
			return false
		}
	}
	return true
}

// Protect updates the protection bits of the mapping covering [vaddr,
// vaddr+g) without touching its frame or mapcount.
func (pm *PageMap) Protect(vaddr uintptr, g Granule, prot Prot) error {
	pm.lock.Acquire()
	defer pm.lock.Release()

	t, idx, _, err := pm.walk(vaddr, g, false)
	if err != nil {
		return err
	}
	e := &t.entries[idx]
	if !e.present {
		return fmt.Errorf("karch: protect of unmapped address %#x", vaddr)
	}
	e.prot = prot
	return nil
}

// Translate resolves vaddr to its mapped physical address, or an error if
// unmapped.
func (pm *PageMap) Translate(vaddr uintptr) (uintptr, error) {
	pm.lock.Acquire()
	defer pm.lock.Release()

	t := pm.root
	for level := 0; level < archLayout.levels; level++ {
		idx := archLayout.indexAt(vaddr, level)
		e := &t.entries[idx]
		if !e.present {
			return 0, fmt.Errorf("karch: no mapping for %#x", vaddr)
		}
		if e.child == nil {
			offset := vaddr & (uintptr(granuleForLevel(level)) - 1)
			return e.frame.Address() + offset, nil
		}
		t = e.child
	}
	return 0, fmt.Errorf("karch: no mapping for %#x", vaddr)
}

func granuleForLevel(level int) Granule {
	shift := archLayout.shiftForLevel(level)
	return Granule(uintptr(1) << shift)
}

// IsUserAddress reports whether vaddr lies below the higher-half split,
// the rule §4.3 uses to derive the user/kernel PTE bit.
func IsUserAddress(vaddr uintptr) bool {
	return vaddr < archLayout.higherHalfSplit
}

// invalidateTLBEntryFn issues a single-page TLB invalidation for the
// current CPU. On the hosted build there is no real TLB, so the default is
// a no-op; arch init on real hardware would install the
// INVLPG/TLBI-backed version, matching gopheros's flushTLBEntryFn seam.
var invalidateTLBEntryFn = func(vaddr uintptr) {}

// SetTLBInvalidate installs the function used to flush a single TLB entry
// after Unmap. Exposed for tests that want to observe invalidation calls.
func SetTLBInvalidate(fn func(vaddr uintptr)) {
	invalidateTLBEntryFn = fn
}
