package karch

import (
	"testing"

	"github.com/lyk-operating-system/LykOS/internal/kpmm"
)

func withAllocator(t *testing.T, frames int32) func() {
	t.Helper()
	a := kpmm.NewAllocator(0, frames)
	kpmm.SetGlobalAllocator(a)
	return func() { kpmm.SetGlobalAllocator(nil) }
}

func TestMapUnmapRoundTrip(t *testing.T) {
	defer withAllocator(t, 4096)()

	pm, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const vaddr = uintptr(0x1000)
	paddr := uintptr(16) * uintptr(Page4K)

	if err := pm.Map(vaddr, paddr, Page4K, ProtRead|ProtWrite, CacheNormal); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, err := pm.Translate(vaddr)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != paddr {
		t.Fatalf("Translate = %#x, want %#x", got, paddr)
	}

	frame := kpmm.FrameFromAddress(paddr)
	if kpmm.PageAt(frame).Mapcount() != 1 {
		t.Fatalf("mapcount = %d, want 1", kpmm.PageAt(frame).Mapcount())
	}

	if err := pm.Unmap(vaddr); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if kpmm.PageAt(frame).Mapcount() != 0 {
		t.Fatalf("mapcount after unmap = %d, want 0", kpmm.PageAt(frame).Mapcount())
	}
	if _, err := pm.Translate(vaddr); err == nil {
		t.Fatal("expected Translate to fail after Unmap")
	}
}

func TestUnmapInvalidatesTLB(t *testing.T) {
	defer withAllocator(t, 4096)()
	defer SetTLBInvalidate(func(uintptr) {})

	var invalidated uintptr
	SetTLBInvalidate(func(v uintptr) { invalidated = v })

	pm, _ := Create()
	const vaddr = uintptr(0x2000)
	_ = pm.Map(vaddr, uintptr(32)*uintptr(Page4K), Page4K, ProtRead, CacheNormal)
	_ = pm.Unmap(vaddr)

	if invalidated != vaddr {
		t.Fatalf("TLB invalidated for %#x, want %#x", invalidated, vaddr)
	}
}

func TestProtectUpdatesWithoutRemapping(t *testing.T) {
	defer withAllocator(t, 4096)()

	pm, _ := Create()
	const vaddr = uintptr(0x3000)
	paddr := uintptr(8) * uintptr(Page4K)
	if err := pm.Map(vaddr, paddr, Page4K, ProtRead, CacheNormal); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := pm.Protect(vaddr, Page4K, ProtRead|ProtWrite); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	got, err := pm.Translate(vaddr)
	if err != nil || got != paddr {
		t.Fatalf("Translate after Protect = (%#x, %v), want (%#x, nil)", got, err, paddr)
	}
}

func TestIsUserAddress(t *testing.T) {
	if !IsUserAddress(0x1000) {
		t.Fatal("low address should be a user address")
	}
	if IsUserAddress(archLayout.higherHalfSplit + 0x1000) {
		t.Fatal("address above the higher-half split should not be a user address")
	}
}

func TestIntermediateTableFreedWhenEmpty(t *testing.T) {
	defer withAllocator(t, 4096)()

	pm, _ := Create()
	const vaddr = uintptr(0x500000)
	paddr := uintptr(64) * uintptr(Page4K)
	if err := pm.Map(vaddr, paddr, Page4K, ProtRead|ProtWrite, CacheNormal); err != nil {
		t.Fatalf("Map: %v", err)
	}
	rootMapcountBefore := kpmm.PageAt(pm.root.frame).Mapcount()
	if rootMapcountBefore == 0 {
		t.Fatal("root mapcount should have been bumped for the allocated intermediate tables")
	}

	if err := pm.Unmap(vaddr); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if kpmm.PageAt(pm.root.frame).Mapcount() != 0 {
		t.Fatalf("root mapcount after unmap = %d, want 0 (intermediate tables should be freed)", kpmm.PageAt(pm.root.frame).Mapcount())
	}
}
