package kvm

import (
	"testing"

	"github.com/lyk-operating-system/LykOS/internal/kpmm"
)

func withAllocator(t *testing.T, frames int32) {
	t.Helper()
	kpmm.SetGlobalAllocator(kpmm.NewAllocator(0, frames))
	t.Cleanup(func() { kpmm.SetGlobalAllocator(nil) })
}

func TestAnonGetPageZeroFilled(t *testing.T) {
	withAllocator(t, 64)
	obj := NewAnon(4096)

	f, err := obj.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	buf := kpmm.FrameBytes(f)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestAnonGetPageCaches(t *testing.T) {
	withAllocator(t, 64)
	obj := NewAnon(4096)

	f1, _ := obj.GetPage(0)
	f2, _ := obj.GetPage(0)
	if f1 != f2 {
		t.Fatalf("GetPage returned different frames on repeat access: %v != %v", f1, f2)
	}
}

type fakeVnode struct {
	data []byte
}

func (v *fakeVnode) ReadThroughPage(pageIndex uint64) (kpmm.Frame, error) {
	f, err := kpmm.AllocFrame(0)
	if err != nil {
		return kpmm.InvalidFrame, err
	}
	buf := kpmm.FrameBytes(f)
	start := pageIndex * kpmm.PageSize
	n := copy(buf, v.data[start:])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return f, nil
}

func TestVnodeObjectReadsThroughSource(t *testing.T) {
	withAllocator(t, 64)
	src := &fakeVnode{data: []byte("world")}
	obj := NewVnode(src, 0, 5)

	f, err := obj.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	got := string(kpmm.FrameBytes(f)[:5])
	if got != "world" {
		t.Fatalf("content = %q, want %q", got, "world")
	}
}

func TestPhysObjectNeverAllocatesOrCopies(t *testing.T) {
	withAllocator(t, 64)
	const mmioBase = uintptr(32) * kpmm.PageSize
	obj := NewPhys(mmioBase, 4096)

	before := obj.refcount.Load() // sanity that Phys objects start at refcount 1
	if before != 1 {
		t.Fatalf("initial refcount = %d, want 1", before)
	}

	f, err := obj.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if f != kpmm.FrameFromAddress(mmioBase) {
		t.Fatalf("GetPage frame = %v, want the fixed MMIO frame", f)
	}
	if obj.cachedPages.Get(0) != nil {
		t.Fatal("PHYS object must never populate cached_pages")
	}
}

func TestShadowDelegatesToParentUntilCopyPage(t *testing.T) {
	withAllocator(t, 64)
	parent := NewAnon(4096)
	parentFrame, _ := parent.GetPage(0)
	copy(kpmm.FrameBytes(parentFrame), []byte("AAAA"))

	shadow := NewShadow(parent)

	got, err := shadow.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got != parentFrame {
		t.Fatalf("shadow should read through to parent's frame before any write")
	}

	copied, err := shadow.CopyPage(0, parentFrame)
	if err != nil {
		t.Fatalf("CopyPage: %v", err)
	}
	if copied == parentFrame {
		t.Fatal("CopyPage must allocate a distinct frame")
	}
	if string(kpmm.FrameBytes(copied)[:4]) != "AAAA" {
		t.Fatalf("copied page content = %q, want %q", kpmm.FrameBytes(copied)[:4], "AAAA")
	}

	// After copy_page installs a private frame, subsequent reads hit the
	// shadow's own cache rather than delegating again.
	got2, _ := shadow.GetPage(0)
	if got2 != copied {
		t.Fatalf("shadow GetPage after CopyPage = %v, want %v", got2, copied)
	}
}

func TestShadowDestroyDropsParentRef(t *testing.T) {
	withAllocator(t, 64)
	parent := NewAnon(4096)
	shadow := NewShadow(parent)

	if parent.refcount.Load() != 2 {
		t.Fatalf("parent refcount after NewShadow = %d, want 2", parent.refcount.Load())
	}

	shadow.Drop()

	if parent.refcount.Load() != 1 {
		t.Fatalf("parent refcount after shadow Drop = %d, want 1", parent.refcount.Load())
	}
}
