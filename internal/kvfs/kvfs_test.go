package kvfs

import (
	"testing"

	"github.com/lyk-operating-system/LykOS/internal/kpmm"
)

func withAllocator(t *testing.T, frames int32) {
	t.Helper()
	kpmm.SetGlobalAllocator(kpmm.NewAllocator(0, frames))
	t.Cleanup(func() { kpmm.SetGlobalAllocator(nil) })
}

// memDir is the backing data for a DIR vnode in the test double filesystem
// below: a plain name -> *Vnode map, mirroring the shape of the data a real
// directory-supporting filesystem (ramfs, USTAR extraction — out of scope
// per §1) would keep, without implementing one.
type memDir struct {
	entries map[string]*Vnode
}

// memRegData is the backing data for a REG vnode: a byte slice read/written
// directly by the ops below.
type memRegData struct {
	data []byte
}

// memOps is a minimal in-memory vnode ops vtable used only to exercise the
// VFS veneer in tests, the same role kvm's fakeVnode plays for VM objects.
type memOps struct{}

func (memOps) Read(vn *Vnode, buf []byte, offset int64) (int, error) {
	d := vn.Backing.(*memRegData)
	if offset >= int64(len(d.data)) {
		return 0, nil
	}
	n := copy(buf, d.data[offset:])
	return n, nil
}

func (memOps) Write(vn *Vnode, buf []byte, offset int64) (int, error) {
	d := vn.Backing.(*memRegData)
	end := offset + int64(len(buf))
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	return copy(d.data[offset:], buf), nil
}

func (memOps) Lookup(vn *Vnode, name string) (*Vnode, error) {
	d := vn.Backing.(*memDir)
	child, ok := d.entries[name]
	if !ok {
		return nil, errNoEnt
	}
	return child, nil
}

func (memOps) Create(vn *Vnode, name string, typ VType) (*Vnode, error) {
	d := vn.Backing.(*memDir)
	if _, ok := d.entries[name]; ok {
		return nil, errExist
	}
	var child *Vnode
	switch typ {
	case Dir:
		child = New(name, Dir, 0, memOps{}, &memDir{entries: map[string]*Vnode{}})
	default:
		child = New(name, typ, 0, memOps{}, &memRegData{})
	}
	d.entries[name] = child
	return child, nil
}

func (memOps) Remove(vn *Vnode, name string) error {
	d := vn.Backing.(*memDir)
	child, ok := d.entries[name]
	if !ok {
		return errNoEnt
	}
	delete(d.entries, name)
	child.Drop()
	return nil
}

func (memOps) Mkdir(vn *Vnode, name string) (*Vnode, error) {
	return memOps{}.Create(vn, name, Dir)
}

func (memOps) Rmdir(vn *Vnode, name string) error { return memOps{}.Remove(vn, name) }

func (memOps) Readdir(vn *Vnode) ([]string, error) {
	d := vn.Backing.(*memDir)
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	return names, nil
}

func (memOps) Ioctl(vn *Vnode, cmd int, arg uintptr) (int, error) {
	return 0, errNotSupp
}

func (memOps) Destroy(vn *Vnode) {}

func newMemRoot() *Vnode {
	return New("/", Dir, 0, memOps{}, &memDir{entries: map[string]*Vnode{}})
}

func TestVFSCreateLookupRemove(t *testing.T) {
	withAllocator(t, 64)
	v := NewVFS()
	v.Mount("/", newMemRoot())

	if _, err := v.Mkdir("/dir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := v.Create("/dir/hello.txt", Reg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	vn, err := v.Lookup("/dir/hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if vn.Type != Reg {
		t.Fatalf("Type = %v, want Reg", vn.Type)
	}

	if err := v.Remove("/dir/hello.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := v.Lookup("/dir/hello.txt"); err != errNoEnt {
		t.Fatalf("Lookup after Remove = %v, want errNoEnt", err)
	}
}

func TestVFSLookupMissingComponentIsNoEnt(t *testing.T) {
	withAllocator(t, 64)
	v := NewVFS()
	v.Mount("/", newMemRoot())

	if _, err := v.Lookup("/does/not/exist"); err != errNoEnt {
		t.Fatalf("Lookup = %v, want errNoEnt", err)
	}
}

func TestVFSMountResolvesLongestPrefix(t *testing.T) {
	withAllocator(t, 64)
	v := NewVFS()
	v.Mount("/", newMemRoot())

	sub := newMemRoot()
	subRootOps := memOps{}
	subRootOps.Create(sub, "inner.txt", Reg)
	v.Mount("/mnt", sub)

	vn, err := v.Lookup("/mnt/inner.txt")
	if err != nil {
		t.Fatalf("Lookup through mount: %v", err)
	}
	if vn.Name != "inner.txt" {
		t.Fatalf("Name = %q, want inner.txt", vn.Name)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	withAllocator(t, 64)
	vn, err := memOps{}.Create(&Vnode{Backing: &memDir{entries: map[string]*Vnode{}}}, "f", Reg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	msg := []byte("world")
	n, err := Write(vn, msg, 0)
	if err != nil || n != len(msg) {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(msg))
	}

	buf := make([]byte, len(msg))
	n, err = Read(vn, buf, 0)
	if err != nil || n != len(msg) {
		t.Fatalf("Read = (%d, %v), want (%d, nil)", n, err, len(msg))
	}
	if string(buf) != "world" {
		t.Fatalf("content = %q, want world", buf)
	}
}

// TestWriteIdempotentOnSize exercises testable property 7: vfs_read
// followed by vfs_write of the same bytes at the same offset is idempotent
// on vn.size when the write does not extend beyond EOF.
func TestWriteIdempotentOnSize(t *testing.T) {
	withAllocator(t, 64)
	vn, _ := memOps{}.Create(&Vnode{Backing: &memDir{entries: map[string]*Vnode{}}}, "f", Reg)

	if _, err := Write(vn, []byte("hello world"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before := vn.Size()

	buf := make([]byte, 5)
	if _, err := Read(vn, buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := Write(vn, buf, 0); err != nil {
		t.Fatalf("re-Write: %v", err)
	}

	if vn.Size() != before {
		t.Fatalf("size changed from %d to %d on an in-place rewrite", before, vn.Size())
	}
}

func TestFullPageWriteThenPartialPageReadFill(t *testing.T) {
	withAllocator(t, 64)
	vn, _ := memOps{}.Create(&Vnode{Backing: &memDir{entries: map[string]*Vnode{}}}, "f", Reg)

	first := make([]byte, kpmm.PageSize)
	for i := range first {
		first[i] = 0x11
	}
	if _, err := Write(vn, first, 0); err != nil {
		t.Fatalf("Write full page: %v", err)
	}

	// Partial write into the middle of the already-written page must
	// read-fill the rest of the page rather than zeroing it.
	if _, err := Write(vn, []byte{0xAA, 0xBB}, 10); err != nil {
		t.Fatalf("partial Write: %v", err)
	}

	buf := make([]byte, kpmm.PageSize)
	if _, err := Read(vn, buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[9] != 0x11 || buf[10] != 0xAA || buf[11] != 0xBB || buf[12] != 0x11 {
		t.Fatalf("partial write corrupted surrounding bytes: %v", buf[8:14])
	}
}

func TestVnodeDropReturnsFramesAndRunsDestroy(t *testing.T) {
	withAllocator(t, 64)
	destroyed := false
	ops := destroyTrackingOps{memOps{}, &destroyed}
	vn := New("f", Reg, 0, ops, &memRegData{})

	if _, err := Write(vn, []byte("x"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	free := kpmm.FreeFrameCount()

	vn.Drop()

	if !destroyed {
		t.Fatal("Destroy was not called on drop-to-zero")
	}
	if kpmm.FreeFrameCount() != free+1 {
		t.Fatalf("free frame count after Drop = %d, want %d", kpmm.FreeFrameCount(), free+1)
	}
}

type destroyTrackingOps struct {
	memOps
	destroyed *bool
}

func (o destroyTrackingOps) Destroy(vn *Vnode) { *o.destroyed = true }
