package kfd

import (
	"testing"

	"github.com/lyk-operating-system/LykOS/internal/kpmm"
	"github.com/lyk-operating-system/LykOS/internal/kvfs"
)

func withAllocator(t *testing.T, frames int32) {
	t.Helper()
	kpmm.SetGlobalAllocator(kpmm.NewAllocator(0, frames))
	t.Cleanup(func() { kpmm.SetGlobalAllocator(nil) })
}

type memRegOps struct{}

func (memRegOps) Read(vn *kvfs.Vnode, buf []byte, offset int64) (int, error) {
	d := vn.Backing.(*[]byte)
	if offset >= int64(len(*d)) {
		return 0, nil
	}
	return copy(buf, (*d)[offset:]), nil
}

func (memRegOps) Write(vn *kvfs.Vnode, buf []byte, offset int64) (int, error) {
	d := vn.Backing.(*[]byte)
	end := offset + int64(len(buf))
	if end > int64(len(*d)) {
		grown := make([]byte, end)
		copy(grown, *d)
		*d = grown
	}
	return copy((*d)[offset:], buf), nil
}

func (memRegOps) Lookup(vn *kvfs.Vnode, name string) (*kvfs.Vnode, error) { return nil, nil }
func (memRegOps) Create(vn *kvfs.Vnode, name string, typ kvfs.VType) (*kvfs.Vnode, error) {
	return nil, nil
}
func (memRegOps) Remove(vn *kvfs.Vnode, name string) error         { return nil }
func (memRegOps) Mkdir(vn *kvfs.Vnode, name string) (*kvfs.Vnode, error) { return nil, nil }
func (memRegOps) Rmdir(vn *kvfs.Vnode, name string) error          { return nil }
func (memRegOps) Readdir(vn *kvfs.Vnode) ([]string, error)         { return nil, nil }
func (memRegOps) Ioctl(vn *kvfs.Vnode, cmd int, arg uintptr) (int, error) {
	return int(arg), nil
}
func (memRegOps) Destroy(vn *kvfs.Vnode) {}

func newRegVnode(initial string) *kvfs.Vnode {
	data := []byte(initial)
	return kvfs.New("f", kvfs.Reg, int64(len(data)), memRegOps{}, &data)
}

func TestFdAllocGetFreeLowestIndex(t *testing.T) {
	withAllocator(t, 16)
	vn := newRegVnode("hello")
	f := FromVnode(vn, ORdwr)
	table := NewTable(4)

	fd0, err := table.Alloc(f)
	if err != nil || fd0 != 0 {
		t.Fatalf("Alloc = (%d, %v), want (0, nil)", fd0, err)
	}

	f2 := FromVnode(vn, ORdwr)
	fd1, _ := table.Alloc(f2)
	if fd1 != 1 {
		t.Fatalf("second Alloc = %d, want 1", fd1)
	}

	if err := table.Free(0); err != nil {
		t.Fatalf("Free: %v", err)
	}
	f3 := FromVnode(vn, ORdwr)
	fd2, _ := table.Alloc(f3)
	if fd2 != 0 {
		t.Fatalf("Alloc after Free(0) = %d, want 0 (lowest free)", fd2)
	}
}

func TestFdGetReturnsHeldReference(t *testing.T) {
	withAllocator(t, 16)
	vn := newRegVnode("hello")
	f := FromVnode(vn, ORdwr)
	table := NewTable(4)
	fd, _ := table.Alloc(f)

	got, err := table.Get(fd)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.refcount.Load() != 2 {
		t.Fatalf("refcount after Get = %d, want 2", got.refcount.Load())
	}
	got.Drop()
	if got.refcount.Load() != 1 {
		t.Fatalf("refcount after Drop = %d, want 1", got.refcount.Load())
	}
}

// TestFdTableCloneRoundTrip exercises fd_table_clone's refcount bookkeeping:
// every entry's file refcount is bumped, and closing a descriptor in the
// child leaves the parent's handle (and the vnode beneath it) alive.
func TestFdTableCloneRoundTrip(t *testing.T) {
	withAllocator(t, 16)
	vn := newRegVnode("hello")
	f := FromVnode(vn, ORdwr)
	parent := NewTable(4)
	fd, _ := parent.Alloc(f)

	if f.refcount.Load() != 2 { // FromVnode's own ref + parent.Alloc's
		t.Fatalf("refcount before clone = %d, want 2", f.refcount.Load())
	}

	child := parent.Clone()
	if f.refcount.Load() != 3 {
		t.Fatalf("refcount after Clone = %d, want 3", f.refcount.Load())
	}

	if err := child.Free(fd); err != nil {
		t.Fatalf("child Free: %v", err)
	}
	if f.refcount.Load() != 2 {
		t.Fatalf("refcount after child Free = %d, want 2", f.refcount.Load())
	}

	got, err := parent.Get(fd)
	if err != nil {
		t.Fatalf("parent Get after child closed its copy: %v", err)
	}
	got.Drop()
}

func TestFileReadAdvancesOffset(t *testing.T) {
	withAllocator(t, 16)
	vn := newRegVnode("hello world")
	f := FromVnode(vn, ORdonly)

	buf := make([]byte, 5)
	n, err := f.Read(buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = (%d, %q, %v)", n, buf, err)
	}
	n, err = f.Read(buf)
	if err != nil || n != 5 || string(buf) != " worl" {
		t.Fatalf("second Read = (%d, %q, %v)", n, buf, err)
	}
}

func TestFileSeek(t *testing.T) {
	withAllocator(t, 16)
	vn := newRegVnode("hello world")
	f := FromVnode(vn, ORdonly)

	if _, err := f.Seek(6, SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 5)
	n, _ := f.Read(buf)
	if string(buf[:n]) != "world" {
		t.Fatalf("read after seek = %q, want world", buf[:n])
	}

	if _, err := f.Seek(-100, SeekSet); err != errBadSeek {
		t.Fatalf("Seek negative = %v, want errBadSeek", err)
	}
}

// TestFileSeekDataHole covers SEEK_DATA/SEEK_HOLE on a non-sparse handle:
// SEEK_DATA lands on the requested offset and SEEK_HOLE always lands on EOF,
// the only hole a file with no sparse regions has.
func TestFileSeekDataHole(t *testing.T) {
	withAllocator(t, 16)
	vn := newRegVnode("hello world")
	f := FromVnode(vn, ORdonly)

	off, err := f.Seek(6, SeekData)
	if err != nil || off != 6 {
		t.Fatalf("Seek SeekData = (%d, %v), want (6, nil)", off, err)
	}

	off, err = f.Seek(0, SeekHole)
	if err != nil || off != int64(len("hello world")) {
		t.Fatalf("Seek SeekHole = (%d, %v), want (%d, nil)", off, err, len("hello world"))
	}
}

func TestUioScatterGatherRoundTrip(t *testing.T) {
	withAllocator(t, 16)
	vn := newRegVnode("")
	f := FromVnode(vn, ORdwr)

	u := &Uio{Vecs: []Vec{{Buf: []byte("abc")}, {Buf: []byte("defg")}}, Offset: 0}
	n, err := WriteFile(f, u)
	if err != nil || n != 7 {
		t.Fatalf("WriteFile = (%d, %v), want (7, nil)", n, err)
	}

	out1 := make([]byte, 3)
	out2 := make([]byte, 4)
	ru := &Uio{Vecs: []Vec{{Buf: out1}, {Buf: out2}}, Offset: 0}
	n, err = ReadFile(f, ru)
	if err != nil || n != 7 {
		t.Fatalf("ReadFile = (%d, %v), want (7, nil)", n, err)
	}
	if string(out1)+string(out2) != "abcdefg" {
		t.Fatalf("scattered read = %q%q, want abcdefg", out1, out2)
	}
}
