// Package kfd implements the open-file handle, the per-process file
// descriptor table, and vectored I/O (§3 "File (open-file handle)",
// "fd table", §4.7 "File / fd table / uio"). Ground: the handle/table
// split follows SeleniaProject-Orizon's File/Inode pattern
// (internal/runtime/kernel/filesystem.go), generalized so the handle wraps
// a kvfs.Vnode rather than Orizon's own Inode, and vectored I/O is wired to
// golang.org/x/sys/unix the way internal/runtime/asyncio's zerocopy helpers
// use it for real file descriptors.
package kfd

import (
	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
	"github.com/lyk-operating-system/LykOS/internal/kvfs"
)

// Flags mirror the open(2) flag bits the core cares about.
type Flags uint32

const (
	ORdonly Flags = 0
	OWronly Flags = 1 << iota
	ORdwr
	OAppend
	OCreat
)

var (
	errBadSeek = kerrors.New("kfd", "invalid seek")
)

func init() {
	kerrors.RegisterErrno(errBadSeek, kerrors.ESPIPE)
}

// Whence selects Seek's reference point. SeekData and SeekHole mirror the
// original kernel's SEEK_DATA/SEEK_HOLE (kernel/source/sys/syscalls/fileio.c);
// this store has no sparse regions, so SeekData lands on offset itself and
// SeekHole lands on EOF, the only hole a non-sparse file has.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
	SeekData
	SeekHole
)

// File is an open-file handle: a vnode reference, flags, and a private
// byte offset, with its own refcount independent of the vnode's (§3:
// "Holds a strong reference to its backing").
type File struct {
	lock     ksync.Spinlock
	refcount ksync.RefCount

	vnode  *kvfs.Vnode
	flags  Flags
	offset int64
}

// FromVnode creates a handle with refcount 1 over vn, taking a strong
// reference to it (§4.7: "file_create_vnode(vn, flags) creates a
// handle with refcount=1 and operation vectors wired to the vnode").
func FromVnode(vn *kvfs.Vnode, flags Flags) *File {
	vn.Hold()
	return &File{vnode: vn, flags: flags, refcount: ksync.NewRefCount(1)}
}

// Vnode returns the handle's backing vnode.
func (f *File) Vnode() *kvfs.Vnode { return f.vnode }

// Hold adds a strong reference to the handle itself.
func (f *File) Hold() { f.refcount.Inc() }

// Drop releases a strong reference; on drop-to-zero the backing vnode
// reference is released (§4.7: "file_hold/file_drop bump/drop
// refcount; on drop-to-zero the backing is released").
func (f *File) Drop() {
	if !f.refcount.Dec() {
		return
	}
	f.vnode.Drop()
}

// Read reads into buf starting at the handle's current offset, advancing
// it by the number of bytes read.
func (f *File) Read(buf []byte) (int, error) {
	f.lock.Acquire()
	defer f.lock.Release()
	n, err := kvfs.Read(f.vnode, buf, f.offset)
	f.offset += int64(n)
	return n, err
}

// Write writes buf at the handle's current offset (or at EOF if OAppend is
// set), advancing the offset by the number of bytes written.
func (f *File) Write(buf []byte) (int, error) {
	f.lock.Acquire()
	defer f.lock.Release()
	off := f.offset
	if f.flags&OAppend != 0 {
		off = f.vnode.Size()
	}
	n, err := kvfs.Write(f.vnode, buf, off)
	f.offset = off + int64(n)
	return n, err
}

// readAt and writeAt are the explicit-offset primitives a Uio walk uses;
// callers must already hold f.lock.
func (f *File) readAt(buf []byte, offset int64) (int, error) {
	return kvfs.Read(f.vnode, buf, offset)
}

func (f *File) writeAt(buf []byte, offset int64) (int, error) {
	return kvfs.Write(f.vnode, buf, offset)
}

// Seek repositions the handle's offset per whence.
func (f *File) Seek(offset int64, whence Whence) (int64, error) {
	f.lock.Acquire()
	defer f.lock.Release()

	var base int64
	switch whence {
	case SeekSet, SeekData:
		// No sparse regions in this store, so every offset up to EOF is
		// data: SEEK_DATA lands on the requested offset itself.
		base = 0
	case SeekCur:
		base = f.offset
	case SeekEnd:
		base = f.vnode.Size()
	case SeekHole:
		// The only hole in a non-sparse file is EOF.
		base = f.vnode.Size()
		offset = 0
	default:
		return 0, errBadSeek
	}

	newOff := base + offset
	if newOff < 0 {
		return 0, errBadSeek
	}
	f.offset = newOff
	return newOff, nil
}

// Ioctl dispatches a device-control request to the backing vnode.
func (f *File) Ioctl(cmd int, arg uintptr) (int, error) {
	return kvfs.Ioctl(f.vnode, cmd, arg)
}

// Close is a no-op beyond dropping the handle's own reference; kept as a
// distinct name from Drop to mirror the conventional
// `ops{read,write,ioctl,poll,seek,close}` vtable naming.
func (f *File) Close() error {
	f.Drop()
	return nil
}
