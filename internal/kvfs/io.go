package kvfs

import (
	"github.com/lyk-operating-system/LykOS/internal/kpmm"
)

// Read copies up to len(buf) bytes starting at offset out of vn's page
// cache into buf, returning the number of bytes copied (§4.6
// vfs_read: "iterates over page indices... obtains the page through the
// vnode's cache XArray (miss -> invoke vnode ops' raw read...), and
// memcpys the relevant sub-range out"). A read that starts at or past
// vn.size returns (0, nil).
func Read(vn *Vnode, buf []byte, offset int64) (int, error) {
	size := vn.Size()
	if offset >= size {
		return 0, nil
	}
	if int64(len(buf)) > size-offset {
		buf = buf[:size-offset]
	}

	var copied int
	for copied < len(buf) {
		cur := offset + int64(copied)
		idx := pageIndex(cur)
		frame, err := vn.ReadThroughPage(idx)
		if err != nil {
			return copied, err
		}

		pageStart := int64(idx) * kpmm.PageSize
		within := int(cur - pageStart)
		n := kpmm.PageSize - within
		if remain := len(buf) - copied; n > remain {
			n = remain
		}
		copy(buf[copied:copied+n], kpmm.FrameBytes(frame)[within:within+n])
		copied += n
	}
	return copied, nil
}

// Ioctl dispatches a device-control request to vn's ops, for CHR/BLK
// vnodes whose behavior isn't captured by plain read/write.
func Ioctl(vn *Vnode, cmd int, arg uintptr) (int, error) {
	return vn.ops.Ioctl(vn, cmd, arg)
}

// Lookup, Create, Remove, Mkdir, Rmdir, and Readdir forward directly to
// vn's ops, for callers (e.g. kfd's File) that already hold the vnode and
// don't need to go through a VFS's mount trie.
func Lookup(vn *Vnode, name string) (*Vnode, error)        { return vn.ops.Lookup(vn, name) }
func Create(vn *Vnode, name string, typ VType) (*Vnode, error) { return vn.ops.Create(vn, name, typ) }
func Remove(vn *Vnode, name string) error                  { return vn.ops.Remove(vn, name) }
func Mkdir(vn *Vnode, name string) (*Vnode, error)          { return vn.ops.Mkdir(vn, name) }
func Rmdir(vn *Vnode, name string) error                   { return vn.ops.Rmdir(vn, name) }
func Readdir(vn *Vnode) ([]string, error)                  { return vn.ops.Readdir(vn) }

// Write copies buf into vn's page cache starting at offset, read-filling
// any page the write only partially covers, marking every touched page
// index dirty, and bumping vn.size when the write extends past EOF
// (§4.6 vfs_write).
func Write(vn *Vnode, buf []byte, offset int64) (int, error) {
	var written int
	for written < len(buf) {
		cur := offset + int64(written)
		idx := pageIndex(cur)
		pageStart := int64(idx) * kpmm.PageSize
		within := int(cur - pageStart)
		n := kpmm.PageSize - within
		if remain := len(buf) - written; n > remain {
			n = remain
		}

		full := within == 0 && n == kpmm.PageSize
		var frame kpmm.Frame
		var err error
		if full {
			// The write covers the whole page: no need to read-fill
			// first, a fresh frame is enough.
			frame, err = kpmm.AllocFrame(0)
		} else {
			frame, err = vn.ReadThroughPage(idx)
		}
		if err != nil {
			return written, err
		}

		copy(kpmm.FrameBytes(frame)[within:within+n], buf[written:written+n])

		vn.lock.Acquire()
		vn.pageCache.Insert(idx, frame)
		vn.pageCache.SetMark(idx, dirtyMark)
		if cur+int64(n) > vn.size {
			vn.size = cur + int64(n)
		}
		vn.lock.Release()

		written += n
	}
	return written, nil
}
