// Package khostfs backs a kvfs mount point with a real host directory
// tree, the same forwarding-to-os role Orizon's OSFS plays for its own
// VirtualFileSystem (internal/runtime/vfs/osfs.go), adapted from Orizon's
// own File-interface vtable into this rewrite's kvfs.Ops contract so a
// USTAR archive can be extracted onto, and read back from, real files on
// disk rather than only an in-memory test double (§1 Non-goals
// exclude a shipped ramfs/USTAR-extraction *feature*; a host-directory
// mount is not that — it is the one concrete place the VFS contract is
// exercised against something other than a test fixture).
package khostfs

import (
	"os"
	"path/filepath"

	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/kvfs"
)

var (
	errIO    = kerrors.New("khostfs", "host filesystem I/O error")
	errNoEnt = kerrors.New("khostfs", "no such host path")
)

func init() {
	kerrors.RegisterErrno(errIO, kerrors.EFAULT)
	kerrors.RegisterErrno(errNoEnt, kerrors.ENOENT)
}

type ops struct{}

func hostPath(vn *kvfs.Vnode) string { return vn.Backing.(string) }

func statType(info os.FileInfo) kvfs.VType {
	if info.IsDir() {
		return kvfs.Dir
	}
	return kvfs.Reg
}

func (ops) Read(vn *kvfs.Vnode, buf []byte, offset int64) (int, error) {
	f, err := os.Open(hostPath(vn))
	if err != nil {
		return 0, errNoEnt
	}
	defer f.Close()
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return 0, errIO
	}
	return n, nil
}

func (ops) Write(vn *kvfs.Vnode, buf []byte, offset int64) (int, error) {
	f, err := os.OpenFile(hostPath(vn), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return 0, errIO
	}
	defer f.Close()
	n, err := f.WriteAt(buf, offset)
	if err != nil {
		return n, errIO
	}
	return n, nil
}

func (ops) Lookup(vn *kvfs.Vnode, name string) (*kvfs.Vnode, error) {
	child := filepath.Join(hostPath(vn), name)
	info, err := os.Stat(child)
	if err != nil {
		return nil, errNoEnt
	}
	return kvfs.New(name, statType(info), info.Size(), ops{}, child), nil
}

func (ops) Create(vn *kvfs.Vnode, name string, typ kvfs.VType) (*kvfs.Vnode, error) {
	child := filepath.Join(hostPath(vn), name)
	if typ == kvfs.Dir {
		if err := os.Mkdir(child, 0755); err != nil {
			return nil, errIO
		}
		return kvfs.New(name, kvfs.Dir, 0, ops{}, child), nil
	}
	f, err := os.OpenFile(child, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errIO
	}
	f.Close()
	return kvfs.New(name, kvfs.Reg, 0, ops{}, child), nil
}

func (ops) Remove(vn *kvfs.Vnode, name string) error {
	if err := os.Remove(filepath.Join(hostPath(vn), name)); err != nil {
		return errIO
	}
	return nil
}

func (ops) Mkdir(vn *kvfs.Vnode, name string) (*kvfs.Vnode, error) {
	return ops{}.Create(vn, name, kvfs.Dir)
}

func (ops) Rmdir(vn *kvfs.Vnode, name string) error { return ops{}.Remove(vn, name) }

func (ops) Readdir(vn *kvfs.Vnode) ([]string, error) {
	entries, err := os.ReadDir(hostPath(vn))
	if err != nil {
		return nil, errIO
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (ops) Ioctl(vn *kvfs.Vnode, cmd int, arg uintptr) (int, error) {
	return 0, errIO
}

func (ops) Destroy(vn *kvfs.Vnode) {}

// New returns a DIR vnode rooted at root on the host filesystem, suitable
// for mounting into a kvfs.VFS with VFS.Mount.
func New(root string) *kvfs.Vnode {
	return kvfs.New(filepath.Base(root), kvfs.Dir, 0, ops{}, root)
}
