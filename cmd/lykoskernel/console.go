package main

import (
	"golang.org/x/sys/unix"

	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/kvfs"
)

var (
	errNotDir  = kerrors.New("console", "not a directory")
	errNotSupp = kerrors.New("console", "operation not supported on a character device")
)

func init() {
	kerrors.RegisterErrno(errNotDir, kerrors.ENOTDIR)
	kerrors.RegisterErrno(errNotSupp, kerrors.ENOTSUP)
}

// consoleOps backs /dev/console with the process's real stdout/stdin fds,
// the same role Orizon's OSFS plays for its VFS (internal/runtime/vfs/
// osfs.go forwards straight to os.*) — here forwarded to the two real fds
// through golang.org/x/sys/unix rather than *os.File, since a vnode's Ops
// interface works in raw byte buffers, not io.Reader/Writer.
type consoleOps struct{}

func (consoleOps) Read(vn *kvfs.Vnode, buf []byte, offset int64) (int, error) {
	return unix.Read(0, buf)
}

func (consoleOps) Write(vn *kvfs.Vnode, buf []byte, offset int64) (int, error) {
	return unix.Write(1, buf)
}

func (consoleOps) Lookup(vn *kvfs.Vnode, name string) (*kvfs.Vnode, error) {
	return nil, errNotDir
}
func (consoleOps) Create(vn *kvfs.Vnode, name string, typ kvfs.VType) (*kvfs.Vnode, error) {
	return nil, errNotDir
}
func (consoleOps) Remove(vn *kvfs.Vnode, name string) error              { return errNotDir }
func (consoleOps) Mkdir(vn *kvfs.Vnode, name string) (*kvfs.Vnode, error) { return nil, errNotDir }
func (consoleOps) Rmdir(vn *kvfs.Vnode, name string) error                { return errNotDir }
func (consoleOps) Readdir(vn *kvfs.Vnode) ([]string, error)               { return nil, errNotDir }
func (consoleOps) Ioctl(vn *kvfs.Vnode, cmd int, arg uintptr) (int, error) {
	return 0, errNotSupp
}
func (consoleOps) Destroy(vn *kvfs.Vnode) {}

func newConsoleVnode() *kvfs.Vnode {
	return kvfs.New("console", kvfs.Chr, 0, consoleOps{}, nil)
}
