// Package ksyscall implements the system call surface (§6): a
// syscall-number dispatch table routing to the fd/vfs layer or the
// proc/thread/vm layer, every entry returning (value, error) with
// error==EOK on success. Ground: SeleniaProject-Orizon's
// SystemCallNumber/dispatchSystemCall/handleSysX family
// (internal/runtime/kernel/interrupt.go), generalized from that
// teacher's placeholder handlers (which mostly just fmt.Printf their
// arguments) into real calls against this rewrite's kfd/kvfs/kaddrspace/
// kproc/ksched stack.
package ksyscall

import (
	"time"

	"github.com/lyk-operating-system/LykOS/internal/kaddrspace"
	"github.com/lyk-operating-system/LykOS/internal/karch"
	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/kfd"
	"github.com/lyk-operating-system/LykOS/internal/klog"
	"github.com/lyk-operating-system/LykOS/internal/kproc"
	"github.com/lyk-operating-system/LykOS/internal/ksched"
	"github.com/lyk-operating-system/LykOS/internal/kvfs"
	"github.com/lyk-operating-system/LykOS/internal/kvm"
)

// Number identifies a syscall, mirroring Orizon's SystemCallNumber.
type Number uint64

const (
	SysDebugLog Number = iota
	SysOpen
	SysClose
	SysRead
	SysWrite
	SysSeek
	SysMmap
	SysExit
	SysFork
	SysGetcwd
	SysChdir
	SysGetpid
	SysGetppid
	SysGettid
	SysTcbSet
	SysSleep
	SysMkdir
	SysRmdir
)

var errNoSys = kerrors.New("ksyscall", "no such system call")

func init() {
	kerrors.RegisterErrno(errNoSys, kerrors.ENOSYS)
}

var logger = klog.Default("ksyscall")

// Context is everything one syscall dispatch needs about the calling
// thread: its process, its scheduling handle (for sleep/exit/fork's
// enqueue), the mounted filesystem, and the process table (for fork's
// new PID).
type Context struct {
	Proc   *kproc.Process
	Thread *kproc.Thread
	Handle *ksched.Handle
	Sched  *ksched.Scheduler
	VFS    *kvfs.VFS
	Procs  *kproc.Table
}

// Args bundles a syscall's up-to-six word-sized arguments, the same
// register convention Orizon's SystemCallHandler reads out of
// RDI/RSI/RDX/R10/R8/R9.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// Dispatch routes num to its handler (§6's syscall table). Every
// handler converts its own typed error to an Errno at this boundary,
// consistent with kerrors.Error being an internal-only type.
func Dispatch(ctx *Context, num Number, a Args, buf []byte) (uint64, kerrors.Errno) {
	switch num {
	case SysDebugLog:
		return handleDebugLog(buf)
	case SysOpen:
		return handleOpen(ctx, buf, kfd.Flags(a.A1))
	case SysClose:
		return handleClose(ctx, int(a.A0))
	case SysRead:
		return handleRead(ctx, int(a.A0), buf)
	case SysWrite:
		return handleWrite(ctx, int(a.A0), buf)
	case SysSeek:
		return handleSeek(ctx, int(a.A0), int64(a.A1), kfd.Whence(a.A2))
	case SysMmap:
		return handleMmap(ctx, uintptr(a.A0), uintptr(a.A1), karch.Prot(a.A2), kaddrspace.Flags(a.A3), int(a.A4), int64(a.A5))
	case SysExit:
		return handleExit(ctx, int(a.A0))
	case SysFork:
		return handleFork(ctx)
	case SysGetcwd:
		return handleGetcwd(ctx, buf)
	case SysChdir:
		return handleChdir(ctx, string(buf))
	case SysGetpid:
		return uint64(ctx.Proc.PID), kerrors.EOK
	case SysGetppid:
		return uint64(ctx.Proc.PPID), kerrors.EOK
	case SysGettid:
		return ctx.Thread.TID, kerrors.EOK
	case SysTcbSet:
		ctx.Thread.TCB = uintptr(a.A0)
		return 0, kerrors.EOK
	case SysSleep:
		return handleSleep(ctx, a.A0)
	case SysMkdir:
		return handleMkdir(ctx, string(buf))
	case SysRmdir:
		return handleRmdir(ctx, string(buf))
	default:
		return 0, kerrors.ToErrno(errNoSys)
	}
}

func handleDebugLog(buf []byte) (uint64, kerrors.Errno) {
	logger.Infof("debug_log: %s", string(buf))
	return 0, kerrors.EOK
}

func handleOpen(ctx *Context, path []byte, flags kfd.Flags) (uint64, kerrors.Errno) {
	p := string(path)
	vn, err := ctx.VFS.Lookup(p)
	if err != nil {
		if flags&kfd.OCreat == 0 {
			return 0, kerrors.ToErrno(err)
		}
		vn, err = ctx.VFS.Create(p, kvfs.Reg)
		if err != nil {
			return 0, kerrors.ToErrno(err)
		}
	}

	f := kfd.FromVnode(vn, flags)
	fd, err := ctx.Proc.Fds.Alloc(f)
	if err != nil {
		f.Drop()
		return 0, kerrors.ToErrno(err)
	}
	return uint64(fd), kerrors.EOK
}

func handleClose(ctx *Context, fd int) (uint64, kerrors.Errno) {
	if err := ctx.Proc.Fds.Free(fd); err != nil {
		return 0, kerrors.ToErrno(err)
	}
	return 0, kerrors.EOK
}

func handleRead(ctx *Context, fd int, buf []byte) (uint64, kerrors.Errno) {
	f, err := ctx.Proc.Fds.Get(fd)
	if err != nil {
		return 0, kerrors.ToErrno(err)
	}
	defer f.Drop()

	n, err := f.Read(buf)
	if err != nil {
		return uint64(n), kerrors.ToErrno(err)
	}
	return uint64(n), kerrors.EOK
}

func handleWrite(ctx *Context, fd int, buf []byte) (uint64, kerrors.Errno) {
	f, err := ctx.Proc.Fds.Get(fd)
	if err != nil {
		return 0, kerrors.ToErrno(err)
	}
	defer f.Drop()

	n, err := f.Write(buf)
	if err != nil {
		return uint64(n), kerrors.ToErrno(err)
	}
	return uint64(n), kerrors.EOK
}

func handleSeek(ctx *Context, fd int, offset int64, whence kfd.Whence) (uint64, kerrors.Errno) {
	f, err := ctx.Proc.Fds.Get(fd)
	if err != nil {
		return 0, kerrors.ToErrno(err)
	}
	defer f.Drop()

	newOff, err := f.Seek(offset, whence)
	if err != nil {
		return 0, kerrors.ToErrno(err)
	}
	return uint64(newOff), kerrors.EOK
}

// handleMmap backs addr..addr+length with an ANON object (fd == -1) or
// the open file at fd (§6: "Backing: ANON (fd=-1) or the file at
// fd"). A file-backed mapping holds its own reference to the vnode so
// the mapping outlives the fd it was created from.
func handleMmap(ctx *Context, addr, length uintptr, prot karch.Prot, flags kaddrspace.Flags, fd int, off int64) (uint64, kerrors.Errno) {
	if fd < 0 {
		start, err := ctx.Proc.AddrSpace.Map(addr, length, prot, flags|kaddrspace.AnonFlag, nil, 0)
		if err != nil {
			return 0, kerrors.EINVAL
		}
		return uint64(start), kerrors.EOK
	}

	f, err := ctx.Proc.Fds.Get(fd)
	if err != nil {
		return 0, kerrors.ToErrno(err)
	}
	defer f.Drop()

	vn := f.Vnode()
	vn.Hold()
	obj := kvm.NewVnode(vn, 0, vn.Size())
	start, err := ctx.Proc.AddrSpace.Map(addr, length, prot, flags, obj, off)
	if err != nil {
		obj.Drop()
		vn.Drop()
		return 0, kerrors.EINVAL
	}
	return uint64(start), kerrors.EOK
}

// handleExit terminates the calling thread; if it was the owning
// process's last thread, Process.RemoveThread (run by the reaper once
// the dispatcher observes TERMINATED) transitions the process itself
// (§6: "on last thread exit the process transitions to
// TERMINATED").
func handleExit(ctx *Context, code int) (uint64, kerrors.Errno) {
	logger.Infof("thread %d exiting with code %d", ctx.Thread.TID, code)
	ctx.Handle.Exit()
	return 0, kerrors.EOK
}

// handleFork implements fork (§4.9 proc_fork / §6 fork): the
// calling (parent) thread observes the child's pid; the child's own
// threads resume, once scheduled, with their Context.ForkRet already
// zeroed by kproc.Fork.
func handleFork(ctx *Context) (uint64, kerrors.Errno) {
	child, err := kproc.Fork(ctx.Procs, ctx.Proc, func(ct *kproc.Thread) {
		ctx.Sched.Spawn(ctx.Thread.AssignedCPU, ct)
	})
	if err != nil {
		return 0, kerrors.ToErrno(err)
	}
	ctx.Thread.Context.ForkRet = uint64(child.PID)
	return uint64(child.PID), kerrors.EOK
}

func handleGetcwd(ctx *Context, buf []byte) (uint64, kerrors.Errno) {
	cwd := ctx.Proc.Cwd
	if len(buf) < len(cwd) {
		return 0, kerrors.ERANGE
	}
	copy(buf, cwd)
	return 0, kerrors.EOK
}

func handleChdir(ctx *Context, path string) (uint64, kerrors.Errno) {
	vn, err := ctx.VFS.Lookup(path)
	if err != nil {
		return 0, kerrors.ToErrno(err)
	}
	if vn.Type != kvfs.Dir {
		return 0, kerrors.ENOTDIR
	}
	ctx.Proc.Cwd = path
	return 0, kerrors.EOK
}

// handleSleep yields the calling thread SLEEPING for the given number of
// microseconds (§6 sleep: "Yields until elapsed").
func handleSleep(ctx *Context, micros uint64) (uint64, kerrors.Errno) {
	ctx.Sched.Sleep(ctx.Handle, time.Duration(micros)*time.Microsecond)
	return 0, kerrors.EOK
}

func handleMkdir(ctx *Context, path string) (uint64, kerrors.Errno) {
	if _, err := ctx.VFS.Mkdir(path); err != nil {
		return 0, kerrors.ToErrno(err)
	}
	return 0, kerrors.EOK
}

func handleRmdir(ctx *Context, path string) (uint64, kerrors.Errno) {
	if err := ctx.VFS.Rmdir(path); err != nil {
		return 0, kerrors.ToErrno(err)
	}
	return 0, kerrors.EOK
}
