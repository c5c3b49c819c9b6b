// Command lykoskernel boots a single instance of the kernel core: it
// brings up the physical frame allocator, mounts a host-backed root
// filesystem plus /dev/console, optionally extracts a USTAR seed archive
// onto it,
// starts the scheduler and IRQ controller, spawns an init process, and
// drives that process through a handful of syscalls end to end. It is a
// demonstration harness, not a bootloader — there is no arch entry point
// here, only the hosted simulation every internal/k* package already
// commits to.
//
// Ground: the eight-step InitializeCompleteKernel boot sequence
// (SeleniaProject-Orizon's internal/runtime/kernel/kernel.go), generalized
// from Orizon's network/security/intrinsics stages (out of scope per this
// rewrite's domain) into this core's memory/process/interrupt/filesystem/
// scheduler stages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lyk-operating-system/LykOS/internal/kaddrspace"
	"github.com/lyk-operating-system/LykOS/internal/karch"
	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/kfd"
	"github.com/lyk-operating-system/LykOS/internal/khostfs"
	"github.com/lyk-operating-system/LykOS/internal/kirq"
	"github.com/lyk-operating-system/LykOS/internal/klog"
	"github.com/lyk-operating-system/LykOS/internal/kpmm"
	"github.com/lyk-operating-system/LykOS/internal/kproc"
	"github.com/lyk-operating-system/LykOS/internal/ksched"
	"github.com/lyk-operating-system/LykOS/internal/ksyscall"
	"github.com/lyk-operating-system/LykOS/internal/kustar"
	"github.com/lyk-operating-system/LykOS/internal/kvfs"
)

var logger = klog.New(os.Stdout, "boot", klog.Syslog)

func main() {
	var (
		rootDir   = flag.String("root", "", "host directory to mount as the root filesystem (default: a temp dir)")
		archive   = flag.String("archive", "", "path to a USTAR archive to extract onto the root filesystem at boot")
		numFrames = flag.Int("frames", 4096, "number of physical frames the frame allocator manages")
		numCPU    = flag.Int("cpus", 2, "number of simulated CPUs")
	)
	flag.Parse()

	if err := boot(*rootDir, *archive, *numFrames, *numCPU); err != nil {
		logger.Fatalf("boot failed: %v", err)
	}
}

func boot(rootDir, archivePath string, numFrames, numCPUs int) error {
	start := time.Now()
	logger.Infof("LykOS kernel core — booting")

	// Step 1: physical memory.
	logger.Infof("[1/6] physical frame allocator: %d frames (%d MiB)", numFrames, numFrames*kpmm.PageSize/(1024*1024))
	kpmm.SetGlobalAllocator(kpmm.NewAllocator(0, int32(numFrames)))

	// Step 2: root filesystem, mounted from a real host directory so the
	// USTAR demo and console device have somewhere to live.
	if rootDir == "" {
		dir, err := os.MkdirTemp("", "lykoskernel-root-*")
		if err != nil {
			return fmt.Errorf("create scratch root: %w", err)
		}
		rootDir = dir
	}
	logger.Infof("[2/6] root filesystem: host directory %s", rootDir)
	vfs := kvfs.NewVFS()
	vfs.Mount("/", khostfs.New(rootDir))
	vfs.Mount("/dev/console", newConsoleVnode())

	if archivePath != "" {
		data, err := os.ReadFile(archivePath)
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if err := kustar.Extract(vfs, data, "/"); err != nil {
			return fmt.Errorf("extract archive: %w", err)
		}
		logger.Infof("       extracted USTAR archive %s onto root", archivePath)
	}

	// Step 3: interrupt controller.
	logger.Infof("[3/6] IRQ controller: vectors allocatable, dispatch live")
	irqCtl := kirq.GlobalController
	timerIRQ, err := irqCtl.Alloc(kirq.EdgeRising, func(irq int, data interface{}) bool {
		logger.Debugf("timer tick (irq %d)", irq)
		return true
	}, nil)
	if err != nil {
		return fmt.Errorf("allocate timer irq: %w", err)
	}

	// Step 4: process table and init process.
	logger.Infof("[4/6] process table: init process")
	procs := kproc.NewTable()
	initProc, err := procs.New("init", 0, "/")
	if err != nil {
		return fmt.Errorf("create init process: %w", err)
	}

	consoleVn, err := vfs.Lookup("/dev/console")
	if err != nil {
		return fmt.Errorf("lookup /dev/console: %w", err)
	}
	if err := openStdFd(initProc, consoleVn); err != nil {
		return fmt.Errorf("wire init's stdio: %w", err)
	}

	initThread, err := kproc.NewThread(initProc, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("create init thread: %w", err)
	}
	initProc.AddThread(initThread)

	// Step 5: scheduler.
	logger.Infof("[5/6] scheduler: %d CPU(s), cooperative ready queues", numCPUs)
	sched := ksched.New(numCPUs, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)
	handle := sched.Spawn(0, initThread)

	// Step 6: drive init through a handful of syscalls as a smoke test of
	// the full stack (write/mmap/getpid/exit), the same role
	// Orizon's displaySystemInfo plays after InitializeCompleteKernel
	// returns, generalized here into an actual syscall trace instead of a
	// static summary dump.
	logger.Infof("[6/6] handing init the CPU")
	sc := &ksyscall.Context{
		Proc:   initProc,
		Thread: initThread,
		Handle: handle,
		Sched:  sched,
		VFS:    vfs,
		Procs:  procs,
	}

	done := make(chan struct{})
	go func() {
		runInit(sc)
		close(done)
	}()

	irqCtl.Raise(timerIRQ)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("init did not finish within the boot deadline")
	}

	logger.Infof("kernel boot sequence complete in %v", time.Since(start))
	return nil
}

// openStdFd installs vn as fd 0/1/2 in proc's descriptor table, the
// process-creation step a real exec(2) path would perform by inheriting
// the parent's already-open descriptors.
func openStdFd(proc *kproc.Process, vn *kvfs.Vnode) error {
	for fd := 0; fd < 3; fd++ {
		f := kfd.FromVnode(vn, kfd.ORdwr)
		if err := proc.Fds.Install(fd, f); err != nil {
			f.Drop()
			return err
		}
	}
	return nil
}

// runInit is the demo body executed on init's simulated thread: it waits
// its turn on the scheduler, performs a short syscall trace, and exits.
func runInit(sc *ksyscall.Context) {
	sc.Handle.AwaitTurn()

	msg := []byte("lykoskernel: init is running\n")
	if _, errno := ksyscall.Dispatch(sc, ksyscall.SysWrite, ksyscall.Args{A0: 1}, msg); errno != kerrors.EOK {
		logger.Warnf("init write failed: %s", errno)
	}

	addr, errno := ksyscall.Dispatch(sc, ksyscall.SysMmap, ksyscall.Args{
		A1: uint64(4 * kpmm.PageSize),
		A2: uint64(karch.ProtRead | karch.ProtWrite),
		A3: uint64(kaddrspace.Private),
		A4: ^uint64(0), // fd = -1 (anon)
	}, nil)
	if errno != kerrors.EOK {
		logger.Warnf("init mmap failed: %s", errno)
	} else {
		logger.Infof("init mapped anonymous region at 0x%x", addr)
	}

	pid, _ := ksyscall.Dispatch(sc, ksyscall.SysGetpid, ksyscall.Args{}, nil)
	logger.Infof("init (pid %d) exiting", pid)

	ksyscall.Dispatch(sc, ksyscall.SysExit, ksyscall.Args{}, nil)
}
