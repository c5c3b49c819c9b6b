// Package kproc implements the thread and process data model: a thread
// is a register context plus a kernel stack plus status plus assigned
// CPU, and a process is an address space plus fd table plus thread set
// plus cwd (§3 "Process / thread", §4.9). Ground:
// SeleniaProject-Orizon's Process/ProcessManager (internal/runtime/kernel
// /hardware.go) for the PID-table-plus-ready-queue shape and
// CreateProcess's stack-allocation sequence, generalized away from
// Orizon's round-robin-only ProcessManager (scheduling itself moves to
// ksched) and away from Orizon's single flat VirtualAddressSpace, which
// this rewrite replaces with the kaddrspace/kvm stack built below it.
package kproc

import (
	"fmt"
	"sync/atomic"

	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/kpmm"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
)

// Status is a thread's lifecycle state (§3: "Thread status: NEW |
// READY | RUNNING | SLEEPING | TERMINATED").
type Status uint8

const (
	New Status = iota
	Ready
	Running
	Sleeping
	Terminated
)

func (s Status) String() string {
	switch s {
	case New:
		return "NEW"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Sleeping:
		return "SLEEPING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// kernelStackFrames is the number of order-0 physical frames backing a
// thread's kernel stack.
const kernelStackFrames = 2

// Context is the architecture-independent shape of a thread's saved
// register frame: the program counter and stack pointer it resumes at,
// plus a small scratch bank standing in for the general-purpose register
// file an arch-specific trampoline would actually save/restore
// (§4.9: "populates an architecture-specific 'initial register frame' on
// [the kernel stack], and sets the thread's resume register to that
// frame").
type Context struct {
	PC      uintptr
	SP      uintptr
	Arg     uintptr // argument register a new thread's entry point receives
	Regs    [16]uint64
	ForkRet uint64 // the value fork(2) returns in this context: child_pid or 0
}

var nextTID uint64 = 0

func allocTID() uint64 {
	return atomic.AddUint64(&nextTID, 1)
}

// Thread is one schedulable unit of execution within a Process (§3
// "Thread: (tid, owner proc, priority, status, arch context, kernel
// stack, assigned cpu, sleep_until, list hooks)").
type Thread struct {
	lock ksync.Spinlock

	TID      uint64
	Owner    *Process
	Priority int
	Status   Status

	Context     Context
	KernelStack []kpmm.Frame

	AssignedCPU int
	SleepUntil  uint64 // monotonic tick deadline; valid only while Status==Sleeping
	TCB         uintptr // architectural thread pointer (§6 tcb_set)

	// Next/Prev are the intrusive ready-queue list hooks ksched threads
	// through; kproc never reads them itself.
	Next, Prev *Thread
}

var errNoStackFrames = kerrors.New("kproc", "failed to allocate kernel stack")

func init() {
	kerrors.RegisterErrno(errNoStackFrames, kerrors.ENOMEM)
}

// NewThread allocates a kernel stack and builds a thread with its initial
// register frame set to run entry(arg), owned by proc and initially in
// state NEW (§4.9: "Thread creation allocates a kernel stack... sets
// the thread's resume register to that frame").
func NewThread(proc *Process, entry uintptr, arg uintptr, priority int) (*Thread, error) {
	stack, err := allocKernelStack()
	if err != nil {
		return nil, err
	}

	t := &Thread{
		TID:         allocTID(),
		Owner:       proc,
		Priority:    priority,
		Status:      New,
		KernelStack: stack,
		AssignedCPU: -1,
		Context: Context{
			PC:  entry,
			SP:  stackTop(stack),
			Arg: arg,
		},
	}
	return t, nil
}

func allocKernelStack() ([]kpmm.Frame, error) {
	frames := make([]kpmm.Frame, 0, kernelStackFrames)
	for i := 0; i < kernelStackFrames; i++ {
		f, err := kpmm.AllocFrame(0)
		if err != nil {
			for _, prior := range frames {
				_ = kpmm.FreeFrame(prior, 0)
			}
			return nil, errNoStackFrames
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// stackTop returns the initial stack pointer: the end of the
// highest-addressed frame, since the stack grows downward.
func stackTop(frames []kpmm.Frame) uintptr {
	top := frames[len(frames)-1]
	return top.Address() + uintptr(kpmm.PageSize)
}

// freeKernelStack releases every frame backing a thread's kernel stack.
// Per §4.9's cancellation rule ("No thread may free its own kernel
// stack"), this is only ever called by the reaper on a thread other than
// the one currently executing.
func freeKernelStack(frames []kpmm.Frame) {
	for _, f := range frames {
		_ = kpmm.FreeFrame(f, 0)
	}
}

// ReleaseThreadStack frees every frame backing t's kernel stack. Only a
// reaper acting on a TERMINATED thread other than itself may call this
// (§4.9: "No thread may free its own kernel stack").
func ReleaseThreadStack(t *Thread) {
	freeKernelStack(t.KernelStack)
}

// SetStatus transitions the thread to s under its own lock, the same
// spinlock-guarded status field mutation every state change in the
// lifecycle table (§3) goes through.
func (t *Thread) SetStatus(s Status) {
	t.lock.Acquire()
	t.Status = s
	t.lock.Release()
}

// GetStatus reads the thread's current status.
func (t *Thread) GetStatus() Status {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.Status
}

// String renders the thread for diagnostic logging.
func (t *Thread) String() string {
	return fmt.Sprintf("thread(tid=%d pid=%d status=%s cpu=%d)", t.TID, t.Owner.PID, t.Status, t.AssignedCPU)
}
