package kproc

import (
	"sync/atomic"

	"github.com/lyk-operating-system/LykOS/internal/kaddrspace"
	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/kfd"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
)

// ProcStatus is a process's lifecycle state, distinct from its threads'
// individual Status values (§3: process "status" alongside "thread
// list").
type ProcStatus uint8

const (
	ProcRunning ProcStatus = iota
	ProcTerminated
)

func (s ProcStatus) String() string {
	if s == ProcTerminated {
		return "TERMINATED"
	}
	return "RUNNING"
}

// userLow/userHigh bound a process's address space: the user-mappable
// half below the architecture's canonical split (§4.3/karch's
// higherHalfSplit constant marks where the kernel's half begins).
const (
	userLow  = 0x10000
	userHigh = 0x0000800000000000
)

// defaultFdCapacity is the per-process fd table size new processes start
// with.
const defaultFdCapacity = 64

var (
	errNoSuchProcess = kerrors.New("kproc", "no such process")
	errKillInit      = kerrors.New("kproc", "cannot terminate the init process")
)

func init() {
	kerrors.RegisterErrno(errNoSuchProcess, kerrors.ENOENT)
	kerrors.RegisterErrno(errKillInit, kerrors.EINVAL)
}

// Process is the owning container for one or more threads: an address
// space, an fd table, a cwd, and the thread set running within it
// (§3: "Process: (pid, ppid, name, user?, status, address space, thread
// list, fd table, cwd)").
type Process struct {
	lock ksync.Spinlock

	PID    uint32
	PPID   uint32
	Name   string
	Status ProcStatus
	Cwd    string

	AddrSpace *kaddrspace.AddressSpace
	Fds       *kfd.Table
	Threads   []*Thread
}

var nextPID uint32 = 0

func allocPID() uint32 {
	return atomic.AddUint32(&nextPID, 1)
}

// Table is the system-wide process table: every live process keyed by
// PID, mirroring Orizon's ProcessManager.processes map but without that
// type's bundled scheduling (which moves to ksched in this rewrite).
type Table struct {
	lock  ksync.Spinlock
	byPID map[uint32]*Process
}

// NewTable returns an empty system process table.
func NewTable() *Table {
	return &Table{byPID: make(map[uint32]*Process)}
}

// New creates a fresh process with a new address space and fd table,
// registers it in t, and returns it. Boot uses it for the init process;
// Fork builds its child directly around a cloned address space and fd
// table instead.
func (t *Table) New(name string, ppid uint32, cwd string) (*Process, error) {
	as, err := kaddrspace.New(userLow, userHigh)
	if err != nil {
		return nil, err
	}

	p := &Process{
		PID:       allocPID(),
		PPID:      ppid,
		Name:      name,
		Status:    ProcRunning,
		Cwd:       cwd,
		AddrSpace: as,
		Fds:       kfd.NewTable(defaultFdCapacity),
	}

	t.lock.Acquire()
	t.byPID[p.PID] = p
	t.lock.Release()
	return p, nil
}

// Get looks up a process by pid.
func (t *Table) Get(pid uint32) (*Process, error) {
	t.lock.Acquire()
	defer t.lock.Release()
	p, ok := t.byPID[pid]
	if !ok {
		return nil, errNoSuchProcess
	}
	return p, nil
}

// Remove unregisters pid from the table, called once a process has fully
// terminated and been reaped.
func (t *Table) Remove(pid uint32) {
	t.lock.Acquire()
	delete(t.byPID, pid)
	t.lock.Release()
}

// AddThread attaches th to proc's thread list.
func (p *Process) AddThread(th *Thread) {
	p.lock.Acquire()
	p.Threads = append(p.Threads, th)
	p.lock.Release()
}

// RemoveThread detaches th from proc's thread list (the reaper's job per
// §4.9: "unlinks it from the owner process's thread list... after
// the switch has completed"). If it was the last thread, the process
// transitions to TERMINATED (§6 exit: "on last thread exit the
// process transitions to TERMINATED").
func (p *Process) RemoveThread(th *Thread) {
	p.lock.Acquire()
	for i, t := range p.Threads {
		if t == th {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			break
		}
	}
	last := len(p.Threads) == 0
	if last {
		p.Status = ProcTerminated
	}
	p.lock.Release()

	if last {
		p.Fds.CloseAll()
		_ = p.AddrSpace.Destroy()
	}
}

// Kill marks every thread of pid TERMINATED, for an external (non-exit
// syscall) termination request; actual cleanup still runs through the
// reaper path once each thread's context switch observes the new status.
// The init process (PID 1) may not be killed, mirroring Orizon's
// KillProcess refusing PID 0.
func (t *Table) Kill(pid uint32) error {
	if pid == 1 {
		return errKillInit
	}
	p, err := t.Get(pid)
	if err != nil {
		return err
	}

	p.lock.Acquire()
	threads := make([]*Thread, len(p.Threads))
	copy(threads, p.Threads)
	p.lock.Release()

	for _, th := range threads {
		th.SetStatus(Terminated)
	}
	return nil
}

// ThreadCount returns the number of live threads owned by proc.
func (p *Process) ThreadCount() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return len(p.Threads)
}
