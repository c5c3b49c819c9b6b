package kproc

// Fork implements proc_fork (§4.9): allocate a new process, copy
// name and cwd, clone the address space and fd table, and duplicate
// every parent thread with a register-context copy and a fresh kernel
// stack carrying the same saved frame so the child resumes as if
// returning from fork. enqueue is called once per duplicated child
// thread so the caller's scheduler can ready it (kproc does not import
// ksched itself, to keep the dependency one-directional: ksched depends
// on kproc's Thread, not the reverse).
func Fork(t *Table, parent *Process, enqueue func(*Thread)) (*Process, error) {
	as, err := parent.AddrSpace.Clone()
	if err != nil {
		return nil, err
	}

	parent.lock.Acquire()
	parentThreads := make([]*Thread, len(parent.Threads))
	copy(parentThreads, parent.Threads)
	cwd := parent.Cwd
	name := parent.Name
	parent.lock.Release()

	child := &Process{
		PID:       allocPID(),
		PPID:      parent.PID,
		Name:      name,
		Status:    ProcRunning,
		Cwd:       cwd,
		AddrSpace: as,
		Fds:       parent.Fds.Clone(),
	}

	for _, pt := range parentThreads {
		ct, err := duplicateThread(child, pt)
		if err != nil {
			// Roll back whatever was already duplicated; the parent is
			// left untouched since every clone above copied, never
			// mutated, the parent's own state.
			for _, done := range child.Threads {
				freeKernelStack(done.KernelStack)
			}
			_ = as.Destroy()
			return nil, err
		}
		child.Threads = append(child.Threads, ct)
	}

	t.lock.Acquire()
	t.byPID[child.PID] = child
	t.lock.Release()

	for _, ct := range child.Threads {
		enqueue(ct)
	}
	return child, nil
}

// duplicateThread clones one parent thread into a fresh kernel stack and
// register context for child, leaving pt untouched. The copied context's
// ForkRet is zeroed so the child's fork(2) return path observes 0, while
// the parent's own context (never touched here) keeps whatever the
// syscall dispatcher sets its ForkRet to: child_pid.
func duplicateThread(child *Process, pt *Thread) (*Thread, error) {
	stack, err := allocKernelStack()
	if err != nil {
		return nil, err
	}

	pt.lock.Acquire()
	ctx := pt.Context
	priority := pt.Priority
	pt.lock.Release()

	ctx.SP = stackTop(stack)
	ctx.ForkRet = 0

	return &Thread{
		TID:         allocTID(),
		Owner:       child,
		Priority:    priority,
		Status:      New,
		KernelStack: stack,
		AssignedCPU: -1,
		Context:     ctx,
	}, nil
}
