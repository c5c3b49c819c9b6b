package ksched

import (
	"context"
	"time"

	"github.com/lyk-operating-system/LykOS/internal/kproc"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
)

// sleeper is one entry in the sleep-until queue: the handle and the tick
// deadline it becomes ready again (§5: "A thread may set sleep_until
// = now + Δ and yield SLEEPING. The scheduler moves it to the ready queue
// when the tick that runs after sleep_until observes the expiration").
type sleeper struct {
	handle   *Handle
	deadline time.Time
}

// Scheduler owns every per-CPU run queue plus the single cross-CPU
// sleep-until queue (sleep has no natural CPU affinity until the
// sleeper wakes, at which point it rejoins the ready queue of the CPU it
// was assigned to).
type Scheduler struct {
	cpus []*CPU

	sleepLock ksync.Spinlock
	sleeping  []*sleeper

	tickInterval time.Duration
}

// New returns a scheduler with numCPU per-CPU run queues. tickInterval is
// how often the sleep-until reaper re-examines the sleep queue, standing
// in for the one-shot timer §4.9 describes
// (arch_timer_set_handler_per_cpu).
func New(numCPU int, tickInterval time.Duration) *Scheduler {
	cpus := make([]*CPU, numCPU)
	for i := range cpus {
		cpus[i] = newCPU(i)
	}
	return &Scheduler{cpus: cpus, tickInterval: tickInterval}
}

// CPU returns the per-CPU scheduler for id.
func (s *Scheduler) CPU(id int) *CPU { return s.cpus[id] }

// Spawn registers th on the named CPU's ready queue and returns the
// handle a driving goroutine uses to wait its turn and later yield.
func (s *Scheduler) Spawn(cpuID int, th *kproc.Thread) *Handle {
	cpu := s.cpus[cpuID]
	th.AssignedCPU = cpuID
	h := &Handle{Thread: th, cpu: cpu, turn: make(chan struct{}), done: make(chan kproc.Status, 1)}
	cpu.enqueue(h)
	return h
}

// SetIdle registers th as cpuID's idle thread, run whenever the ready
// queue is drained. The idle body is expected to loop calling Yield with
// status Ready forever.
func (s *Scheduler) SetIdle(cpuID int, th *kproc.Thread) *Handle {
	cpu := s.cpus[cpuID]
	th.AssignedCPU = cpuID
	h := &Handle{Thread: th, cpu: cpu, turn: make(chan struct{}), done: make(chan kproc.Status, 1)}
	cpu.setIdle(h)
	return h
}

// AwaitTurn blocks the calling (driving) goroutine until the dispatcher
// grants h the CPU. A thread's body calls this once immediately after
// being spawned; Yield (for any status but TERMINATED) and Sleep wait for
// the next turn themselves.
func (h *Handle) AwaitTurn() {
	<-h.turn
}

// Yield hands the CPU back to the dispatcher with the given new status
// (§4.9 sched_yield). READY re-enqueues at the ready queue's tail;
// TERMINATED hands the thread to the reaper, which unlinks it from its
// owner process and frees its kernel stack — never the thread itself
// (§4.9: "No thread may free its own kernel stack"). The call
// blocks until the dispatcher grants the next turn, except after
// TERMINATED, where the calling goroutine is expected to return
// immediately instead.
func (h *Handle) Yield(status kproc.Status) {
	h.Thread.SetStatus(status)
	h.done <- status
	if status != kproc.Terminated {
		h.AwaitTurn()
	}
}

// Sleep yields h with status SLEEPING until the scheduler's tick loop
// observes d has elapsed, then blocks until the dispatcher regrants the
// CPU (§6 sleep syscall / §5 "A thread may set sleep_until...").
func (s *Scheduler) Sleep(h *Handle, d time.Duration) {
	h.Thread.SetStatus(kproc.Sleeping)
	s.sleepLock.Acquire()
	s.sleeping = append(s.sleeping, &sleeper{handle: h, deadline: time.Now().Add(d)})
	s.sleepLock.Release()

	h.done <- kproc.Sleeping
	h.AwaitTurn()
}

// Exit is a convenience for a thread's terminal yield: it reports
// TERMINATED and does not expect to run again.
func (h *Handle) Exit() {
	h.Yield(kproc.Terminated)
}

// runCPU is the dispatcher loop for one CPU: pop the ready queue head (or
// the idle handle if empty), grant it the CPU, and block until it yields
// back, reaping terminated threads as they occur. Woken sleepers are
// requeued by reapSleepers, not here.
func (s *Scheduler) runCPU(ctx context.Context, cpu *CPU) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		h := cpu.popReady()
		if h == nil {
			cpu.lock.Acquire()
			h = cpu.idle
			cpu.lock.Release()
			if h == nil {
				time.Sleep(time.Millisecond)
				continue
			}
		}

		cpu.lock.Acquire()
		cpu.current = h
		cpu.lock.Release()
		h.Thread.SetStatus(kproc.Running)

		h.turn <- struct{}{}

		select {
		case status := <-h.done:
			cpu.lock.Acquire()
			cpu.current = nil
			cpu.lock.Release()

			switch status {
			case kproc.Ready:
				cpu.lock.Acquire()
				isIdle := h == cpu.idle
				cpu.lock.Release()
				if !isIdle {
					cpu.enqueue(h)
				}
			case kproc.Terminated:
				reap(h)
			case kproc.Sleeping:
				// already registered on the sleep queue by Sleep itself
			}
		case <-ctx.Done():
			return
		}
	}
}

// reap unlinks a terminated thread from its owner process and frees its
// kernel stack (§4.9 cancellation: "the reaper...unlinks it from
// the owner process's thread list and releases its stack...after the
// switch has completed").
func reap(h *Handle) {
	h.Thread.Owner.RemoveThread(h.Thread)
	kproc.ReleaseThreadStack(h.Thread)
}

// Run starts every CPU's dispatcher loop and the sleep-queue reaper,
// blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{})
	for _, cpu := range s.cpus {
		go s.runCPU(ctx, cpu)
	}
	go s.reapSleepers(ctx, done)
	<-ctx.Done()
	<-done
}

// reapSleepers periodically scans the sleep queue and requeues any
// sleeper whose deadline has passed onto its assigned CPU's ready queue
// (§5: "the tick that runs after sleep_until observes the
// expiration").
func (s *Scheduler) reapSleepers(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sleepLock.Acquire()
			var remaining []*sleeper
			var woken []*sleeper
			for _, sl := range s.sleeping {
				if !now.Before(sl.deadline) {
					woken = append(woken, sl)
				} else {
					remaining = append(remaining, sl)
				}
			}
			s.sleeping = remaining
			s.sleepLock.Release()

			for _, sl := range woken {
				sl.handle.cpu.enqueue(sl.handle)
			}
		}
	}
}
