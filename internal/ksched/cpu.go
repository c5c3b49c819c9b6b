// Package ksched implements the per-CPU scheduler: a FIFO ready queue,
// cooperative yield points, a sleep-until queue drained by a timer tick,
// and reaper-based thread cleanup (§4.9 "Scheduler contract", §5
// "Suspension points"/"Cancellation"). Ground: SeleniaProject-Orizon's
// ProcessManager.Schedule/Yield round-robin (internal/runtime/kernel/
// hardware.go) for the pick-next-and-context-switch shape, combined with
// the channel-token cooperative handoff Orizon's own
// internal/testrunner/concurrency.Scheduler uses for its Go/Yield/Park
// API — adapted here to drive real *kproc.Thread values instead of a
// test harness's anonymous tasks, and to enforce strict per-CPU FIFO
// ordering rather than that scheduler's randomized stepping.
//
// A genuine timer interrupt would asynchronously reclaim the CPU from
// whatever instruction a thread is executing; hosted on the Go runtime,
// that is only honest to simulate at a cooperative checkpoint, so the
// "timer preemption" this package offers only fires at a thread's own
// Yield/Sleep call — any thread that never yields keeps the CPU, exactly
// as §4.9 describes the model ("cooperative between yield points").
package ksched

import (
	"github.com/lyk-operating-system/LykOS/internal/kproc"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
)

// Handle is a thread's scheduling token: the channel pair a dispatcher
// uses to grant it the CPU and learn when it has given the CPU back.
type Handle struct {
	Thread *kproc.Thread
	cpu    *CPU

	turn chan struct{}      // dispatcher -> thread: you have the CPU
	done chan kproc.Status  // thread -> dispatcher: I yielded to this status
}

// CPU is one per-CPU scheduler: a FIFO ready queue, the currently
// running handle, and an idle handle run when the queue is empty
// (§4.9: "Per-CPU state: id, idle thread, current thread, ready queue").
type CPU struct {
	ID int

	lock    ksync.Spinlock
	ready   []*Handle
	current *Handle
	idle    *Handle
}

func newCPU(id int) *CPU {
	return &CPU{ID: id}
}

// enqueue appends h to the tail of the ready queue, preserving the FIFO
// ordering guarantee (§3 lifecycle / §4.9: "a thread that was
// RUNNING, then yielded..., then enqueued by someone else is not starved
// as long as the ready queue is FIFO").
func (c *CPU) enqueue(h *Handle) {
	c.lock.Acquire()
	c.ready = append(c.ready, h)
	h.Thread.SetStatus(kproc.Ready)
	c.lock.Release()
}

// popReady removes and returns the head of the ready queue, or nil if
// empty.
func (c *CPU) popReady() *Handle {
	c.lock.Acquire()
	defer c.lock.Release()
	if len(c.ready) == 0 {
		return nil
	}
	h := c.ready[0]
	c.ready = c.ready[1:]
	return h
}

// Current returns the handle presently granted the CPU, or nil.
func (c *CPU) Current() *Handle {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.current
}

// setIdle installs the per-CPU idle handle run when the ready queue is
// empty; its body should simply loop forever yielding READY.
func (c *CPU) setIdle(h *Handle) {
	c.lock.Acquire()
	c.idle = h
	c.lock.Release()
}
