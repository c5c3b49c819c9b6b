package ksched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lyk-operating-system/LykOS/internal/kpmm"
	"github.com/lyk-operating-system/LykOS/internal/kproc"
)

func withAllocator(t *testing.T, frames int32) {
	t.Helper()
	kpmm.SetGlobalAllocator(kpmm.NewAllocator(0, frames))
	t.Cleanup(func() { kpmm.SetGlobalAllocator(nil) })
}

func TestReadyQueueIsFIFO(t *testing.T) {
	withAllocator(t, 64)
	tbl := kproc.NewTable()
	proc, _ := tbl.New("test", 0, "/")

	sched := New(1, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	var order []int
	done := make(chan struct{})

	for i := 0; i < 3; i++ {
		th, err := kproc.NewThread(proc, 0, uintptr(i), 0)
		if err != nil {
			t.Fatalf("NewThread: %v", err)
		}
		proc.AddThread(th)
		h := sched.Spawn(0, th)
		idx := i
		go func() {
			h.AwaitTurn()
			order = append(order, idx)
			h.Exit()
			if idx == 2 {
				close(done)
			}
		}()
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all three threads to run")
	}
	time.Sleep(10 * time.Millisecond) // let reaper/dispatcher settle

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("run order = %v, want [0 1 2] (FIFO)", order)
	}
}

// TestSchedulerFairnessUnderSleep exercises scenario S5: two threads on
// one CPU each sleep(1ms) and increment a shared counter in a loop;
// after 100ms the counter values are within 10% of each other.
func TestSchedulerFairnessUnderSleep(t *testing.T) {
	withAllocator(t, 64)
	tbl := kproc.NewTable()
	proc, _ := tbl.New("test", 0, "/")

	sched := New(1, 200*time.Microsecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	var counters [2]int64
	deadline := time.Now().Add(100 * time.Millisecond)

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		idx := i
		th, err := kproc.NewThread(proc, 0, uintptr(idx), 0)
		if err != nil {
			t.Fatalf("NewThread: %v", err)
		}
		proc.AddThread(th)
		h := sched.Spawn(0, th)

		g.Go(func() error {
			h.AwaitTurn()
			for time.Now().Before(deadline) {
				atomic.AddInt64(&counters[idx], 1)
				sched.Sleep(h, time.Millisecond)
			}
			h.Exit()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("g.Wait: %v", err)
	}

	c0, c1 := counters[0], counters[1]
	if c0 == 0 || c1 == 0 {
		t.Fatalf("one thread never ran: counters = %v", counters)
	}
	diff := c0 - c1
	if diff < 0 {
		diff = -diff
	}
	bigger := c0
	if c1 > bigger {
		bigger = c1
	}
	if float64(diff)/float64(bigger) > 0.10 {
		t.Fatalf("counters not fair: %d vs %d (diff %.1f%% > 10%%)", c0, c1, 100*float64(diff)/float64(bigger))
	}
}

func TestTerminatedThreadIsReaped(t *testing.T) {
	withAllocator(t, 64)
	tbl := kproc.NewTable()
	proc, _ := tbl.New("test", 0, "/")

	sched := New(1, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	th, _ := kproc.NewThread(proc, 0, 0, 0)
	proc.AddThread(th)
	h := sched.Spawn(0, th)

	done := make(chan struct{})
	go func() {
		h.AwaitTurn()
		h.Exit()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	time.Sleep(20 * time.Millisecond) // let the dispatcher's reap run

	if proc.ThreadCount() != 0 {
		t.Fatalf("ThreadCount after exit = %d, want 0 (reaped)", proc.ThreadCount())
	}
}
