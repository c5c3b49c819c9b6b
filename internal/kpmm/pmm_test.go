package kpmm

import "testing"

func TestPageCountToOrder(t *testing.T) {
	cases := []struct {
		n    uint64
		want uint8
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{1024, 10},
		{1025, 11},
	}
	for _, c := range cases {
		if got := PageCountToOrder(c.n); got != c.want {
			t.Errorf("PageCountToOrder(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewAllocator(0, 64)
	total := a.FreeFrameCount()
	if total != 64 {
		t.Fatalf("FreeFrameCount = %d, want 64", total)
	}

	f, err := a.AllocFrames(2) // 4 frames
	if err != nil {
		t.Fatalf("AllocFrames(2): %v", err)
	}
	if a.FreeFrameCount() != total-4 {
		t.Fatalf("FreeFrameCount after alloc = %d, want %d", a.FreeFrameCount(), total-4)
	}

	if err := a.FreeFrames(f, 2); err != nil {
		t.Fatalf("FreeFrames: %v", err)
	}
	if a.FreeFrameCount() != total {
		t.Fatalf("FreeFrameCount after free = %d, want %d (buddies should fully coalesce)", a.FreeFrameCount(), total)
	}
}

func TestAllocDistinctBlocksDoNotOverlap(t *testing.T) {
	a := NewAllocator(0, 16)
	seen := map[Frame]bool{}

	var frames []Frame
	for i := 0; i < 4; i++ {
		f, err := a.AllocFrames(0)
		if err != nil {
			t.Fatalf("AllocFrames(0) #%d: %v", i, err)
		}
		if seen[f] {
			t.Fatalf("frame %d allocated twice", f)
		}
		seen[f] = true
		frames = append(frames, f)
	}

	for _, f := range frames {
		if err := a.FreeFrames(f, 0); err != nil {
			t.Fatalf("FreeFrames(%d): %v", f, err)
		}
	}
}

func TestOutOfMemory(t *testing.T) {
	a := NewAllocator(0, 4)
	if _, err := a.AllocFrames(3); err == nil {
		t.Fatal("expected an error allocating order 3 from a 4-frame region")
	}
}

func TestMapcountBlocksFree(t *testing.T) {
	a := NewAllocator(0, 8)
	f, err := a.AllocFrames(0)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	a.PageAt(f).IncMapcount()
	if err := a.FreeFrames(f, 0); err == nil {
		t.Fatal("expected FreeFrames to reject a frame with a nonzero mapcount")
	}
	a.PageAt(f).DecMapcount()
	if err := a.FreeFrames(f, 0); err != nil {
		t.Fatalf("FreeFrames after mapcount drop: %v", err)
	}
}

func TestGlobalAllocatorSeam(t *testing.T) {
	SetGlobalAllocator(NewAllocator(0, 8))
	defer SetGlobalAllocator(nil)

	f, err := AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if err := FreeFrame(f, 0); err != nil {
		t.Fatalf("FreeFrame: %v", err)
	}
}
