package kirq

import "testing"

// TestIRQDispatchScenario exercises scenario S6: claim an IRQ on CPU 0 with
// trigger level-high, raise it 3 times (handler invoked exactly 3 times),
// then free it so a later raise panics as unallocated without invoking the
// handler again.
func TestIRQDispatchScenario(t *testing.T) {
	c := NewController()
	count := 0
	irq, err := c.Alloc(LevelHigh, func(gotIRQ int, data interface{}) bool {
		count++
		return true
	}, nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := c.SetAffinity(irq, 0); err != nil {
		t.Fatalf("SetAffinity: %v", err)
	}

	for i := 0; i < 3; i++ {
		c.Raise(irq)
	}
	if count != 3 {
		t.Fatalf("handler invoked %d times, want 3", count)
	}

	if err := c.Free(irq); err != nil {
		t.Fatalf("Free: %v", err)
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("Raise after Free should panic (unallocated IRQ)")
			}
		}()
		c.Raise(irq)
	}()

	if count != 3 {
		t.Fatalf("handler invoked after Free, count = %d, want 3", count)
	}
}

func TestAllocPicksLowestFreeVector(t *testing.T) {
	c := NewController()
	first, _ := c.Alloc(EdgeRising, func(int, interface{}) bool { return true }, nil)
	second, _ := c.Alloc(EdgeRising, func(int, interface{}) bool { return true }, nil)
	if second != first+1 {
		t.Fatalf("second Alloc = %d, want %d", second, first+1)
	}

	if err := c.Free(first); err != nil {
		t.Fatalf("Free: %v", err)
	}
	third, _ := c.Alloc(EdgeRising, func(int, interface{}) bool { return true }, nil)
	if third != first {
		t.Fatalf("Alloc after Free = %d, want %d (lowest free)", third, first)
	}
}

func TestDisabledIRQPanicsOnDispatch(t *testing.T) {
	c := NewController()
	irq, _ := c.Alloc(EdgeRising, func(int, interface{}) bool { return true }, nil)
	if err := c.Disable(irq); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Dispatch on disabled IRQ should panic")
		}
	}()
	c.Dispatch(irq)
}

func TestUnhandledIRQPanics(t *testing.T) {
	c := NewController()
	irq, _ := c.Alloc(EdgeRising, func(int, interface{}) bool { return false }, nil)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Dispatch with a handler returning false should panic")
		}
	}()
	c.Dispatch(irq)
}
