// Package kirq implements the IRQ abstraction: allocate/free an interrupt
// with a handler, affinity, and trigger mode, and dispatch on interrupt
// entry (§4.8). Ground: SeleniaProject-Orizon's InterruptManager
// (internal/runtime/kernel/interrupt.go) for the registered-handler-table
// shape and SetHandler naming, generalized from Orizon's fixed 256-entry
// x86 IDT slot model into an allocatable-vector-range model that also
// has to cover AArch64's GICD SPI range; the trigger-mode/affinity
// bookkeeping and irq_raise test hook have no Orizon analogue and are
// original to this design, built in the same mutex-guarded table style.
package kirq

import (
	"fmt"

	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
)

// Trigger is an interrupt's trigger mode.
type Trigger int

const (
	EdgeRising Trigger = iota
	EdgeFalling
	LevelHigh
	LevelLow
)

// Handler is invoked on dispatch with the firing IRQ number and the
// opaque data it was registered with. It returns true if it handled the
// interrupt.
type Handler func(irq int, data interface{}) bool

// vectorLow/vectorHigh bound the allocatable range, modeled after an
// x86_64 per-CPU vector table (indices 64..255); an AArch64 build
// would instead draw from the GICD SPI range, a detail left to arch init
// (§4.8: "reserves a free architectural vector... or GSI... from the
// GICD's SPI range").
const (
	vectorLow  = 64
	vectorHigh = 256
)

var (
	errNoFreeIRQ  = kerrors.New("kirq", "no free IRQ vector")
	errBadIRQ     = kerrors.New("kirq", "invalid or unallocated IRQ")
	errUnhandled  = kerrors.New("kirq", "unhandled IRQ")
)

func init() {
	kerrors.RegisterErrno(errNoFreeIRQ, kerrors.ENOMEM)
	kerrors.RegisterErrno(errBadIRQ, kerrors.EINVAL)
	kerrors.RegisterErrno(errUnhandled, kerrors.EINVAL)
}

// descriptor is one allocated IRQ's bookkeeping.
type descriptor struct {
	allocated bool
	trigger   Trigger
	handler   Handler
	data      interface{}
	cpu       int
	enabled   bool
}

// Controller owns the allocatable vector table and dispatches incoming
// interrupts to registered handlers, the same role Orizon's
// InterruptManager plays for its fixed IDT.
type Controller struct {
	lock  ksync.Spinlock
	descs [vectorHigh - vectorLow]descriptor
}

// GlobalController is the controller wired from the boot path, mirroring
// Orizon's GlobalInterruptManager singleton.
var GlobalController = NewController()

// NewController returns an empty IRQ controller.
func NewController() *Controller {
	return &Controller{}
}

func (c *Controller) slot(irq int) (*descriptor, bool) {
	i := irq - vectorLow
	if i < 0 || i >= len(c.descs) {
		return nil, false
	}
	return &c.descs[i], true
}

// Alloc reserves the lowest free vector for trigger, registers handler
// with data, and returns the assigned IRQ number, initially enabled and
// affined to CPU 0 (§4.8 irq_alloc).
func (c *Controller) Alloc(trigger Trigger, handler Handler, data interface{}) (int, error) {
	c.lock.Acquire()
	defer c.lock.Release()

	for i := range c.descs {
		if c.descs[i].allocated {
			continue
		}
		c.descs[i] = descriptor{allocated: true, trigger: trigger, handler: handler, data: data, cpu: 0, enabled: true}
		return vectorLow + i, nil
	}
	return -1, errNoFreeIRQ
}

// SetAffinity reassigns irq to run on cpu (§4.8 irq_set_affinity). In
// this hosted model there is no real per-CPU vector table to re-walk, so
// the call only updates the descriptor's recorded CPU.
func (c *Controller) SetAffinity(irq int, cpu int) error {
	c.lock.Acquire()
	defer c.lock.Release()

	d, ok := c.slot(irq)
	if !ok || !d.allocated {
		return errBadIRQ
	}
	d.cpu = cpu
	return nil
}

// Enable unmasks irq.
func (c *Controller) Enable(irq int) error {
	c.lock.Acquire()
	defer c.lock.Release()
	d, ok := c.slot(irq)
	if !ok || !d.allocated {
		return errBadIRQ
	}
	d.enabled = true
	return nil
}

// Disable masks irq without freeing its vector.
func (c *Controller) Disable(irq int) error {
	c.lock.Acquire()
	defer c.lock.Release()
	d, ok := c.slot(irq)
	if !ok || !d.allocated {
		return errBadIRQ
	}
	d.enabled = false
	return nil
}

// Free releases irq's vector and routing (§4.8 irq_free); any
// subsequent Raise or Dispatch against it panics as an unallocated IRQ
// and never reaches the freed handler.
func (c *Controller) Free(irq int) error {
	c.lock.Acquire()
	defer c.lock.Release()
	d, ok := c.slot(irq)
	if !ok || !d.allocated {
		return errBadIRQ
	}
	*d = descriptor{}
	return nil
}

// Dispatch looks up irq's descriptor and invokes its handler, the
// low-level stub's job once it has identified the incoming vector/INTID
// (§4.8: "looks up the descriptor, calls handler(irq, data), and
// signals end-of-interrupt"). It panics on an unallocated, disabled, or
// unhandled IRQ, matching the dispatcher policy in §7 ("the
// dispatcher panics on unhandled IRQs").
func (c *Controller) Dispatch(irq int) {
	c.lock.Acquire()
	d, ok := c.slot(irq)
	if !ok || !d.allocated || !d.enabled {
		c.lock.Release()
		panic(fmt.Sprintf("kirq: dispatch on unallocated or disabled IRQ %d", irq))
	}
	handler, data := d.handler, d.data
	c.lock.Release()

	if !handler(irq, data) {
		panic(fmt.Sprintf("kirq: unhandled IRQ %d", irq))
	}
}

// Raise simulates an interrupt controller delivering irq, for tests and
// the demo entry point that have no real hardware to generate one (§8
// scenario S6: "Manually raise (irq_raise) it 3 times").
func (c *Controller) Raise(irq int) {
	c.Dispatch(irq)
}
