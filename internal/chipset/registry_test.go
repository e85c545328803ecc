package chipset

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/droidvisor/droidvisor/internal/hv"
	"github.com/droidvisor/droidvisor/internal/hv/hvtest"
)

type stubDevice struct {
	name string
	ic   Intercepts

	attachErr error
	detachErr error

	mu       sync.Mutex
	attached bool
	detached bool
	resets   int
	pio      []uint16
	mmio     []uint64

	// inDispatch counts handler calls that have started but not finished,
	// observed by the detach race test.
	inDispatch atomic.Int32
	dispatched atomic.Int64
	stall      time.Duration
}

func (d *stubDevice) Name() string { return d.name }

func (d *stubDevice) Attach(vm hv.VirtualMachine) error {
	if d.attachErr != nil {
		return d.attachErr
	}
	d.mu.Lock()
	d.attached = true
	d.mu.Unlock()
	return nil
}

func (d *stubDevice) Detach() error {
	if d.inDispatch.Load() != 0 {
		panic("detach called with dispatch in flight")
	}
	d.mu.Lock()
	d.detached = true
	d.mu.Unlock()
	return d.detachErr
}

func (d *stubDevice) Reset() error {
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
	return nil
}

func (d *stubDevice) Intercepts() Intercepts { return d.ic }

func (d *stubDevice) HandlePIO(port uint16, data []byte, isWrite bool) error {
	d.inDispatch.Add(1)
	if d.stall > 0 {
		time.Sleep(d.stall)
	}
	d.mu.Lock()
	d.pio = append(d.pio, port)
	d.mu.Unlock()
	d.dispatched.Add(1)
	d.inDispatch.Add(-1)
	return nil
}

func (d *stubDevice) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	d.inDispatch.Add(1)
	d.mu.Lock()
	d.mmio = append(d.mmio, addr)
	d.mu.Unlock()
	d.dispatched.Add(1)
	d.inDispatch.Add(-1)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *hvtest.Machine) {
	t.Helper()
	h := hvtest.New()
	vm, err := h.NewVirtualMachine(hv.SessionConfig{CPUCount: 1, IRQChip: true})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	return New(nil, vm), vm.(*hvtest.Machine)
}

func TestRegisterRangeConflict(t *testing.T) {
	r, _ := newTestRegistry(t)

	a := &stubDevice{name: "uart0", ic: Intercepts{Ports: []PortRange{{Lo: 0x3F8, Hi: 0x400}}}}
	if err := r.Register(a); err != nil {
		t.Fatalf("register uart0: %v", err)
	}

	b := &stubDevice{name: "uart1", ic: Intercepts{Ports: []PortRange{{Lo: 0x3FC, Hi: 0x404}}}}
	err := r.Register(b)
	if !errors.Is(err, ErrRangeConflict) {
		t.Fatalf("register uart1: got %v, want ErrRangeConflict", err)
	}
	if b.attached {
		t.Error("conflicting device was attached")
	}

	// The first device must be untouched: its port still dispatches.
	handled, err := r.DispatchPIO(0x3F8, []byte{0}, false)
	if err != nil || !handled {
		t.Fatalf("dispatch after conflict: handled=%v err=%v", handled, err)
	}
	if len(a.pio) != 1 || a.pio[0] != 0x3F8 {
		t.Errorf("uart0 saw %v, want [0x3f8]", a.pio)
	}
}

func TestRegisterMMIOConflictIndependentOfPorts(t *testing.T) {
	r, _ := newTestRegistry(t)

	a := &stubDevice{name: "fb", ic: Intercepts{MMIO: []MMIORange{{Base: 0xD000_0000, Size: 0x1000}}}}
	if err := r.Register(a); err != nil {
		t.Fatalf("register fb: %v", err)
	}

	// Same numeric window in port space is not a conflict.
	b := &stubDevice{name: "uart", ic: Intercepts{Ports: []PortRange{{Lo: 0x3F8, Hi: 0x400}}}}
	if err := r.Register(b); err != nil {
		t.Fatalf("register uart: %v", err)
	}

	c := &stubDevice{name: "fb2", ic: Intercepts{MMIO: []MMIORange{{Base: 0xD000_0800, Size: 0x1000}}}}
	if err := r.Register(c); !errors.Is(err, ErrRangeConflict) {
		t.Fatalf("register fb2: got %v, want ErrRangeConflict", err)
	}
}

func TestDispatchUnhandled(t *testing.T) {
	r, _ := newTestRegistry(t)

	dev := &stubDevice{name: "uart", ic: Intercepts{Ports: []PortRange{{Lo: 0x3F8, Hi: 0x400}}}}
	if err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	handled, err := r.DispatchPIO(0x80, []byte{0}, true)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if handled {
		t.Error("port 0x80 reported handled")
	}
	handled, err = r.DispatchMMIO(0xFEE0_0000, make([]byte, 4), false)
	if err != nil || handled {
		t.Errorf("MMIO dispatch: handled=%v err=%v", handled, err)
	}
	if n := dev.dispatched.Load(); n != 0 {
		t.Errorf("device saw %d accesses", n)
	}
}

func TestDispatchMMIOSpanningEnd(t *testing.T) {
	r, _ := newTestRegistry(t)

	dev := &stubDevice{name: "regs", ic: Intercepts{MMIO: []MMIORange{{Base: 0x1000, Size: 0x10}}}}
	if err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Access straddling the end of the range is not claimed.
	handled, err := r.DispatchMMIO(0x100C, make([]byte, 8), false)
	if err != nil || handled {
		t.Errorf("straddling access: handled=%v err=%v", handled, err)
	}
	handled, err = r.DispatchMMIO(0x1008, make([]byte, 8), true)
	if err != nil || !handled {
		t.Errorf("in-range access: handled=%v err=%v", handled, err)
	}
}

func TestDetachStopsDispatch(t *testing.T) {
	r, _ := newTestRegistry(t)

	dev := &stubDevice{name: "uart", ic: Intercepts{Ports: []PortRange{{Lo: 0x3F8, Hi: 0x400}}}}
	if err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Detach("uart"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if !dev.detached {
		t.Error("device Detach not called")
	}

	handled, _ := r.DispatchPIO(0x3F8, []byte{0}, false)
	if handled {
		t.Error("dispatch reached detached device")
	}
	if err := r.Detach("uart"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second detach: got %v, want ErrUnknownDevice", err)
	}
}

// The detach barrier: while dispatches hammer the device from several
// goroutines, Detach must not return before every in-flight handler call
// has finished. The stub panics if its Detach runs concurrently with a
// handler.
func TestDetachWaitsForInFlightDispatch(t *testing.T) {
	r, _ := newTestRegistry(t)

	dev := &stubDevice{
		name:  "uart",
		ic:    Intercepts{Ports: []PortRange{{Lo: 0x3F8, Hi: 0x400}}},
		stall: 100 * time.Microsecond,
	}
	if err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := []byte{0}
			for {
				select {
				case <-stop:
					return
				default:
				}
				r.DispatchPIO(0x3F8, buf, false)
			}
		}()
	}

	// Let dispatches build up, then pull the device out from under them.
	for dev.dispatched.Load() < 16 {
		time.Sleep(time.Millisecond)
	}
	if err := r.Detach("uart"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	after := dev.dispatched.Load()
	time.Sleep(5 * time.Millisecond)
	if got := dev.dispatched.Load(); got != after {
		t.Errorf("dispatch reached device after detach: %d -> %d", after, got)
	}

	close(stop)
	wg.Wait()
}

func TestInterruptOrderPerDevice(t *testing.T) {
	r, vm := newTestRegistry(t)

	dev := &stubDevice{name: "uart", ic: Intercepts{Ports: []PortRange{{Lo: 0x3F8, Hi: 0x400}}}}
	if err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	line := r.Line("uart", 4)
	for i := 0; i < 32; i++ {
		line.Pulse()
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(vm.Pulses()) < 32 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of 32 pulses", len(vm.Pulses()))
		}
		time.Sleep(time.Millisecond)
	}
	for i, got := range vm.Pulses() {
		if got != 4 {
			t.Fatalf("pulse %d on line %d, want 4", i, got)
		}
	}
}

func TestDetachDiscardsPendingInterrupts(t *testing.T) {
	r, vm := newTestRegistry(t)

	dev := &stubDevice{name: "blk", ic: Intercepts{MMIO: []MMIORange{{Base: 0xD000_0000, Size: 0x1000}}}}
	if err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	line := r.Line("blk", 11)
	line.Pulse()
	if err := r.Detach("blk"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	// A pulse on a dropped queue is discarded, never delivered late.
	line.Pulse()
	time.Sleep(5 * time.Millisecond)
	if n := len(vm.Pulses()); n > 1 {
		t.Errorf("%d pulses delivered after detach", n)
	}
}

func TestDetachAllAndReset(t *testing.T) {
	r, _ := newTestRegistry(t)

	devs := []*stubDevice{
		{name: "uart", ic: Intercepts{Ports: []PortRange{{Lo: 0x3F8, Hi: 0x400}}}},
		{name: "blk", ic: Intercepts{MMIO: []MMIORange{{Base: 0xD000_0000, Size: 0x1000}}}},
	}
	for _, d := range devs {
		if err := r.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.name, err)
		}
	}

	if err := r.ResetAll(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	for _, d := range devs {
		if d.resets != 1 {
			t.Errorf("%s: %d resets, want 1", d.name, d.resets)
		}
	}

	// A failing detach must not stop the teardown.
	devs[0].detachErr = fmt.Errorf("uart stuck")
	r.DetachAll()
	for _, d := range devs {
		if !d.detached {
			t.Errorf("%s not detached", d.name)
		}
	}
	if got := len(r.Devices()); got != 0 {
		t.Errorf("%d devices left after DetachAll", got)
	}
}
