// Package chipset maps port and MMIO address ranges to virtual device
// backends, dispatches guest accesses and routes device interrupts. One
// registry serves one hypervisor session.
package chipset

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/droidvisor/droidvisor/internal/hv"
)

var (
	// ErrRangeConflict is returned when a device requests an address range
	// overlapping a previously registered device in the same address space.
	ErrRangeConflict = errors.New("address range conflict")

	// ErrUnknownDevice is returned for operations on a device name that is
	// not registered.
	ErrUnknownDevice = errors.New("unknown device")
)

type portBinding struct {
	rng PortRange
	dev Device
}

type mmioBinding struct {
	rng MMIORange
	dev Device
}

// Registry owns the dispatch tables. Dispatch holds the table lock in read
// mode for the duration of the handler call: Detach acquires the write
// lock, so once Detach returns no dispatch to that device is running or
// can start.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	vm      hv.VirtualMachine
	devices map[string]Device
	ports   []portBinding
	mmio    []mmioBinding

	irq *IRQRouter
}

// New creates a registry for one session. The router delivers interrupts
// through the session's irqchip.
func New(logger *slog.Logger, vm hv.VirtualMachine) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		vm:      vm,
		devices: make(map[string]Device),
		irq:     newIRQRouter(vm.PulseIRQ),
	}
}

// Register attaches the device and wires its intercepts into the dispatch
// tables. A range conflict rejects only the new device; previously
// registered devices are untouched.
func (r *Registry) Register(dev Device) error {
	if dev == nil {
		return fmt.Errorf("chipset: device is nil")
	}
	name := dev.Name()
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	ic := dev.Intercepts()
	for _, want := range ic.Ports {
		if want.Lo >= want.Hi {
			return fmt.Errorf("chipset: device %q: empty port range [0x%x,0x%x)", name, want.Lo, want.Hi)
		}
		for _, have := range r.ports {
			if want.overlaps(have.rng) {
				return fmt.Errorf(
					"chipset: device %q port range [0x%x,0x%x) overlaps %q [0x%x,0x%x): %w",
					name, want.Lo, want.Hi,
					have.dev.Name(), have.rng.Lo, have.rng.Hi,
					ErrRangeConflict)
			}
		}
	}
	for _, want := range ic.MMIO {
		if want.Size == 0 || want.Base+want.Size < want.Base {
			return fmt.Errorf("chipset: device %q: bad MMIO range base 0x%x size 0x%x", name, want.Base, want.Size)
		}
		for _, have := range r.mmio {
			if want.overlaps(have.rng) {
				return fmt.Errorf(
					"chipset: device %q MMIO range [0x%x,0x%x) overlaps %q [0x%x,0x%x): %w",
					name, want.Base, want.Base+want.Size,
					have.dev.Name(), have.rng.Base, have.rng.Base+have.rng.Size,
					ErrRangeConflict)
			}
		}
	}

	if err := dev.Attach(r.vm); err != nil {
		return fmt.Errorf("chipset: attach device %q: %w", name, err)
	}

	for _, rng := range ic.Ports {
		r.ports = append(r.ports, portBinding{rng: rng, dev: dev})
	}
	for _, rng := range ic.MMIO {
		r.mmio = append(r.mmio, mmioBinding{rng: rng, dev: dev})
	}
	sort.Slice(r.ports, func(i, j int) bool { return r.ports[i].rng.Lo < r.ports[j].rng.Lo })
	sort.Slice(r.mmio, func(i, j int) bool { return r.mmio[i].rng.Base < r.mmio[j].rng.Base })

	r.devices[name] = dev
	return nil
}

// DispatchPIO routes a port access. handled is false when no device claims
// the port; the caller decides the unhandled policy (reads see all-ones),
// never the vCPU thread's death.
func (r *Registry) DispatchPIO(port uint16, data []byte, isWrite bool) (handled bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.ports), func(i int) bool { return r.ports[i].rng.Hi > port })
	if i >= len(r.ports) || !r.ports[i].rng.contains(port) {
		return false, nil
	}
	return true, r.ports[i].dev.HandlePIO(port, data, isWrite)
}

// DispatchMMIO routes an MMIO access, same contract as DispatchPIO.
func (r *Registry) DispatchMMIO(addr uint64, data []byte, isWrite bool) (handled bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.mmio), func(i int) bool {
		return r.mmio[i].rng.Base+r.mmio[i].rng.Size > addr
	})
	if i >= len(r.mmio) || !r.mmio[i].rng.contains(addr, uint64(len(data))) {
		return false, nil
	}
	return true, r.mmio[i].dev.HandleMMIO(addr, data, isWrite)
}

// Line returns an interrupt handle for the device. Interrupts injected
// through the same handle are delivered in submission order; no ordering
// holds across devices.
func (r *Registry) Line(deviceName string, line uint32) *Line {
	return r.irq.line(deviceName, line)
}

// InjectIRQ enqueues an interrupt for asynchronous delivery on behalf of
// the named device.
func (r *Registry) InjectIRQ(deviceName string, line uint32) {
	r.irq.inject(deviceName, line)
}

// Detach removes the device's ranges and calls its Detach. Once this
// returns, no dispatch to the device is running or can start.
func (r *Registry) Detach(name string) error {
	r.mu.Lock()
	dev, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("chipset: %q: %w", name, ErrUnknownDevice)
	}
	r.removeBindingsLocked(dev)
	delete(r.devices, name)
	// Acquiring the write lock drained all in-flight dispatches; after the
	// tables are rewritten no new dispatch can reach the device.
	r.mu.Unlock()

	r.irq.drop(name)

	if err := dev.Detach(); err != nil {
		return fmt.Errorf("chipset: detach device %q: %w", name, err)
	}
	return nil
}

func (r *Registry) removeBindingsLocked(dev Device) {
	ports := r.ports[:0]
	for _, b := range r.ports {
		if b.dev != dev {
			ports = append(ports, b)
		}
	}
	r.ports = ports

	mmio := r.mmio[:0]
	for _, b := range r.mmio {
		if b.dev != dev {
			mmio = append(mmio, b)
		}
	}
	r.mmio = mmio
}

// DetachAll detaches every device, used on session teardown. Errors are
// logged and the teardown continues.
func (r *Registry) DetachAll() {
	for _, name := range r.deviceNames() {
		if err := r.Detach(name); err != nil {
			r.log.Error("chipset: detach", "device", name, "error", err)
		}
	}
	r.irq.close()
}

// ResetAll resets every registered device without destroying the session.
func (r *Registry) ResetAll() error {
	for _, name := range r.deviceNames() {
		r.mu.RLock()
		dev, ok := r.devices[name]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Devices returns the registered device names, sorted.
func (r *Registry) Devices() []string {
	return r.deviceNames()
}

func (r *Registry) deviceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
