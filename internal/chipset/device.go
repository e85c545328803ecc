package chipset

import "github.com/droidvisor/droidvisor/internal/hv"

// PortRange is a half-open range [Lo, Hi) of x86 I/O ports.
type PortRange struct {
	Lo, Hi uint16
}

func (r PortRange) contains(port uint16) bool {
	return port >= r.Lo && port < r.Hi
}

func (r PortRange) overlaps(other PortRange) bool {
	return r.Lo < other.Hi && other.Lo < r.Hi
}

// MMIORange is a half-open range [Base, Base+Size) of guest physical
// addresses.
type MMIORange struct {
	Base, Size uint64
}

func (r MMIORange) contains(addr uint64, size uint64) bool {
	end := addr + size
	return addr >= r.Base && end <= r.Base+r.Size && end >= addr
}

func (r MMIORange) overlaps(other MMIORange) bool {
	return r.Base < other.Base+other.Size && other.Base < r.Base+r.Size
}

// Intercepts describes the address ranges a device wants to serve. Port
// space and MMIO space are independent address spaces.
type Intercepts struct {
	Ports []PortRange
	MMIO  []MMIORange
}

// Device is the closed capability set every virtual device backend
// implements. HandlePIO and HandleMMIO are called with the registry's
// dispatch lock held in read mode; device-internal state locking is each
// device's own responsibility.
type Device interface {
	Name() string

	// Attach binds the device to a session. Called once, at registration.
	Attach(vm hv.VirtualMachine) error

	// Detach releases the device. The registry guarantees no dispatch is
	// in flight when Detach is called and none occurs afterwards.
	Detach() error

	// Reset returns the device to power-on state without detaching it.
	Reset() error

	Intercepts() Intercepts

	HandlePIO(port uint16, data []byte, isWrite bool) error
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// Essential marks a device whose attach failure must abort session start.
// Devices that do not implement it are treated as non-essential: their
// attach failure is logged and the start continues without them.
type Essential interface {
	Essential() bool
}
