//go:build linux

// Package display emulates a dumb scanout device. The guest renders into
// its own RAM, programs the framebuffer address, and rings a flush
// doorbell; the device copies the frame out of guest memory and publishes
// it through the shared framebuffer bridge for the presenter to pick up.
package display

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/droidvisor/droidvisor/internal/chipset"
	"github.com/droidvisor/droidvisor/internal/fbshare"
	"github.com/droidvisor/droidvisor/internal/hv"
)

const (
	// WindowSize is the size of the MMIO register window.
	WindowSize = 0x1000

	regMagic   = 0x00 // ro
	regVersion = 0x04 // ro
	regWidth   = 0x08 // ro
	regHeight  = 0x0C // ro
	regStride  = 0x10 // ro
	regFormat  = 0x14 // ro
	regEnable  = 0x18 // rw
	regFBAddr  = 0x20 // rw, u64, guest physical scanout base
	regFlush   = 0x28 // wo, doorbell
	regFrames  = 0x30 // ro, u64, frames published

	magic   = 0x50445644 // "DVDP"
	version = 1
)

// ErrNotAttached is returned when the doorbell rings before the device is
// bound to a session.
var ErrNotAttached = errors.New("display device not attached")

// Device is one scanout device instance. The geometry is fixed by the
// bridge's negotiated layout; changing resolution means a new bridge and
// a new device.
type Device struct {
	name   string
	base   uint64
	irq    *chipset.Line
	writer *fbshare.Writer
	layout fbshare.Layout

	mu      sync.Mutex
	vm      hv.VirtualMachine
	enabled bool
	fbAddr  uint64
	frames  uint64
}

func New(name string, base uint64, irq *chipset.Line, bridge *fbshare.Bridge) *Device {
	return &Device{
		name:   name,
		base:   base,
		irq:    irq,
		writer: bridge.Writer(),
		layout: bridge.Layout(),
	}
}

func (d *Device) Name() string { return d.name }

func (d *Device) Attach(vm hv.VirtualMachine) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vm = vm
	return nil
}

func (d *Device) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vm = nil
	return nil
}

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	d.fbAddr = 0
	return nil
}

func (d *Device) Intercepts() chipset.Intercepts {
	return chipset.Intercepts{
		MMIO: []chipset.MMIORange{{Base: d.base, Size: WindowSize}},
	}
}

func (d *Device) HandlePIO(port uint16, data []byte, isWrite bool) error {
	return nil
}

func (d *Device) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := addr - d.base
	if isWrite {
		return d.writeRegisterLocked(off, data)
	}
	d.readRegisterLocked(off, data)
	return nil
}

// Frames reports how many frames the guest has flushed.
func (d *Device) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

func (d *Device) readRegisterLocked(off uint64, data []byte) {
	var v uint64
	switch off {
	case regMagic:
		v = magic
	case regVersion:
		v = version
	case regWidth:
		v = uint64(d.layout.Width)
	case regHeight:
		v = uint64(d.layout.Height)
	case regStride:
		v = uint64(d.layout.Stride)
	case regFormat:
		v = uint64(d.layout.Format)
	case regEnable:
		if d.enabled {
			v = 1
		}
	case regFBAddr:
		v = d.fbAddr
	case regFrames:
		v = d.frames
	}
	putLE(data, v)
}

func (d *Device) writeRegisterLocked(off uint64, data []byte) error {
	v := getLE(data)
	switch off {
	case regEnable:
		d.enabled = v&1 != 0
	case regFBAddr:
		d.fbAddr = v
	case regFlush:
		return d.flushLocked()
	}
	return nil
}

func (d *Device) flushLocked() error {
	if d.vm == nil {
		return ErrNotAttached
	}
	if !d.enabled || d.fbAddr == 0 {
		return nil
	}

	back := d.writer.Back()
	if _, err := d.vm.ReadAt(back, int64(d.fbAddr)); err != nil {
		// Bad scanout address: skip the frame, keep the device alive.
		return nil
	}
	d.writer.Publish()
	d.frames++
	if d.irq != nil {
		d.irq.Pulse()
	}
	return nil
}

func putLE(data []byte, v uint64) {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(data, v)
	}
}

func getLE(data []byte) uint64 {
	switch len(data) {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	case 8:
		return binary.LittleEndian.Uint64(data)
	}
	return 0
}
