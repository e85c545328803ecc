// Package net emulates a simple ethernet device. The guest hands frames
// over through a TX doorbell and fetches queued frames through an RX
// doorbell; both sides DMA through guest memory. Outgoing frames go to a
// Backend, which queues replies back with Receive.
package net

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/droidvisor/droidvisor/internal/chipset"
	"github.com/droidvisor/droidvisor/internal/hv"
)

const (
	// WindowSize is the size of the MMIO register window.
	WindowSize = 0x1000

	// MaxFrameSize bounds a single ethernet frame.
	MaxFrameSize = 1514

	regMagic   = 0x00 // ro
	regVersion = 0x04 // ro
	regMACLo   = 0x08 // ro, first 4 octets
	regMACHi   = 0x0C // ro, last 2 octets
	regTXAddr  = 0x10 // rw, u64, guest physical
	regTXLen   = 0x18 // rw
	regTXKick  = 0x1C // wo, doorbell
	regRXAddr  = 0x20 // rw, u64, guest physical
	regRXLen   = 0x28 // ro, length of the head frame, 0 when empty
	regRXKick  = 0x2C // wo, doorbell, pops the head frame

	magic   = 0x544E5644 // "DVNT"
	version = 1

	rxQueueDepth = 64
)

// ErrNotAttached is returned when a doorbell rings before the device is
// bound to a session.
var ErrNotAttached = errors.New("net device not attached")

// Backend consumes frames the guest transmits. Implementations must not
// retain the slice past the call.
type Backend interface {
	Transmit(frame []byte)
}

// Device is one ethernet device instance.
type Device struct {
	name string
	base uint64
	irq  *chipset.Line
	mac  [6]byte

	mu      sync.Mutex
	vm      hv.VirtualMachine
	backend Backend
	txAddr  uint64
	txLen   uint32
	rxAddr  uint64
	rxq     [][]byte

	txFrames  uint64
	rxFrames  uint64
	rxDropped uint64
}

func New(name string, base uint64, irq *chipset.Line, mac [6]byte) *Device {
	return &Device{name: name, base: base, irq: irq, mac: mac}
}

func (d *Device) Name() string { return d.name }

// MAC returns the device's hardware address.
func (d *Device) MAC() [6]byte { return d.mac }

// SetBackend wires the frame consumer. A nil backend blackholes TX.
func (d *Device) SetBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backend = b
}

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
	d.rxq = nil
	return nil
}

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txAddr, d.txLen, d.rxAddr = 0, 0, 0
	d.rxq = nil
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

// Receive queues a frame for the guest and raises the interrupt. Full
// queue drops the frame; oversized frames are dropped outright.
func (d *Device) Receive(frame []byte) {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		return
	}

	d.mu.Lock()
	if len(d.rxq) >= rxQueueDepth {
		d.rxDropped++
		d.mu.Unlock()
		return
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	d.rxq = append(d.rxq, buf)
	d.rxFrames++
	d.mu.Unlock()

	if d.irq != nil {
		d.irq.Pulse()
	}
}

// Stats reports frames moved and dropped since creation.
func (d *Device) Stats() (tx, rx, rxDropped uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txFrames, d.rxFrames, d.rxDropped
}

func (d *Device) readRegisterLocked(off uint64, data []byte) {
	var v uint64
	switch off {
	case regMagic:
		v = magic
	case regVersion:
		v = version
	case regMACLo:
		v = uint64(binary.LittleEndian.Uint32(d.mac[0:4]))
	case regMACHi:
		v = uint64(binary.LittleEndian.Uint16(d.mac[4:6]))
	case regTXAddr:
		v = d.txAddr
	case regTXLen:
		v = uint64(d.txLen)
	case regRXAddr:
		v = d.rxAddr
	case regRXLen:
		if len(d.rxq) > 0 {
			v = uint64(len(d.rxq[0]))
		}
	}
	putLE(data, v)
}

func (d *Device) writeRegisterLocked(off uint64, data []byte) error {
	v := getLE(data)
	switch off {
	case regTXAddr:
		d.txAddr = v
	case regTXLen:
		d.txLen = uint32(v)
	case regRXAddr:
		d.rxAddr = v
	case regTXKick:
		return d.transmitLocked()
	case regRXKick:
		return d.deliverLocked()
	}
	return nil
}

func (d *Device) transmitLocked() error {
	if d.vm == nil {
		return ErrNotAttached
	}
	if d.txLen == 0 || d.txLen > MaxFrameSize {
		return nil
	}

	frame := make([]byte, d.txLen)
	if _, err := d.vm.ReadAt(frame, int64(d.txAddr)); err != nil {
		return nil
	}
	d.txFrames++

	backend := d.backend
	if backend == nil {
		return nil
	}
	// The backend may call Receive synchronously; it takes the device
	// lock, so hand the frame over outside it.
	d.mu.Unlock()
	backend.Transmit(frame)
	d.mu.Lock()
	return nil
}

func (d *Device) deliverLocked() error {
	if d.vm == nil {
		return ErrNotAttached
	}
	if len(d.rxq) == 0 {
		return nil
	}

	frame := d.rxq[0]
	if _, err := d.vm.WriteAt(frame, int64(d.rxAddr)); err != nil {
		return nil
	}
	d.rxq = d.rxq[1:]
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
