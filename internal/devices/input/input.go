// Package input emulates a touch and key event device. The host pushes
// events into a bounded queue; the guest drains them by reading an MMIO
// event register, one event per read, interrupt-driven.
package input

import (
	"encoding/binary"
	"sync"

	"github.com/droidvisor/droidvisor/internal/chipset"
	"github.com/droidvisor/droidvisor/internal/hv"
)

const (
	// WindowSize is the size of the MMIO register window.
	WindowSize = 0x1000

	regMagic   = 0x00 // ro
	regVersion = 0x04 // ro
	regPending = 0x08 // ro, events queued
	regEvent   = 0x10 // ro, u64, reading pops one event

	magic   = 0x4E495644 // "DVIN"
	version = 1

	queueDepth = 256
)

// Event types and codes follow the evdev numbering so guest drivers map
// them without translation.
const (
	EvSyn uint16 = 0x00
	EvKey uint16 = 0x01
	EvAbs uint16 = 0x03

	AbsX uint16 = 0x00
	AbsY uint16 = 0x01

	BtnTouch uint16 = 0x14A
)

// Event is one input event. It packs into the event register as
// type | code<<16 | value<<32, little-endian.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
}

func (e Event) pack() uint64 {
	return uint64(e.Type) | uint64(e.Code)<<16 | uint64(uint32(e.Value))<<32
}

// Device is one input device instance.
type Device struct {
	name string
	base uint64
	irq  *chipset.Line

	mu      sync.Mutex
	queue   [queueDepth]Event
	head    int
	count   int
	dropped uint64
}

func New(name string, base uint64, irq *chipset.Line) *Device {
	return &Device{name: name, base: base, irq: irq}
}

func (d *Device) Name() string { return d.name }

func (d *Device) Attach(vm hv.VirtualMachine) error { return nil }

func (d *Device) Detach() error { return nil }

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.head, d.count = 0, 0
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
	if isWrite {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var v uint64
	switch addr - d.base {
	case regMagic:
		v = magic
	case regVersion:
		v = version
	case regPending:
		v = uint64(d.count)
	case regEvent:
		v = d.popLocked().pack()
	}
	putLE(data, v)
	return nil
}

// Push queues events for the guest and raises the interrupt once for the
// batch. When the queue is full the oldest events are dropped first; a
// stale touch position is worthless once newer ones exist.
func (d *Device) Push(events ...Event) {
	if len(events) == 0 {
		return
	}

	d.mu.Lock()
	for _, e := range events {
		if d.count == queueDepth {
			d.head = (d.head + 1) % queueDepth
			d.count--
			d.dropped++
		}
		d.queue[(d.head+d.count)%queueDepth] = e
		d.count++
	}
	d.mu.Unlock()

	if d.irq != nil {
		d.irq.Pulse()
	}
}

// Dropped reports events discarded to queue overflow.
func (d *Device) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Device) popLocked() Event {
	if d.count == 0 {
		return Event{}
	}
	e := d.queue[d.head]
	d.head = (d.head + 1) % queueDepth
	d.count--
	return e
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
