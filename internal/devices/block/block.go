// Package block emulates a simple DMA block device over a raw disk
// image. The guest programs an LBA, a guest-physical DMA address and a
// sector count through an MMIO register window, then kicks a command;
// completion raises the device interrupt.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/droidvisor/droidvisor/internal/chipset"
	"github.com/droidvisor/droidvisor/internal/hv"
)

const (
	// SectorSize is the fixed transfer unit.
	SectorSize = 512

	// WindowSize is the size of the MMIO register window.
	WindowSize = 0x1000

	regMagic    = 0x00 // ro
	regVersion  = 0x04 // ro
	regCapacity = 0x08 // ro, u64, capacity in sectors
	regLBA      = 0x10 // rw, u64
	regDMAAddr  = 0x18 // rw, u64, guest physical
	regCount    = 0x20 // rw, sectors per transfer
	regCommand  = 0x24 // wo, kicks a transfer
	regStatus   = 0x28 // ro

	magic   = 0x4B425644 // "DVBK"
	version = 1

	cmdRead  = 1
	cmdWrite = 2
	cmdFlush = 3

	// StatusOK and friends are the values the guest reads back from the
	// status register after a command.
	StatusOK       = 0
	StatusIOError  = 1
	StatusBadRange = 2
	StatusReadOnly = 3
)

// ErrNotAttached is returned when a command arrives before the device is
// bound to a session.
var ErrNotAttached = errors.New("block device not attached")

// Backing is the storage behind the device. *os.File satisfies it; tests
// use in-memory implementations.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// Device is one block device instance.
type Device struct {
	name        string
	base        uint64
	irq         *chipset.Line
	backing     Backing
	sectors     uint64
	readOnly    bool
	ownsBacking bool

	mu      sync.Mutex
	vm      hv.VirtualMachine
	lba     uint64
	dmaAddr uint64
	count   uint32
	status  uint32

	reads  uint64
	writes uint64
}

// New creates a device over the given backing store. capacityBytes is
// truncated down to a whole number of sectors.
func New(name string, base uint64, irq *chipset.Line, backing Backing, capacityBytes int64, readOnly bool) *Device {
	return &Device{
		name:     name,
		base:     base,
		irq:      irq,
		backing:  backing,
		sectors:  uint64(capacityBytes) / SectorSize,
		readOnly: readOnly,
	}
}

// OpenImage opens a raw image file and builds a device over it. The
// device owns the file and closes it on Detach.
func OpenImage(name string, base uint64, irq *chipset.Line, path string, readOnly bool) (*Device, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("block: open image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: stat image: %w", err)
	}
	d := New(name, base, irq, f, st.Size(), readOnly)
	d.ownsBacking = true
	return d, nil
}

func (d *Device) Name() string { return d.name }

// Essential marks storage as required for session start.
func (d *Device) Essential() bool { return true }

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
	if d.ownsBacking {
		if c, ok := d.backing.(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lba, d.dmaAddr, d.count, d.status = 0, 0, 0, StatusOK
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

// Stats reports completed transfers in each direction.
func (d *Device) Stats() (reads, writes uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

func (d *Device) readRegisterLocked(off uint64, data []byte) {
	var v uint64
	switch off {
	case regMagic:
		v = magic
	case regVersion:
		v = version
	case regCapacity:
		v = d.sectors
	case regLBA:
		v = d.lba
	case regDMAAddr:
		v = d.dmaAddr
	case regCount:
		v = uint64(d.count)
	case regStatus:
		v = uint64(d.status)
	}
	putLE(data, v)
}

func (d *Device) writeRegisterLocked(off uint64, data []byte) error {
	v := getLE(data)
	switch off {
	case regLBA:
		d.lba = v
	case regDMAAddr:
		d.dmaAddr = v
	case regCount:
		d.count = uint32(v)
	case regCommand:
		return d.executeLocked(uint32(v))
	}
	return nil
}

func (d *Device) executeLocked(cmd uint32) error {
	if d.vm == nil {
		return ErrNotAttached
	}

	d.status = d.runCommandLocked(cmd)
	if d.irq != nil {
		d.irq.Pulse()
	}
	return nil
}

func (d *Device) runCommandLocked(cmd uint32) uint32 {
	if cmd == cmdFlush {
		if s, ok := d.backing.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				return StatusIOError
			}
		}
		return StatusOK
	}

	// Overflow-safe: a huge guest LBA must not wrap past the device end.
	if d.count == 0 || d.lba > d.sectors || uint64(d.count) > d.sectors-d.lba {
		return StatusBadRange
	}

	n := int64(d.count) * SectorSize
	fileOff := int64(d.lba) * SectorSize
	buf := make([]byte, n)

	switch cmd {
	case cmdRead:
		if _, err := d.backing.ReadAt(buf, fileOff); err != nil {
			return StatusIOError
		}
		if _, err := d.vm.WriteAt(buf, int64(d.dmaAddr)); err != nil {
			return StatusBadRange
		}
		d.reads++
	case cmdWrite:
		if d.readOnly {
			return StatusReadOnly
		}
		if _, err := d.vm.ReadAt(buf, int64(d.dmaAddr)); err != nil {
			return StatusBadRange
		}
		if _, err := d.backing.WriteAt(buf, fileOff); err != nil {
			return StatusIOError
		}
		d.writes++
	default:
		return StatusIOError
	}
	return StatusOK
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
