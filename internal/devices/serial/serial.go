// Package serial emulates a 16550-style UART on the legacy COM1 ports.
// It is the guest's console: transmitted bytes go to an io.Writer, host
// input is queued through Receive.
package serial

import (
	"fmt"
	"io"
	"sync"

	"github.com/droidvisor/droidvisor/internal/chipset"
	"github.com/droidvisor/droidvisor/internal/hv"
)

const (
	// COM1Base is the legacy port base the guest console driver expects.
	COM1Base uint16 = 0x3F8

	// COM1IRQ is the legacy interrupt line for COM1.
	COM1IRQ uint32 = 4

	registerCount = 8
	fifoSize      = 16

	lcrDLAB = 1 << 7

	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrDCD = 1 << 7

	ierRxAvail = 1 << 0
	ierTxEmpty = 1 << 1

	iirNone    = 0x01
	iirTxEmpty = 0x02
	iirRxAvail = 0x04
)

// Device is one UART instance. Interrupts are edge pulses on the line
// handed in at construction, gated by MCR OUT2 the way the real part
// gates its IRQ pin.
type Device struct {
	name string
	base uint16
	irq  *chipset.Line
	out  io.Writer

	mu  sync.Mutex
	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	scr byte

	rx      [fifoSize]byte
	rxHead  int
	rxCount int

	txBytes uint64
	rxBytes uint64
}

// New creates a UART at the given port base. out receives everything the
// guest transmits; a nil out discards it.
func New(name string, base uint16, irq *chipset.Line, out io.Writer) *Device {
	return &Device{name: name, base: base, irq: irq, out: out}
}

func (d *Device) Name() string { return d.name }

// Essential marks the console as required for session start.
func (d *Device) Essential() bool { return true }

func (d *Device) Attach(vm hv.VirtualMachine) error { return nil }

func (d *Device) Detach() error { return nil }

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dll, d.dlm, d.ier, d.fcr, d.lcr, d.mcr, d.scr = 0, 0, 0, 0, 0, 0, 0
	d.rxHead, d.rxCount = 0, 0
	return nil
}

func (d *Device) Intercepts() chipset.Intercepts {
	return chipset.Intercepts{
		Ports: []chipset.PortRange{{Lo: d.base, Hi: d.base + registerCount}},
	}
}

func (d *Device) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	return nil
}

func (d *Device) HandlePIO(port uint16, data []byte, isWrite bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if isWrite {
		for _, v := range data {
			d.writeRegisterLocked(port, v)
		}
		return nil
	}
	for i := range data {
		data[i] = d.readRegisterLocked(port)
	}
	return nil
}

// Receive queues host input for the guest, up to the FIFO size; overflow
// is dropped. Returns the number of bytes queued.
func (d *Device) Receive(p []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, v := range p {
		if !d.rxPushLocked(v) {
			break
		}
		n++
	}
	if n > 0 && d.ier&ierRxAvail != 0 {
		d.pulseLocked()
	}
	return n
}

// SaveState captures the guest-visible register file. The receive FIFO is
// transient host input and is not part of the state.
func (d *Device) SaveState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return []byte{d.dll, d.dlm, d.ier, d.fcr, d.lcr, d.mcr, d.scr}, nil
}

// RestoreState applies a register file captured by SaveState.
func (d *Device) RestoreState(state []byte) error {
	if len(state) != 7 {
		return fmt.Errorf("serial: state is %d bytes, want 7", len(state))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dll, d.dlm, d.ier, d.fcr, d.lcr, d.mcr, d.scr =
		state[0], state[1], state[2], state[3], state[4], state[5], state[6]
	d.rxHead, d.rxCount = 0, 0
	return nil
}

// Stats reports bytes moved in each direction since creation.
func (d *Device) Stats() (tx, rx uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txBytes, d.rxBytes
}

func (d *Device) writeRegisterLocked(port uint16, v byte) {
	switch port - d.base {
	case 0:
		if d.lcr&lcrDLAB != 0 {
			d.dll = v
			return
		}
		d.transmitLocked(v)
	case 1:
		if d.lcr&lcrDLAB != 0 {
			d.dlm = v
			return
		}
		d.ier = v & 0x0F
		if d.ier&ierTxEmpty != 0 {
			// THR is always empty here, raise the edge immediately.
			d.pulseLocked()
		}
	case 2:
		d.fcr = v
	case 3:
		d.lcr = v
	case 4:
		d.mcr = v
	case 7:
		d.scr = v
	}
}

func (d *Device) readRegisterLocked(port uint16) byte {
	switch port - d.base {
	case 0:
		if d.lcr&lcrDLAB != 0 {
			return d.dll
		}
		return d.rxPopLocked()
	case 1:
		if d.lcr&lcrDLAB != 0 {
			return d.dlm
		}
		return d.ier
	case 2:
		switch {
		case d.ier&ierRxAvail != 0 && d.rxCount > 0:
			return iirRxAvail
		case d.ier&ierTxEmpty != 0:
			return iirTxEmpty
		default:
			return iirNone
		}
	case 3:
		return d.lcr
	case 4:
		return d.mcr
	case 5:
		lsr := byte(lsrTHRE | lsrTEMT)
		if d.rxCount > 0 {
			lsr |= lsrDataReady
		}
		return lsr
	case 6:
		return msrCTS | msrDSR | msrDCD
	case 7:
		return d.scr
	default:
		return 0
	}
}

func (d *Device) transmitLocked(v byte) {
	d.txBytes++
	if d.mcr&mcrLoop != 0 {
		if d.rxPushLocked(v) && d.ier&ierRxAvail != 0 {
			d.pulseLocked()
		}
		return
	}
	if d.out != nil {
		d.out.Write([]byte{v})
	}
	if d.ier&ierTxEmpty != 0 {
		d.pulseLocked()
	}
}

func (d *Device) rxPushLocked(v byte) bool {
	if d.rxCount == fifoSize {
		return false
	}
	d.rx[(d.rxHead+d.rxCount)%fifoSize] = v
	d.rxCount++
	d.rxBytes++
	return true
}

func (d *Device) rxPopLocked() byte {
	if d.rxCount == 0 {
		return 0
	}
	v := d.rx[d.rxHead]
	d.rxHead = (d.rxHead + 1) % fifoSize
	d.rxCount--
	return v
}

func (d *Device) pulseLocked() {
	if d.irq != nil && d.mcr&mcrOUT2 != 0 {
		d.irq.Pulse()
	}
}
