package net

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/droidvisor/droidvisor/internal/chipset"
	"github.com/droidvisor/droidvisor/internal/hv"
	"github.com/droidvisor/droidvisor/internal/hv/hvtest"
)

const testBase = 0xD300_0000

var testMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// echoBackend reflects every transmitted frame straight back.
type echoBackend struct {
	dev    *Device
	frames [][]byte
}

func (b *echoBackend) Transmit(frame []byte) {
	b.frames = append(b.frames, bytes.Clone(frame))
	b.dev.Receive(frame)
}

func newTestNet(t *testing.T) (*Device, *echoBackend, *chipset.Registry, *hvtest.Machine) {
	t.Helper()
	h := hvtest.New()
	vm, err := h.NewVirtualMachine(hv.SessionConfig{CPUCount: 1, IRQChip: true})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	m := vm.(*hvtest.Machine)
	if err := m.MapSlot(0, 0, make([]byte, 64<<10)); err != nil {
		t.Fatalf("MapSlot: %v", err)
	}

	reg := chipset.New(nil, vm)
	dev := New("net0", testBase, reg.Line("net0", 5), testMAC)
	backend := &echoBackend{dev: dev}
	dev.SetBackend(backend)
	if err := reg.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	return dev, backend, reg, m
}

func write64(t *testing.T, reg *chipset.Registry, addr, v uint64) {
	t.Helper()
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, v)
	if handled, err := reg.DispatchMMIO(addr, data, true); err != nil || !handled {
		t.Fatalf("mmio write 0x%x: handled=%v err=%v", addr, handled, err)
	}
}

func write32(t *testing.T, reg *chipset.Registry, addr uint64, v uint32) {
	t.Helper()
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	if handled, err := reg.DispatchMMIO(addr, data, true); err != nil || !handled {
		t.Fatalf("mmio write 0x%x: handled=%v err=%v", addr, handled, err)
	}
}

func read32(t *testing.T, reg *chipset.Registry, addr uint64) uint32 {
	t.Helper()
	data := make([]byte, 4)
	if handled, err := reg.DispatchMMIO(addr, data, false); err != nil || !handled {
		t.Fatalf("mmio read 0x%x: handled=%v err=%v", addr, handled, err)
	}
	return binary.LittleEndian.Uint32(data)
}

func TestMACRegisters(t *testing.T) {
	_, _, reg, _ := newTestNet(t)

	lo := read32(t, reg, testBase+regMACLo)
	hi := read32(t, reg, testBase+regMACHi)
	var got [6]byte
	binary.LittleEndian.PutUint32(got[0:4], lo)
	binary.LittleEndian.PutUint16(got[4:6], uint16(hi))
	if got != testMAC {
		t.Errorf("MAC %x, want %x", got, testMAC)
	}
}

func TestTransmitReachesBackend(t *testing.T) {
	dev, backend, reg, vm := newTestNet(t)

	frame := bytes.Repeat([]byte{0xAB}, 60)
	if _, err := vm.WriteAt(frame, 0x1000); err != nil {
		t.Fatalf("seed frame: %v", err)
	}

	write64(t, reg, testBase+regTXAddr, 0x1000)
	write32(t, reg, testBase+regTXLen, uint32(len(frame)))
	write32(t, reg, testBase+regTXKick, 1)

	if len(backend.frames) != 1 || !bytes.Equal(backend.frames[0], frame) {
		t.Fatalf("backend saw %d frames", len(backend.frames))
	}
	if tx, _, _ := dev.Stats(); tx != 1 {
		t.Errorf("tx count %d", tx)
	}
}

func TestReceiveRoundTrip(t *testing.T) {
	_, _, reg, vm := newTestNet(t)

	// Echo backend: TX immediately queues the same frame for RX.
	frame := bytes.Repeat([]byte{0xCD}, 42)
	if _, err := vm.WriteAt(frame, 0x1000); err != nil {
		t.Fatalf("seed frame: %v", err)
	}
	write64(t, reg, testBase+regTXAddr, 0x1000)
	write32(t, reg, testBase+regTXLen, uint32(len(frame)))
	write32(t, reg, testBase+regTXKick, 1)

	if got := read32(t, reg, testBase+regRXLen); got != uint32(len(frame)) {
		t.Fatalf("RX length %d, want %d", got, len(frame))
	}
	write64(t, reg, testBase+regRXAddr, 0x2000)
	write32(t, reg, testBase+regRXKick, 1)

	got := make([]byte, len(frame))
	if _, err := vm.ReadAt(got, 0x2000); err != nil {
		t.Fatalf("read delivered frame: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("delivered frame differs")
	}
	if got := read32(t, reg, testBase+regRXLen); got != 0 {
		t.Errorf("RX length %d after pop", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(vm.Pulses()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no RX interrupt")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReceiveOverflowDrops(t *testing.T) {
	dev, _, _, _ := newTestNet(t)

	frame := make([]byte, 60)
	for i := 0; i < rxQueueDepth+3; i++ {
		dev.Receive(frame)
	}
	if _, rx, dropped := dev.Stats(); rx != rxQueueDepth || dropped != 3 {
		t.Errorf("rx=%d dropped=%d", rx, dropped)
	}
}

func TestOversizedFramesIgnored(t *testing.T) {
	dev, backend, reg, vm := newTestNet(t)

	dev.Receive(make([]byte, MaxFrameSize+1))
	if _, rx, _ := dev.Stats(); rx != 0 {
		t.Errorf("oversized frame queued, rx=%d", rx)
	}

	if _, err := vm.WriteAt(make([]byte, 64), 0x1000); err != nil {
		t.Fatalf("seed: %v", err)
	}
	write64(t, reg, testBase+regTXAddr, 0x1000)
	write32(t, reg, testBase+regTXLen, MaxFrameSize+1)
	write32(t, reg, testBase+regTXKick, 1)
	if len(backend.frames) != 0 {
		t.Error("oversized TX reached backend")
	}
}

func TestResetDropsQueue(t *testing.T) {
	dev, _, reg, _ := newTestNet(t)

	dev.Receive(make([]byte, 60))
	if err := dev.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := read32(t, reg, testBase+regRXLen); got != 0 {
		t.Errorf("RX length %d after reset", got)
	}
}
