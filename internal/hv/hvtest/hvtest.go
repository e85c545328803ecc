// Package hvtest provides an in-memory hv.Hypervisor for tests that need a
// session and vCPUs without /dev/kvm. Guest exits are scripted per vCPU: a
// RunOnce call blocks until an exit is queued or the context is cancelled,
// mirroring a vCPU blocked inside the hypervisor-run call.
package hvtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/droidvisor/droidvisor/internal/hv"
)

// ScriptedExit is one queued guest exit.
type ScriptedExit struct {
	Exit hv.Exit
	Err  error
}

type Hypervisor struct {
	mu       sync.Mutex
	machines []*Machine
	closed   bool
}

func New() *Hypervisor { return &Hypervisor{} }

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *Hypervisor) NewVirtualMachine(cfg hv.SessionConfig) (hv.VirtualMachine, error) {
	if cfg.CPUCount < 1 {
		return nil, fmt.Errorf("hvtest: CPU count must be at least 1, got %d", cfg.CPUCount)
	}

	m := &Machine{
		hv:    h,
		slots: make(map[uint32]mappedSlot),
	}
	for i := range cfg.CPUCount {
		m.vcpus = append(m.vcpus, &CPU{
			machine: m,
			id:      i,
			script:  make(chan ScriptedExit, 64),
		})
	}

	h.mu.Lock()
	h.machines = append(h.machines, m)
	h.mu.Unlock()
	return m, nil
}

// Machines returns every session created so far, including closed ones.
func (h *Hypervisor) Machines() []*Machine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Machine(nil), h.machines...)
}

var _ hv.Hypervisor = &Hypervisor{}

type mappedSlot struct {
	guestPhysAddr uint64
	mem           []byte
}

type Machine struct {
	hv    *Hypervisor
	vcpus []*CPU

	mu     sync.Mutex
	slots  map[uint32]mappedSlot
	pulses []uint32
	closed bool
}

func (m *Machine) Hypervisor() hv.Hypervisor { return m.hv }
func (m *Machine) CPUCount() int             { return len(m.vcpus) }

func (m *Machine) VCPU(id int) (hv.VirtualCPU, error) {
	if id < 0 || id >= len(m.vcpus) {
		return nil, fmt.Errorf("hvtest: no vCPU %d", id)
	}
	return m.vcpus[id], nil
}

// TestCPU returns the scriptable fake behind VCPU(id).
func (m *Machine) TestCPU(id int) *CPU { return m.vcpus[id] }

func (m *Machine) MapSlot(slot uint32, guestPhysAddr uint64, mem []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.slots[slot]; exists {
		return fmt.Errorf("hvtest: slot %d already mapped", slot)
	}
	m.slots[slot] = mappedSlot{guestPhysAddr: guestPhysAddr, mem: mem}
	return nil
}

func (m *Machine) UnmapSlot(slot uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[slot]; !ok {
		return fmt.Errorf("hvtest: slot %d not mapped", slot)
	}
	delete(m.slots, slot)
	return nil
}

// SlotCount reports the number of currently mapped memory slots.
func (m *Machine) SlotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *Machine) hostSlice(gpa uint64) ([]byte, bool) {
	for _, s := range m.slots {
		if gpa >= s.guestPhysAddr && gpa < s.guestPhysAddr+uint64(len(s.mem)) {
			return s.mem[gpa-s.guestPhysAddr:], true
		}
	}
	return nil, false
}

func (m *Machine) ReadAt(p []byte, off int64) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n < len(p) {
		host, ok := m.hostSlice(uint64(off) + uint64(n))
		if !ok {
			return n, fmt.Errorf("hvtest: ReadAt GPA 0x%x unmapped", uint64(off)+uint64(n))
		}
		n += copy(p[n:], host)
	}
	return n, nil
}

func (m *Machine) WriteAt(p []byte, off int64) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n < len(p) {
		host, ok := m.hostSlice(uint64(off) + uint64(n))
		if !ok {
			return n, fmt.Errorf("hvtest: WriteAt GPA 0x%x unmapped", uint64(off)+uint64(n))
		}
		n += copy(host, p[n:])
	}
	return n, nil
}

func (m *Machine) PulseIRQ(line uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulses = append(m.pulses, line)
	return nil
}

// Pulses returns the IRQ lines pulsed so far, in order.
func (m *Machine) Pulses() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.pulses...)
}

func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called on the session.
func (m *Machine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ hv.VirtualMachine = &Machine{}

type CPU struct {
	machine *Machine
	id      int
	script  chan ScriptedExit

	mu    sync.Mutex
	regs  hv.Registers
	sregs hv.SystemRegisters
}

func (c *CPU) ID() int { return c.id }

// Queue appends scripted exits for RunOnce to return, in order.
func (c *CPU) Queue(exits ...ScriptedExit) {
	for _, e := range exits {
		c.script <- e
	}
}

// QueueHalts queues n plain halt exits.
func (c *CPU) QueueHalts(n int) {
	for range n {
		c.Queue(ScriptedExit{Exit: hv.Exit{Reason: hv.ExitHalt}})
	}
}

func (c *CPU) RunOnce(ctx context.Context) (hv.Exit, error) {
	select {
	case <-ctx.Done():
		return hv.Exit{Reason: hv.ExitCancelled}, ctx.Err()
	case s := <-c.script:
		return s.Exit, s.Err
	}
}

func (c *CPU) GetRegisters() (hv.Registers, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs, nil
}

func (c *CPU) SetRegisters(r *hv.Registers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = *r
	return nil
}

func (c *CPU) GetSystemRegisters() (hv.SystemRegisters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sregs, nil
}

func (c *CPU) SetSystemRegisters(r *hv.SystemRegisters) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sregs = *r
	return nil
}

var _ hv.VirtualCPU = &CPU{}
