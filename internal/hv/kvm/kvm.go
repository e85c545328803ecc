//go:build linux && amd64

// Package kvm implements the in-process KVM backend of the hv abstraction.
package kvm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unsafe"

	"github.com/droidvisor/droidvisor/internal/hv"
	"golang.org/x/sys/unix"
)

type mappedSlot struct {
	slot          uint32
	guestPhysAddr uint64
	mem           []byte
}

type virtualMachine struct {
	hv    *hypervisor
	vmFd  int
	vcpus map[int]*virtualCPU

	hasIRQChip bool

	slotMu sync.RWMutex
	slots  map[uint32]mappedSlot
	// sorted view of slots for GPA translation, rebuilt on map changes
	sorted []mappedSlot

	closeOnce sync.Once
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) CPUCount() int             { return len(v.vcpus) }

func (v *virtualMachine) VCPU(id int) (hv.VirtualCPU, error) {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return nil, fmt.Errorf("kvm: no vCPU %d", id)
	}
	return vcpu, nil
}

// MapSlot implements hv.VirtualMachine. The caller owns mem; KVM only
// borrows the mapping for the lifetime of the slot.
func (v *virtualMachine) MapSlot(slot uint32, guestPhysAddr uint64, mem []byte) error {
	if len(mem) == 0 {
		return fmt.Errorf("kvm: map slot %d: empty memory", slot)
	}

	v.slotMu.Lock()
	defer v.slotMu.Unlock()

	if _, exists := v.slots[slot]; exists {
		return fmt.Errorf("kvm: slot %d already mapped", slot)
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return fmt.Errorf("kvm: set user memory region: %w", err)
	}

	v.slots[slot] = mappedSlot{slot: slot, guestPhysAddr: guestPhysAddr, mem: mem}
	v.rebuildSortedLocked()
	return nil
}

// UnmapSlot implements hv.VirtualMachine. Passing a zero-size region to
// KVM_SET_USER_MEMORY_REGION deletes the slot.
func (v *virtualMachine) UnmapSlot(slot uint32) error {
	v.slotMu.Lock()
	defer v.slotMu.Unlock()

	region, ok := v.slots[slot]
	if !ok {
		return fmt.Errorf("kvm: slot %d not mapped", slot)
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: region.guestPhysAddr,
		MemorySize:    0,
	}); err != nil {
		return fmt.Errorf("kvm: delete user memory region: %w", err)
	}

	delete(v.slots, slot)
	v.rebuildSortedLocked()
	return nil
}

func (v *virtualMachine) rebuildSortedLocked() {
	v.sorted = v.sorted[:0]
	for _, s := range v.slots {
		v.sorted = append(v.sorted, s)
	}
	sort.Slice(v.sorted, func(i, j int) bool {
		return v.sorted[i].guestPhysAddr < v.sorted[j].guestPhysAddr
	})
}

// hostSlice returns the host memory backing gpa, bounded by the end of the
// containing region.
func (v *virtualMachine) hostSlice(gpa uint64) ([]byte, bool) {
	for _, s := range v.sorted {
		if gpa >= s.guestPhysAddr && gpa < s.guestPhysAddr+uint64(len(s.mem)) {
			return s.mem[gpa-s.guestPhysAddr:], true
		}
	}
	return nil, false
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.slotMu.RLock()
	defer v.slotMu.RUnlock()

	for n < len(p) {
		host, ok := v.hostSlice(uint64(off) + uint64(n))
		if !ok {
			return n, fmt.Errorf("kvm: ReadAt GPA 0x%x unmapped", uint64(off)+uint64(n))
		}
		n += copy(p[n:], host)
	}
	return n, nil
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.slotMu.RLock()
	defer v.slotMu.RUnlock()

	for n < len(p) {
		host, ok := v.hostSlice(uint64(off) + uint64(n))
		if !ok {
			return n, fmt.Errorf("kvm: WriteAt GPA 0x%x unmapped", uint64(off)+uint64(n))
		}
		n += copy(host, p[n:])
	}
	return n, nil
}

func (v *virtualMachine) PulseIRQ(line uint32) error {
	if !v.hasIRQChip {
		return fmt.Errorf("kvm: cannot pulse IRQ without irqchip")
	}
	return pulseIRQ(v.vmFd, line)
}

func (v *virtualMachine) Close() error {
	v.closeOnce.Do(func() {
		for _, vcpu := range v.vcpus {
			if err := unix.Close(vcpu.fd); err != nil {
				slog.Error("kvm: close vcpu fd", "error", err)
			}
			if err := unix.Munmap(vcpu.run); err != nil {
				slog.Error("kvm: munmap vcpu run", "error", err)
			}
		}
		v.vcpus = nil

		if v.vmFd >= 0 {
			if err := unix.Close(v.vmFd); err != nil {
				slog.Error("kvm: close vm fd", "error", err)
			}
			v.vmFd = -1
		}
	})
	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// NewVirtualMachine implements hv.Hypervisor. The session is created with no
// guest memory; the memory manager attaches slots afterwards.
func (h *hypervisor) NewVirtualMachine(cfg hv.SessionConfig) (hv.VirtualMachine, error) {
	if cfg.CPUCount < 1 {
		return nil, fmt.Errorf("kvm: CPU count must be at least 1, got %d", cfg.CPUCount)
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:    h,
		vmFd:  vmFd,
		vcpus: make(map[int]*virtualCPU),
		slots: make(map[uint32]mappedSlot),
	}

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: setting TSS addr: %w", err)
	}

	if cfg.IRQChip {
		if err := createIRQChip(vmFd); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("kvm: creating IRQ chip: %w", err)
		}
		vm.hasIRQChip = true

		if err := createPIT(vmFd); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("kvm: creating PIT: %w", err)
		}
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: get kvm_run mmap size: %w", err)
	}

	for i := range cfg.CPUCount {
		vcpuFd, err := createVCPU(vmFd, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("kvm: create vCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			vm.Close()
			return nil, fmt.Errorf("kvm: mmap vCPU %d kvm_run: %w", i, err)
		}

		vcpu := &virtualCPU{
			vm:  vm,
			id:  i,
			fd:  vcpuFd,
			run: run,
		}

		cpuId, err := getSupportedCpuId(h.fd)
		if err != nil {
			vm.vcpus[i] = vcpu
			vm.Close()
			return nil, fmt.Errorf("kvm: vCPU %d supported CPUID: %w", i, err)
		}
		if err := setVCPUID(vcpuFd, cpuId); err != nil {
			vm.vcpus[i] = vcpu
			vm.Close()
			return nil, fmt.Errorf("kvm: vCPU %d set CPUID: %w", i, err)
		}

		vm.vcpus[i] = vcpu
	}

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// Open opens /dev/kvm and validates the KVM API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
