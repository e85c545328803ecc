// Package guestmem allocates and tracks guest-physical-address to
// host-virtual-address mappings for a hypervisor session. Regions own their
// host mappings and release them exactly once, on unregister or teardown.
package guestmem

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrRegionOverlap is returned when a proposed guest-physical range
	// intersects an already registered region.
	ErrRegionOverlap = errors.New("guest physical region overlap")

	// ErrSlotInUse is returned when the requested slot index is already
	// registered.
	ErrSlotInUse = errors.New("memory slot already in use")

	// ErrUnknownSlot is returned when unregistering a slot that is not
	// registered.
	ErrUnknownSlot = errors.New("unknown memory slot")
)

// x86_64 guest physical layout constants. RAM is split around the MMIO hole
// below 4GiB; PCI and device MMIO windows conventionally occupy the hole.
const (
	MMIOHoleStart   uint64 = 0xC0000000  // 3GiB
	HighMemoryStart uint64 = 0x100000000 // 4GiB
)

// Backing selects how Allocate backs the host mapping.
type Backing int

const (
	BackingAnonymous Backing = iota
	BackingHugepage
)

// PlannedRegion is one RAM region of a memory layout.
type PlannedRegion struct {
	GuestPhysAddr uint64
	Size          uint64
}

// PlanLayout computes the RAM regions for totalRAM bytes of guest memory:
// a low region below the MMIO hole and, when totalRAM exceeds the hole
// start, a high region above 4GiB. Callers never do this arithmetic
// themselves.
func PlanLayout(totalRAM uint64) []PlannedRegion {
	if totalRAM == 0 {
		return nil
	}
	if totalRAM <= MMIOHoleStart {
		return []PlannedRegion{{GuestPhysAddr: 0, Size: totalRAM}}
	}
	return []PlannedRegion{
		{GuestPhysAddr: 0, Size: MMIOHoleStart},
		{GuestPhysAddr: HighMemoryStart, Size: totalRAM - MMIOHoleStart},
	}
}

// Allocation is an owned host mapping. It is attached to a region by
// RegisterRegion, which takes over the release responsibility.
type Allocation struct {
	mem []byte

	// HugepageFallback reports that hugepage backing was requested but the
	// allocation fell back to anonymous memory.
	HugepageFallback bool

	released bool
}

// Bytes exposes the mapping. The slice stays valid until release.
func (a *Allocation) Bytes() []byte { return a.mem }

// Size returns the mapping length in bytes.
func (a *Allocation) Size() uint64 { return uint64(len(a.mem)) }

func (a *Allocation) release() error {
	if a.released {
		return fmt.Errorf("guestmem: allocation already released")
	}
	a.released = true
	if err := unix.Munmap(a.mem); err != nil {
		return fmt.Errorf("guestmem: munmap: %w", err)
	}
	a.mem = nil
	return nil
}

// SlotMapper attaches host memory to a session's guest physical address
// space. hv.VirtualMachine satisfies it.
type SlotMapper interface {
	MapSlot(slot uint32, guestPhysAddr uint64, mem []byte) error
	UnmapSlot(slot uint32) error
}

// Region is one registered guest memory region.
type Region struct {
	Slot          uint32
	GuestPhysAddr uint64
	Size          uint64

	alloc *Allocation
}

// Stats counts allocator activity, mostly for regression tests around the
// start/rollback paths.
type Stats struct {
	Allocations       uint64
	HugepageFallbacks uint64
}

// Manager tracks the regions of one session.
type Manager struct {
	mu      sync.Mutex
	log     *slog.Logger
	mapper  SlotMapper
	regions map[uint32]*Region
	stats   Stats
}

// New creates a manager bound to one session's slot mapper.
func New(logger *slog.Logger, mapper SlotMapper) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:     logger,
		mapper:  mapper,
		regions: make(map[uint32]*Region),
	}
}

// Allocate reserves size bytes of host memory. A hugepage request that
// fails falls back to an anonymous mapping instead of failing the
// operation; the fallback is reported on the returned Allocation.
func (m *Manager) Allocate(size uint64, backing Backing) (*Allocation, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("guestmem: allocation size %d out of range", size)
	}

	m.mu.Lock()
	m.stats.Allocations++
	m.mu.Unlock()

	flags := unix.MAP_ANONYMOUS | unix.MAP_PRIVATE

	if backing == BackingHugepage {
		mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB)
		if err == nil {
			return &Allocation{mem: mem}, nil
		}

		m.log.Warn("guestmem: hugepage allocation failed, falling back to anonymous",
			"size", size, "error", err)
		m.mu.Lock()
		m.stats.HugepageFallbacks++
		m.mu.Unlock()
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %d bytes: %w", size, err)
	}

	return &Allocation{mem: mem, HugepageFallback: backing == BackingHugepage}, nil
}

// AdviseHugepage hints the kernel to back the mapping with transparent
// hugepages. Best effort: failure is logged, never propagated.
func (m *Manager) AdviseHugepage(alloc *Allocation) {
	if alloc == nil || alloc.mem == nil {
		return
	}
	if err := unix.Madvise(alloc.mem, unix.MADV_HUGEPAGE); err != nil {
		m.log.Debug("guestmem: madvise hugepage", "size", len(alloc.mem), "error", err)
	}
}

// RegisterRegion attaches an allocation to the guest physical address space
// at slot. On success the region takes ownership of the allocation.
func (m *Manager) RegisterRegion(guestPhysAddr uint64, alloc *Allocation, slot uint32) error {
	if alloc == nil || alloc.released {
		return fmt.Errorf("guestmem: register slot %d: allocation not live", slot)
	}
	size := alloc.Size()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.regions[slot]; exists {
		return fmt.Errorf("guestmem: slot %d: %w", slot, ErrSlotInUse)
	}
	for _, r := range m.regions {
		if rangesOverlap(guestPhysAddr, size, r.GuestPhysAddr, r.Size) {
			return fmt.Errorf("guestmem: [0x%x-0x%x) intersects slot %d [0x%x-0x%x): %w",
				guestPhysAddr, guestPhysAddr+size,
				r.Slot, r.GuestPhysAddr, r.GuestPhysAddr+r.Size,
				ErrRegionOverlap)
		}
	}

	if err := m.mapper.MapSlot(slot, guestPhysAddr, alloc.mem); err != nil {
		return fmt.Errorf("guestmem: map slot %d: %w", slot, err)
	}

	m.regions[slot] = &Region{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		Size:          size,
		alloc:         alloc,
	}
	return nil
}

// UnregisterRegion detaches the slot and releases its backing memory.
// Unregistering an unknown slot is an error, not a no-op.
func (m *Manager) UnregisterRegion(slot uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unregisterLocked(slot)
}

func (m *Manager) unregisterLocked(slot uint32) error {
	region, ok := m.regions[slot]
	if !ok {
		return fmt.Errorf("guestmem: slot %d: %w", slot, ErrUnknownSlot)
	}

	if err := m.mapper.UnmapSlot(slot); err != nil {
		return fmt.Errorf("guestmem: unmap slot %d: %w", slot, err)
	}

	delete(m.regions, slot)
	if err := region.alloc.release(); err != nil {
		return err
	}
	return nil
}

// MapRAM plans the layout for totalRAM, allocates each region and registers
// it starting at slot 0. Any failure rolls back every region acquired by
// this call before returning.
func (m *Manager) MapRAM(totalRAM uint64, backing Backing) error {
	plan := PlanLayout(totalRAM)
	if len(plan) == 0 {
		return fmt.Errorf("guestmem: cannot map zero bytes of RAM")
	}

	var done []uint32
	rollback := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, slot := range done {
			if err := m.unregisterLocked(slot); err != nil {
				m.log.Error("guestmem: rollback", "slot", slot, "error", err)
			}
		}
	}

	for i, p := range plan {
		alloc, err := m.Allocate(p.Size, backing)
		if err != nil {
			rollback()
			return err
		}
		if alloc.HugepageFallback {
			m.log.Info("guestmem: region using anonymous fallback",
				"guest_phys_addr", p.GuestPhysAddr, "size", p.Size)
		}
		m.AdviseHugepage(alloc)

		slot := uint32(i)
		if err := m.RegisterRegion(p.GuestPhysAddr, alloc, slot); err != nil {
			if rerr := alloc.release(); rerr != nil {
				m.log.Error("guestmem: release after failed register", "error", rerr)
			}
			rollback()
			return err
		}
		done = append(done, slot)
	}
	return nil
}

// Regions returns a snapshot of the registered regions ordered by guest
// physical address.
func (m *Manager) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, *r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].GuestPhysAddr < out[j-1].GuestPhysAddr; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ReleaseAll unregisters every region. Used on session teardown; errors are
// logged and the teardown continues, so no region leaks on a partial
// failure.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slot := range m.regions {
		if err := m.unregisterLocked(slot); err != nil {
			m.log.Error("guestmem: release region", "slot", slot, "error", err)
		}
	}
}

// Stats returns allocator counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func rangesOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}
