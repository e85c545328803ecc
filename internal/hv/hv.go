// Package hv defines the hypervisor abstraction used by the rest of the
// module. A Hypervisor opens sessions (VirtualMachine), a session owns its
// vCPUs, and guest memory is attached to the session through numbered slots.
// The execution loop lives with the caller: RunOnce enters the guest, blocks
// until an exit, and returns the classified exit for dispatch.
package hv

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrVMHalted is returned by RunOnce when the guest executed a halt
	// with no pending work.
	ErrVMHalted = errors.New("virtual machine halted")

	// ErrGuestShutdown is returned when the guest requested or forced a
	// shutdown (including triple fault on KVM).
	ErrGuestShutdown = errors.New("guest shutdown")

	// ErrHypervisorUnsupported indicates no hardware-assisted backend is
	// available on this platform.
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

// ExitReason classifies why hardware-assisted execution returned to the host.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitIO
	ExitMMIO
	ExitHalt
	ExitShutdown
	ExitInternalError
	ExitCancelled
)

func (r ExitReason) String() string {
	switch r {
	case ExitIO:
		return "io"
	case ExitMMIO:
		return "mmio"
	case ExitHalt:
		return "halt"
	case ExitShutdown:
		return "shutdown"
	case ExitInternalError:
		return "internal-error"
	case ExitCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Exit describes a single guest exit. For ExitIO and ExitMMIO, Data aliases
// the run structure of the vCPU: on reads the handler fills it before the
// next guest entry, on writes it holds the guest-written bytes.
type Exit struct {
	Reason  ExitReason
	Port    uint16 // ExitIO
	Addr    uint64 // ExitMMIO
	Data    []byte
	IsWrite bool
	Details string // ExitInternalError, ExitUnknown
}

// Registers is a snapshot of the general-purpose register file.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

// SystemRegisters is the subset of control registers the module snapshots
// and reports in fault diagnostics.
type SystemRegisters struct {
	Cr0, Cr2, Cr3, Cr4 uint64
	Efer               uint64
}

// VirtualCPU is one virtual CPU of a session. It is owned by a single
// execution thread; only Registers accessors may be called from other
// threads while the vCPU is not running.
type VirtualCPU interface {
	ID() int

	// RunOnce enters the guest and blocks until an exit occurs. Cancelling
	// ctx interrupts the blocked call and yields ctx.Err(). The call must
	// be made from the thread that owns the vCPU.
	RunOnce(ctx context.Context) (Exit, error)

	GetRegisters() (Registers, error)
	SetRegisters(*Registers) error
	GetSystemRegisters() (SystemRegisters, error)
	SetSystemRegisters(*SystemRegisters) error
}

// VirtualCPUAmd64 adds the x86_64 mode setup used when booting flat images.
type VirtualCPUAmd64 interface {
	VirtualCPU

	// SetupLongMode builds identity-mapped page tables at pagingBase
	// covering addrSpaceGiB gigabytes and switches the vCPU into 64-bit
	// long mode with flat selectors.
	SetupLongMode(pagingBase uint64, addrSpaceGiB int) error
}

// VirtualMachine is one hypervisor session. Guest memory slots are attached
// by the memory manager through MapSlot; the session translates the mapped
// regions for its ReaderAt/WriterAt views.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	Hypervisor() Hypervisor

	CPUCount() int
	VCPU(id int) (VirtualCPU, error)

	// MapSlot attaches host memory to the guest physical address space.
	// The caller retains ownership of mem and must keep it alive until
	// UnmapSlot or Close.
	MapSlot(slot uint32, guestPhysAddr uint64, mem []byte) error
	UnmapSlot(slot uint32) error

	// PulseIRQ asserts then deasserts an interrupt line on the in-kernel
	// interrupt controller.
	PulseIRQ(line uint32) error
}

// SessionConfig configures a new session. Memory is attached afterwards by
// the memory manager, never here.
type SessionConfig struct {
	CPUCount int

	// IRQChip requests an in-kernel interrupt controller and PIT.
	IRQChip bool
}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(cfg SessionConfig) (VirtualMachine, error)
}
