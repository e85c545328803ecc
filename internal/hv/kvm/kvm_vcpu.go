//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/droidvisor/droidvisor/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte
}

func (v *virtualCPU) ID() int { return v.id }

// requestImmediateExit interrupts a vCPU blocked inside KVM_RUN. The signal
// makes the ioctl return EINTR; immediate_exit keeps a racing re-entry from
// blocking again.
func (v *virtualCPU) requestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))
	run.immediate_exit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}
	return nil
}

// RunOnce implements hv.VirtualCPU. Must be called from the OS thread that
// owns this vCPU.
func (v *virtualCPU) RunOnce(ctx context.Context) (hv.Exit, error) {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.requestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	// clear immediate_exit in case a previous cancellation set it
	run.immediate_exit = 0

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			if ctx.Err() != nil {
				return hv.Exit{Reason: hv.ExitCancelled}, ctx.Err()
			}
			continue
		} else if err != nil {
			return hv.Exit{}, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}
		break
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitHlt:
		return hv.Exit{Reason: hv.ExitHalt}, nil
	case kvmExitShutdown, kvmExitFailEntry:
		// covers guest triple fault
		return hv.Exit{Reason: hv.ExitShutdown}, nil
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if system.typ == kvmSystemEventShutdown {
			return hv.Exit{Reason: hv.ExitShutdown}, nil
		}
		return hv.Exit{
			Reason:  hv.ExitUnknown,
			Details: fmt.Sprintf("system event %d", system.typ),
		}, nil
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]
		return hv.Exit{
			Reason:  hv.ExitIO,
			Port:    ioData.port,
			Data:    data,
			IsWrite: ioData.direction != 0,
		}, nil
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		return hv.Exit{
			Reason:  hv.ExitMMIO,
			Addr:    mmioData.physAddr,
			Data:    mmioData.data[:mmioData.len],
			IsWrite: mmioData.isWrite != 0,
		}, nil
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return hv.Exit{
			Reason:  hv.ExitInternalError,
			Details: ie.Suberror.String(),
		}, nil
	case kvmExitIntr:
		// interrupted without a guest exit; let the caller re-enter
		return hv.Exit{Reason: hv.ExitCancelled}, nil
	default:
		return hv.Exit{
			Reason:  hv.ExitUnknown,
			Details: reason.String(),
		}, nil
	}
}

func (v *virtualCPU) GetRegisters() (hv.Registers, error) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return hv.Registers{}, fmt.Errorf("kvm: get registers: %w", err)
	}
	return hv.Registers{
		Rax: regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rsp: regs.Rsp, Rbp: regs.Rbp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rip: regs.Rip, Rflags: regs.Rflags,
	}, nil
}

func (v *virtualCPU) SetRegisters(r *hv.Registers) error {
	regs := kvmRegs{
		Rax: r.Rax, Rbx: r.Rbx, Rcx: r.Rcx, Rdx: r.Rdx,
		Rsi: r.Rsi, Rdi: r.Rdi, Rsp: r.Rsp, Rbp: r.Rbp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		Rip: r.Rip, Rflags: r.Rflags,
	}
	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}
	return nil
}

func (v *virtualCPU) GetSystemRegisters() (hv.SystemRegisters, error) {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return hv.SystemRegisters{}, fmt.Errorf("kvm: get special registers: %w", err)
	}
	return hv.SystemRegisters{
		Cr0: sregs.Cr0, Cr2: sregs.Cr2, Cr3: sregs.Cr3, Cr4: sregs.Cr4,
		Efer: sregs.Efer,
	}, nil
}

func (v *virtualCPU) SetSystemRegisters(r *hv.SystemRegisters) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}
	sregs.Cr0 = r.Cr0
	sregs.Cr2 = r.Cr2
	sregs.Cr3 = r.Cr3
	sregs.Cr4 = r.Cr4
	sregs.Efer = r.Efer
	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}
	return nil
}

// CR0 bits
const (
	cr0_PE = 1
	cr0_MP = 1 << 1
	cr0_ET = 1 << 4
	cr0_NE = 1 << 5
	cr0_WP = 1 << 16
	cr0_AM = 1 << 18
	cr0_PG = 1 << 31
)

// CR4 bits
const (
	cr4_PAE = 1 << 5
)

// EFER bits
const (
	efer_LME = 1 << 8
	efer_LMA = 1 << 10
)

// page table entry bits
const (
	pteP  = 1 << 0 // present
	pteRW = 1 << 1 // writable
	pteUS = 1 << 2 // user
	ptePS = 1 << 7 // page-size (2MiB when set in PDE)
)

// SetupLongMode implements hv.VirtualCPUAmd64. Page tables are written
// directly into guest memory at pagingBase: one PML4, one PDPT and one PD
// per GiB of identity-mapped address space using 2MiB pages.
func (v *virtualCPU) SetupLongMode(pagingBase uint64, addrSpaceGiB int) error {
	if addrSpaceGiB < 1 || addrSpaceGiB > 512 {
		return fmt.Errorf("kvm: long mode address space %d GiB out of range", addrSpaceGiB)
	}

	pml4Addr := pagingBase &^ 0xFFF
	pdptAddr := pml4Addr + 0x1000
	pdBase := pml4Addr + 0x2000

	pml4 := make([]uint64, 512)
	pdpt := make([]uint64, 512)

	pml4[0] = (pdptAddr &^ 0xFFF) | pteP | pteRW | pteUS

	for giB := range addrSpaceGiB {
		pdAddr := pdBase + uint64(giB)*0x1000
		pdpt[giB] = (pdAddr &^ 0xFFF) | pteP | pteRW | pteUS

		pd := make([]uint64, 512)
		baseGiB := uint64(giB) << 30
		for i := range 512 {
			phys := baseGiB | (uint64(i) << 21) // 2MiB step
			pd[i] = (phys &^ 0x1FFFFF) | pteP | pteRW | pteUS | ptePS
		}

		if _, err := v.vm.WriteAt(u64Bytes(pd), int64(pdAddr)); err != nil {
			return fmt.Errorf("kvm: write PD %d: %w", giB, err)
		}
	}

	if _, err := v.vm.WriteAt(u64Bytes(pml4), int64(pml4Addr)); err != nil {
		return fmt.Errorf("kvm: write PML4: %w", err)
	}
	if _, err := v.vm.WriteAt(u64Bytes(pdpt), int64(pdptAddr)); err != nil {
		return fmt.Errorf("kvm: write PDPT: %w", err)
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	sregs.Cr3 = pml4Addr
	sregs.Cr4 |= cr4_PAE
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // must be 0 in 64-bit
		S:        1,
		L:        1,
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1
	data.Selector = 2 << 3
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}
	return nil
}

func u64Bytes(words []uint64) []byte {
	out := make([]byte, len(words)*8)
	for i, w := range words {
		out[i*8+0] = byte(w)
		out[i*8+1] = byte(w >> 8)
		out[i*8+2] = byte(w >> 16)
		out[i*8+3] = byte(w >> 24)
		out[i*8+4] = byte(w >> 32)
		out[i*8+5] = byte(w >> 40)
		out[i*8+6] = byte(w >> 48)
		out[i*8+7] = byte(w >> 56)
	}
	return out
}

var (
	_ hv.VirtualCPU      = &virtualCPU{}
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)
