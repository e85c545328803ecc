//go:build linux

package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"github.com/droidvisor/droidvisor/internal/chipset"
	"github.com/droidvisor/droidvisor/internal/config"
	"github.com/droidvisor/droidvisor/internal/console"
	"github.com/droidvisor/droidvisor/internal/devices/block"
	"github.com/droidvisor/droidvisor/internal/devices/display"
	"github.com/droidvisor/droidvisor/internal/devices/input"
	netdev "github.com/droidvisor/droidvisor/internal/devices/net"
	"github.com/droidvisor/droidvisor/internal/devices/serial"
	"github.com/droidvisor/droidvisor/internal/fbshare"
	"github.com/droidvisor/droidvisor/internal/guestmem"
	"github.com/droidvisor/droidvisor/internal/hv"
	"github.com/droidvisor/droidvisor/internal/netstack"
)

// Guest physical bases for the MMIO device windows, all inside the hole
// below 4GiB.
const (
	blockMMIOBase   uint64 = 0xC0010000
	netMMIOBase     uint64 = 0xC0020000
	inputMMIOBase   uint64 = 0xC0030000
	displayMMIOBase uint64 = 0xC0040000

	displayIRQ uint32 = 9
	netIRQ     uint32 = 10
	blockIRQ   uint32 = 11
	inputIRQ   uint32 = 12
)

// Flat-image boot layout. Page tables and the command line sit below the
// kernel load address, the initrd is placed above it at a 2MiB boundary.
const (
	bootPagingBase  uint64 = 0x10000
	bootCmdlineAddr uint64 = 0x20000
	bootStackTop    uint64 = 0x90000
	bootLoadAddr    uint64 = 0x100000
)

// session owns everything a started VM holds: the hypervisor session,
// guest memory, the device registry, and the vCPU threads. It is built
// fully or not at all; teardown releases in reverse order of acquisition.
type session struct {
	log *slog.Logger
	cfg config.VMConfig

	hyp     hv.Hypervisor
	ownsHyp bool
	vm      hv.VirtualMachine
	mem     *guestmem.Manager
	vcpus   []hv.VirtualCPU

	devices *chipset.Registry
	console *console.Capture
	serial  *serial.Device
	block   *block.Device
	net     *netdev.Device
	input   *input.Device
	display *display.Device
	bridge  *fbshare.Bridge
	stack   *netstack.Stack

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	gate   runGate

	// epoch is the context of the current run generation; pause cancels
	// it to interrupt blocked RunOnce calls without ending the session.
	epochMu sync.Mutex
	epoch   context.Context
	ekill   context.CancelFunc

	startOnce sync.Once

	faultMu sync.Mutex
	fault   *FaultInfo
}

// newSession acquires every resource the config asks for. Essential
// devices (serial console, block storage) abort the build on failure;
// the rest degrade to a logged warning.
func newSession(log *slog.Logger, hyp hv.Hypervisor, ownsHyp bool, cfg config.VMConfig, serialOut io.Writer, restore bool) (*session, error) {
	s := &session{
		log:     log,
		cfg:     cfg,
		hyp:     hyp,
		ownsHyp: ownsHyp,
	}
	s.gate.cond = sync.NewCond(&s.gate.mu)

	fail := func(err error) (*session, error) {
		s.teardown()
		return nil, err
	}

	vm, err := hyp.NewVirtualMachine(hv.SessionConfig{CPUCount: cfg.CPUs, IRQChip: true})
	if err != nil {
		return fail(fmt.Errorf("vmm: open session: %w", err))
	}
	s.vm = vm

	for i := range cfg.CPUs {
		cpu, err := vm.VCPU(i)
		if err != nil {
			return fail(fmt.Errorf("vmm: vCPU %d: %w", i, err))
		}
		s.vcpus = append(s.vcpus, cpu)
	}

	s.mem = guestmem.New(log, vm)
	if err := s.mem.MapRAM(cfg.MemoryBytes(), guestmem.BackingHugepage); err != nil {
		return fail(fmt.Errorf("vmm: map guest memory: %w", err))
	}

	if !restore {
		if err := s.loadBoot(); err != nil {
			return fail(fmt.Errorf("vmm: load boot image: %w", err))
		}
	}

	if err := s.buildDevices(serialOut); err != nil {
		return fail(err)
	}
	return s, nil
}

func (s *session) buildDevices(serialOut io.Writer) error {
	s.devices = chipset.New(s.log, s.vm)

	if s.cfg.Devices.Serial {
		s.console = console.New(0, 0)
		out := io.Writer(s.console)
		if serialOut != nil {
			out = io.MultiWriter(s.console, serialOut)
		}
		dev := serial.New("serial0", serial.COM1Base, s.devices.Line("serial0", serial.COM1IRQ), out)
		if err := s.devices.Register(dev); err != nil {
			return fmt.Errorf("vmm: register serial console: %w", err)
		}
		s.serial = dev
	}

	if s.cfg.Devices.Block {
		dev, err := block.OpenImage("disk0", blockMMIOBase, s.devices.Line("disk0", blockIRQ),
			s.cfg.Devices.BlockImage, s.cfg.Devices.BlockReadOnly)
		if err != nil {
			return fmt.Errorf("vmm: open disk image: %w", err)
		}
		if err := s.devices.Register(dev); err != nil {
			dev.Detach()
			return fmt.Errorf("vmm: register disk: %w", err)
		}
		s.block = dev
	}

	if s.cfg.Devices.Net {
		mac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
		dev := netdev.New("net0", netMMIOBase, s.devices.Line("net0", netIRQ), mac)
		s.stack = netstack.New(s.log, netstack.Config{}, dev.Receive)
		dev.SetBackend(s.stack)
		if err := s.devices.Register(dev); err != nil {
			s.log.Warn("vmm: network device unavailable", "error", err)
		} else {
			s.net = dev
		}
	}

	if s.cfg.Devices.Input {
		dev := input.New("input0", inputMMIOBase, s.devices.Line("input0", inputIRQ))
		if err := s.devices.Register(dev); err != nil {
			s.log.Warn("vmm: input device unavailable", "error", err)
		} else {
			s.input = dev
		}
	}

	if s.cfg.Devices.Display {
		bridge, err := fbshare.New(fbshare.Layout{
			Width:  s.cfg.Display.Width,
			Height: s.cfg.Display.Height,
		})
		if err != nil {
			s.log.Warn("vmm: display bridge unavailable", "error", err)
			return nil
		}
		dev := display.New("display0", displayMMIOBase, s.devices.Line("display0", displayIRQ), bridge)
		if err := s.devices.Register(dev); err != nil {
			s.log.Warn("vmm: display device unavailable", "error", err)
			bridge.Close()
			return nil
		}
		s.bridge = bridge
		s.display = dev
	}
	return nil
}

// loadBoot places a flat kernel image, optional initrd, and command line
// into guest memory and points vCPU 0 at the entry point. Secondary vCPUs
// stay in their reset state until the guest starts them.
func (s *session) loadBoot() error {
	kernelPath := s.cfg.Boot.Kernel
	if kernelPath == "" {
		kernelPath = filepath.Join(s.cfg.Boot.ImageDir, "kernel.bin")
	}
	kernel, err := os.ReadFile(kernelPath)
	if err != nil {
		return err
	}
	if bootLoadAddr+uint64(len(kernel)) > min(s.cfg.MemoryBytes(), guestmem.MMIOHoleStart) {
		return fmt.Errorf("kernel %d bytes does not fit in low memory", len(kernel))
	}
	if _, err := s.vm.WriteAt(kernel, int64(bootLoadAddr)); err != nil {
		return fmt.Errorf("write kernel: %w", err)
	}

	var initrdAddr uint64
	if s.cfg.Boot.Initrd != "" {
		initrd, err := os.ReadFile(s.cfg.Boot.Initrd)
		if err != nil {
			return err
		}
		initrdAddr = (bootLoadAddr + uint64(len(kernel)) + (2 << 20) - 1) &^ ((2 << 20) - 1)
		if initrdAddr+uint64(len(initrd)) > min(s.cfg.MemoryBytes(), guestmem.MMIOHoleStart) {
			return fmt.Errorf("initrd %d bytes does not fit in low memory", len(initrd))
		}
		if _, err := s.vm.WriteAt(initrd, int64(initrdAddr)); err != nil {
			return fmt.Errorf("write initrd: %w", err)
		}
	}

	cmdline := append([]byte(s.cfg.Boot.Cmdline), 0)
	if _, err := s.vm.WriteAt(cmdline, int64(bootCmdlineAddr)); err != nil {
		return fmt.Errorf("write command line: %w", err)
	}

	cpu0 := s.vcpus[0]
	if amd, ok := cpu0.(hv.VirtualCPUAmd64); ok {
		if err := amd.SetupLongMode(bootPagingBase, s.addressSpaceGiB()); err != nil {
			return fmt.Errorf("enter long mode: %w", err)
		}
	}
	regs := hv.Registers{
		Rip:    bootLoadAddr,
		Rsp:    bootStackTop,
		Rsi:    initrdAddr,
		Rdi:    bootCmdlineAddr,
		Rflags: 0x2,
	}
	if err := cpu0.SetRegisters(&regs); err != nil {
		return fmt.Errorf("set boot registers: %w", err)
	}
	return nil
}

// addressSpaceGiB is the identity-mapped span the boot page tables cover:
// at least the full 4GiB low range (device windows live below 4GiB) plus
// any RAM above the hole.
func (s *session) addressSpaceGiB() int {
	top := guestmem.HighMemoryStart
	if mem := s.cfg.MemoryBytes(); mem > guestmem.MMIOHoleStart {
		top += mem - guestmem.MMIOHoleStart
	}
	return int((top + (1 << 30) - 1) >> 30)
}

// start spawns one execution thread per vCPU. onRunning fires once, on the
// first successful guest execution step. onExit fires after every thread
// has returned; its argument is nil when the guest halted cleanly.
func (s *session) start(paused bool, onRunning func(), onExit func(*FaultInfo)) {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.newEpoch()
	if paused {
		s.gate.setPaused(true)
	}

	s.group = &errgroup.Group{}
	for _, cpu := range s.vcpus {
		s.group.Go(func() error {
			return s.runVCPU(cpu, onRunning)
		})
	}
	go func() {
		s.group.Wait()
		onExit(s.takeFault())
	}()
}

func (s *session) runVCPU(cpu hv.VirtualCPU, onRunning func()) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.gate.enter()
	defer s.gate.exit()

	for {
		if !s.gate.wait() {
			return nil
		}

		ectx := s.epochCtx()
		exit, err := cpu.RunOnce(ectx)
		if err != nil {
			if ectx.Err() != nil {
				if s.ctx.Err() != nil {
					return nil
				}
				// Kicked for a pause, park on the next iteration.
				continue
			}
			switch {
			case errors.Is(err, hv.ErrVMHalted):
				s.log.Info("vmm: guest halted", "vcpu", cpu.ID())
				s.cancel()
				return nil
			case errors.Is(err, hv.ErrGuestShutdown):
				s.recordFault(cpu, "guest shutdown", err.Error())
				s.cancel()
				return nil
			default:
				s.recordFault(cpu, "run error", err.Error())
				s.cancel()
				return err
			}
		}

		s.startOnce.Do(onRunning)

		switch exit.Reason {
		case hv.ExitIO:
			handled, derr := s.devices.DispatchPIO(exit.Port, exit.Data, exit.IsWrite)
			if derr != nil {
				s.log.Warn("vmm: port io dispatch", "port", exit.Port, "error", derr)
			}
			if !handled && !exit.IsWrite {
				fillOnes(exit.Data)
			}
		case hv.ExitMMIO:
			handled, derr := s.devices.DispatchMMIO(exit.Addr, exit.Data, exit.IsWrite)
			if derr != nil {
				s.log.Warn("vmm: mmio dispatch", "addr", fmt.Sprintf("0x%x", exit.Addr), "error", derr)
			}
			if !handled && !exit.IsWrite {
				fillOnes(exit.Data)
			}
		case hv.ExitHalt:
			s.log.Info("vmm: guest halted", "vcpu", cpu.ID())
			s.cancel()
			return nil
		case hv.ExitShutdown:
			s.recordFault(cpu, "guest shutdown", exit.Details)
			s.cancel()
			return nil
		case hv.ExitInternalError, hv.ExitUnknown:
			s.recordFault(cpu, "internal error", exit.Details)
			s.cancel()
			return fmt.Errorf("vmm: vCPU %d internal error: %s", cpu.ID(), exit.Details)
		}
	}
}

// Unhandled reads float high, matching what unpopulated bus addresses
// return on real hardware. Unhandled writes are dropped.
func fillOnes(p []byte) {
	for i := range p {
		p[i] = 0xFF
	}
}

func (s *session) epochCtx() context.Context {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()
	return s.epoch
}

func (s *session) newEpoch() {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()
	if s.ekill != nil {
		s.ekill()
	}
	s.epoch, s.ekill = context.WithCancel(s.ctx)
}

func (s *session) kick() {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()
	s.ekill()
}

// pause interrupts any blocked RunOnce and returns once every live vCPU
// thread is parked at the gate.
func (s *session) pause() {
	s.gate.setPaused(true)
	s.kick()
	s.gate.awaitParked()
}

func (s *session) resume() {
	s.newEpoch()
	s.gate.setPaused(false)
}

// shutdown asks every vCPU thread to exit and joins them. Safe to call
// more than once.
func (s *session) shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.gate.close()
	if s.group != nil {
		s.group.Wait()
	}
}

// teardown releases everything newSession acquired, tolerating a partial
// build. The vCPU threads must already be joined.
func (s *session) teardown() {
	if s.devices != nil {
		if err := s.devices.ResetAll(); err != nil {
			s.log.Warn("vmm: reset devices", "error", err)
		}
		s.devices.DetachAll()
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.mem != nil {
		s.mem.ReleaseAll()
	}
	if s.vm != nil {
		if err := s.vm.Close(); err != nil {
			s.log.Warn("vmm: close session", "error", err)
		}
	}
	if s.ownsHyp && s.hyp != nil {
		if err := s.hyp.Close(); err != nil {
			s.log.Warn("vmm: close hypervisor", "error", err)
		}
	}
}

func (s *session) recordFault(cpu hv.VirtualCPU, reason, details string) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.fault != nil {
		return
	}

	f := &FaultInfo{
		VCPU:    cpu.ID(),
		Reason:  reason,
		Details: details,
		Time:    time.Now(),
	}
	if regs, err := cpu.GetRegisters(); err == nil {
		f.Registers = regs
		code := make([]byte, 32)
		if n, err := s.vm.ReadAt(code, int64(regs.Rip)); n > 0 || err == nil {
			f.Disassembly = disassemble(code[:n], regs.Rip)
		}
	}
	if sregs, err := cpu.GetSystemRegisters(); err == nil {
		f.System = sregs
	}
	s.fault = f

	s.log.Error("vmm: guest fault",
		"vcpu", f.VCPU,
		"reason", f.Reason,
		"rip", fmt.Sprintf("0x%x", f.Registers.Rip))
}

func (s *session) takeFault() *FaultInfo {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.fault
}

// disassemble decodes up to four instructions starting at pc for fault
// diagnostics. Undecodable bytes end the listing.
func disassemble(code []byte, pc uint64) []string {
	var out []string
	for len(code) > 0 && len(out) < 4 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			break
		}
		out = append(out, fmt.Sprintf("0x%x: %s", pc, x86asm.GNUSyntax(inst, pc, nil)))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return out
}

// runGate parks vCPU threads while the session is paused and lets the
// pauser wait until every live thread has actually parked.
type runGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool
	live   int
	parked int
}

func (g *runGate) enter() {
	g.mu.Lock()
	g.live++
	g.mu.Unlock()
}

func (g *runGate) exit() {
	g.mu.Lock()
	g.live--
	g.cond.Broadcast()
	g.mu.Unlock()
}

// wait blocks while the gate is paused. It returns false once the gate is
// closed for shutdown.
func (g *runGate) wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	counted := false
	for g.paused && !g.closed {
		if !counted {
			g.parked++
			counted = true
			g.cond.Broadcast()
		}
		g.cond.Wait()
	}
	if counted {
		g.parked--
	}
	return !g.closed
}

func (g *runGate) setPaused(paused bool) {
	g.mu.Lock()
	g.paused = paused
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *runGate) awaitParked() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.parked < g.live && !g.closed {
		g.cond.Wait()
	}
}

func (g *runGate) close() {
	g.mu.Lock()
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
}
