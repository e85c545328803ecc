//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/droidvisor/droidvisor/internal/config"
	"github.com/droidvisor/droidvisor/internal/hv"
	"github.com/droidvisor/droidvisor/internal/hv/hvtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeKernel creates a flat image of NOPs so fault diagnostics have
// something decodable at the entry point.
func writeKernel(t *testing.T, size int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kernel.bin")
	img := make([]byte, size)
	for i := range img {
		img[i] = 0x90
	}
	require.NoError(t, os.WriteFile(path, img, 0o644))
	return path
}

func testConfig(t *testing.T) config.VMConfig {
	t.Helper()

	cfg := config.VMConfig{
		MemoryMB: 64,
		CPUs:     1,
		Boot:     config.BootConfig{Kernel: writeKernel(t, 4096)},
		DataDir:  t.TempDir(),
	}
	cfg.Devices.Serial = true
	return cfg
}

func newTestController(t *testing.T) (*Controller, *hvtest.Hypervisor) {
	t.Helper()

	hyp := hvtest.New()
	c := New(testLogger(), Options{Hypervisor: hyp})
	t.Cleanup(func() {
		require.NoError(t, c.Stop())
	})
	return c, hyp
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == want
	}, 5*time.Second, time.Millisecond, "waiting for state %s, at %s", want, c.State())
}

// ioExit is a scripted port read the dispatcher will not handle; it keeps
// a scripted vCPU making progress without side effects.
func ioExit() hvtest.ScriptedExit {
	return hvtest.ScriptedExit{
		Exit: hv.Exit{Reason: hv.ExitIO, Port: 0x180, Data: make([]byte, 1)},
	}
}

func TestStartValidatesConfigFirst(t *testing.T) {
	c, hyp := newTestController(t)

	cfg := testConfig(t)
	cfg.MemoryMB = 1
	err := c.Start(cfg)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	require.Equal(t, StateStopped, c.State())
	require.Empty(t, hyp.Machines(), "config errors must precede any allocation")
}

func TestStartRunsOnFirstExecutionStep(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	require.Equal(t, StateBooting, c.State())

	m := hyp.Machines()[0]
	require.Equal(t, 1, m.CPUCount())
	require.NotZero(t, m.SlotCount())

	// The kernel image lands at the load address.
	code := make([]byte, 4)
	_, err := m.ReadAt(code, 0x100000)
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x90, 0x90, 0x90}, code)

	m.TestCPU(0).Queue(ioExit())
	waitState(t, c, StateRunning)
}

func TestStartWhileRunningRejected(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	hyp.Machines()[0].TestCPU(0).Queue(ioExit())
	waitState(t, c, StateRunning)

	require.ErrorIs(t, c.Start(testConfig(t)), ErrInvalidState)
}

func TestStartRollsBackOnBootFailure(t *testing.T) {
	c, hyp := newTestController(t)

	// A kernel larger than guest RAM cannot be placed.
	path := filepath.Join(t.TempDir(), "kernel.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(65<<20))
	require.NoError(t, f.Close())

	cfg := testConfig(t)
	cfg.Boot.Kernel = path
	require.Error(t, c.Start(cfg))
	require.Equal(t, StateStopped, c.State())

	m := hyp.Machines()[0]
	require.True(t, m.Closed(), "session must be released on rollback")
	require.Zero(t, m.SlotCount(), "memory regions must be released on rollback")
}

type deadHypervisor struct{}

func (deadHypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (deadHypervisor) Close() error                     { return nil }
func (deadHypervisor) NewVirtualMachine(hv.SessionConfig) (hv.VirtualMachine, error) {
	return nil, fmt.Errorf("sessions exhausted")
}

func TestStartSessionOpenFailure(t *testing.T) {
	c := New(testLogger(), Options{Hypervisor: deadHypervisor{}})
	require.Error(t, c.Start(testConfig(t)))
	require.Equal(t, StateStopped, c.State())
}

func TestPauseResume(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	cpu := hyp.Machines()[0].TestCPU(0)
	cpu.Queue(ioExit())
	waitState(t, c, StateRunning)

	require.NoError(t, c.Pause())
	require.Equal(t, StatePaused, c.State())

	// A parked vCPU must not consume queued exits.
	cpu.Queue(ioExit())
	time.Sleep(10 * time.Millisecond)
	require.ErrorIs(t, c.Pause(), ErrInvalidState)

	require.NoError(t, c.Resume())
	waitState(t, c, StateRunning)
	require.ErrorIs(t, c.Resume(), ErrInvalidState)
}

func TestPauseWhileBootingRejected(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	require.Equal(t, StateBooting, c.State())
	require.ErrorIs(t, c.Pause(), ErrInvalidState)
}

func TestStopReleasesEverything(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	m := hyp.Machines()[0]
	m.TestCPU(0).Queue(ioExit())
	waitState(t, c, StateRunning)

	require.NoError(t, c.Stop())
	require.Equal(t, StateStopped, c.State())
	require.True(t, m.Closed())
	require.Zero(t, m.SlotCount())

	// Idempotent from Stopped.
	require.NoError(t, c.Stop())
}

func TestStopWhilePaused(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	hyp.Machines()[0].TestCPU(0).Queue(ioExit())
	waitState(t, c, StateRunning)

	require.NoError(t, c.Pause())
	require.NoError(t, c.Stop())
	require.Equal(t, StateStopped, c.State())
}

func TestCleanHaltStops(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	cpu := hyp.Machines()[0].TestCPU(0)
	cpu.Queue(ioExit())
	waitState(t, c, StateRunning)

	cpu.Queue(hvtest.ScriptedExit{Exit: hv.Exit{Reason: hv.ExitHalt}})
	waitState(t, c, StateStopped)
	require.Nil(t, c.LastFault())
	require.True(t, hyp.Machines()[0].Closed())
}

func TestGuestFaultWithMultipleCPUs(t *testing.T) {
	c, hyp := newTestController(t)

	cfg := testConfig(t)
	cfg.CPUs = 3
	require.NoError(t, c.Start(cfg))

	m := hyp.Machines()[0]
	m.TestCPU(0).Queue(ioExit())
	waitState(t, c, StateRunning)

	// vCPU 1 triple-faults while 0 and 2 sit blocked in the guest.
	m.TestCPU(1).Queue(hvtest.ScriptedExit{
		Exit: hv.Exit{Reason: hv.ExitShutdown},
		Err:  hv.ErrGuestShutdown,
	})
	waitState(t, c, StateFaulted)

	fault := c.LastFault()
	require.NotNil(t, fault)
	require.Equal(t, 1, fault.VCPU)
	require.Contains(t, fault.Reason, "shutdown")
	require.True(t, m.Closed(), "fault must release the session")
	require.Zero(t, m.SlotCount())
}

func TestFaultDiagnosticsIncludeDisassembly(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	cpu := hyp.Machines()[0].TestCPU(0)
	cpu.Queue(ioExit())
	waitState(t, c, StateRunning)

	// RIP points at the NOP sled loaded from the kernel image.
	cpu.Queue(hvtest.ScriptedExit{Exit: hv.Exit{
		Reason:  hv.ExitInternalError,
		Details: "emulation failure",
	}})
	waitState(t, c, StateFaulted)

	fault := c.LastFault()
	require.NotNil(t, fault)
	require.Equal(t, "emulation failure", fault.Details)
	require.Equal(t, uint64(0x100000), fault.Registers.Rip)
	require.NotEmpty(t, fault.Disassembly)
	require.Contains(t, fault.Disassembly[0], "nop")
}

func TestStartAgainAfterFault(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	hyp.Machines()[0].TestCPU(0).Queue(hvtest.ScriptedExit{
		Exit: hv.Exit{Reason: hv.ExitShutdown},
	})
	waitState(t, c, StateFaulted)

	require.NoError(t, c.Start(testConfig(t)))
	require.Equal(t, StateBooting, c.State())
	require.Len(t, hyp.Machines(), 2)
}

func TestUnhandledReadFloatsHigh(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	cpu := hyp.Machines()[0].TestCPU(0)

	data := []byte{0x00}
	cpu.Queue(hvtest.ScriptedExit{Exit: hv.Exit{Reason: hv.ExitIO, Port: 0x180, Data: data}})
	require.Eventually(t, func() bool {
		return data[0] == 0xFF
	}, 5*time.Second, time.Millisecond)
}

func TestSerialOutputThroughDispatch(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	cpu := hyp.Machines()[0].TestCPU(0)

	for _, b := range []byte("ok\n") {
		cpu.Queue(hvtest.ScriptedExit{Exit: hv.Exit{
			Reason:  hv.ExitIO,
			Port:    0x3F8,
			Data:    []byte{b},
			IsWrite: true,
		}})
	}
	require.Eventually(t, func() bool {
		tail, err := c.ConsoleTail()
		return err == nil && len(tail) >= 3
	}, 5*time.Second, time.Millisecond)

	screen, err := c.ConsoleScreen()
	require.NoError(t, err)
	require.Contains(t, screen, "ok")
}

func TestResetReturnsToEntryPoint(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	cpu := hyp.Machines()[0].TestCPU(0)
	cpu.Queue(ioExit())
	waitState(t, c, StateRunning)
	require.NoError(t, c.Pause())

	regs := hv.Registers{Rip: 0xdeadbeef}
	require.NoError(t, cpu.SetRegisters(&regs))

	require.NoError(t, c.Reset())
	got, err := cpu.GetRegisters()
	require.NoError(t, err)
	require.Equal(t, uint64(0x100000), got.Rip)
	require.Equal(t, StatePaused, c.State())
}

func TestResetFromStoppedRejected(t *testing.T) {
	c, _ := newTestController(t)
	require.ErrorIs(t, c.Reset(), ErrInvalidState)
}

func TestEventsFollowTransitions(t *testing.T) {
	c, hyp := newTestController(t)

	require.NoError(t, c.Start(testConfig(t)))
	hyp.Machines()[0].TestCPU(0).Queue(ioExit())
	waitState(t, c, StateRunning)
	require.NoError(t, c.Stop())

	var seen []State
	for len(c.Events()) > 0 {
		seen = append(seen, (<-c.Events()).State)
	}
	require.Equal(t, []State{StateBooting, StateRunning, StateStopping, StateStopped}, seen)
}

func TestInfo(t *testing.T) {
	c, hyp := newTestController(t)

	cfg := testConfig(t)
	cfg.Name = "testvm"
	cfg.CPUs = 2
	require.NoError(t, c.Start(cfg))
	hyp.Machines()[0].TestCPU(0).Queue(ioExit())
	waitState(t, c, StateRunning)

	info := c.Info()
	require.Equal(t, "testvm", info.Name)
	require.Equal(t, StateRunning, info.State)
	require.Equal(t, uint64(64<<20), info.MemoryBytes)
	require.Equal(t, 2, info.CPUs)
	require.Contains(t, info.Devices, "serial0")
	require.Greater(t, info.Uptime, time.Duration(0))
}

func TestConsoleAccessorsWithoutSession(t *testing.T) {
	c, _ := newTestController(t)

	_, err := c.ConsoleScreen()
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = c.ConsoleInput([]byte("x"))
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, c.SendInput(), ErrInvalidState)
	_, err = c.Framebuffer()
	require.ErrorIs(t, err, ErrInvalidState)
	require.True(t, errors.Is(err, ErrInvalidState))
}

func TestStartHypervisorUnavailable(t *testing.T) {
	opens := 0
	c := New(testLogger(), Options{
		OpenHypervisor: func() (hv.Hypervisor, error) {
			opens++
			return nil, fmt.Errorf("open /dev/kvm: no such file or directory")
		},
	})

	err := c.Start(testConfig(t))
	require.ErrorIs(t, err, ErrHypervisorUnavailable)
	require.Equal(t, 1, opens)
	require.Equal(t, StateStopped, c.State())

	// The opener failed before any guest resources were touched; a later
	// Start against a working backend must come up clean.
	hyp := hvtest.New()
	c.opts.Hypervisor = hyp
	require.NoError(t, c.Start(testConfig(t)))
	require.Len(t, hyp.Machines(), 1)
	require.NoError(t, c.Stop())
}
