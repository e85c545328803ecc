//go:build linux

// Package droidvisor is the control surface for a hardware-assisted
// virtual machine: probing the host, starting and stopping a guest,
// pausing, snapshotting, and reaching its console, input, and shared
// framebuffer. A UI embeds this package and never touches the
// hypervisor, memory, or device layers directly.
package droidvisor

import (
	"context"
	"log/slog"

	"github.com/droidvisor/droidvisor/internal/config"
	"github.com/droidvisor/droidvisor/internal/devices/input"
	"github.com/droidvisor/droidvisor/internal/fbshare"
	"github.com/droidvisor/droidvisor/internal/probe"
	"github.com/droidvisor/droidvisor/internal/vmm"
)

// -----------------------------------------------------------------------------
// Type aliases - these re-export types from the internal packages
// -----------------------------------------------------------------------------

// VMConfig describes the guest to launch.
type VMConfig = config.VMConfig

// BootConfig names what the guest boots.
type BootConfig = config.BootConfig

// DeviceConfig switches device backends on or off.
type DeviceConfig = config.DeviceConfig

// DisplayConfig sets the guest display geometry.
type DisplayConfig = config.DisplayConfig

// GPUMode selects how guest graphics are rendered.
type GPUMode = config.GPUMode

// State is the lifecycle state of the virtual machine.
type State = vmm.State

// Event is one lifecycle state transition.
type Event = vmm.Event

// Info is a point-in-time description of the virtual machine.
type Info = vmm.Info

// FaultInfo is the diagnostic snapshot from a guest fault.
type FaultInfo = vmm.FaultInfo

// HostCapabilities reports what the host can support.
type HostCapabilities = probe.Capabilities

// InputEvent is one evdev-style input event for the guest.
type InputEvent = input.Event

// Framebuffer is the double-buffered shared display segment. Its File
// can be passed to an external UI process; in-process readers use
// NewReader on the same bridge.
type Framebuffer = fbshare.Bridge

// GPU mode constants.
const (
	GPUOff         = config.GPUOff
	GPUSoftware    = config.GPUSoftware
	GPUAccelerated = config.GPUAccelerated
)

// Lifecycle state constants.
const (
	StateStopped  = vmm.StateStopped
	StateBooting  = vmm.StateBooting
	StateRunning  = vmm.StateRunning
	StatePaused   = vmm.StatePaused
	StateStopping = vmm.StateStopping
	StateFaulted  = vmm.StateFaulted
)

// Common sentinel errors.
var (
	// ErrInvalidConfig marks a malformed or out-of-range VM config.
	ErrInvalidConfig = config.ErrInvalidConfig

	// ErrInvalidState is returned for operations that are not legal in
	// the current lifecycle state.
	ErrInvalidState = vmm.ErrInvalidState

	// ErrHypervisorUnavailable indicates no hardware hypervisor could be
	// opened. This can happen when:
	// - Running on a platform without KVM
	// - Missing permissions on /dev/kvm
	// - Running in a VM or container without nested virtualization
	//
	// Use errors.Is(err, droidvisor.ErrHypervisorUnavailable) to check
	// and skip tests in CI.
	ErrHypervisorUnavailable = vmm.ErrHypervisorUnavailable

	// ErrBadSnapshot marks snapshot files that are not snapshots or are
	// incompatible with this host.
	ErrBadSnapshot = vmm.ErrBadSnapshot
)

// LoadConfig reads and validates a VM config file.
func LoadConfig(path string) (VMConfig, error) { return config.Load(path) }

// ParseConfig decodes a YAML VM config, applies defaults, and validates.
func ParseConfig(data []byte) (VMConfig, error) { return config.Parse(data) }

// ProbeHost inspects the host without acquiring anything: hypervisor
// availability, CPU virtualization features, RAM, free disk under
// dataDir, and the GPU renderer. It degrades instead of failing.
func ProbeHost(ctx context.Context, logger *slog.Logger, dataDir string) HostCapabilities {
	return probe.Probe(ctx, logger, dataDir)
}

// Options configures a VM controller.
type Options = vmm.Options

// VM is one virtual machine slot: at most one guest runs in it at a
// time, and every method is safe for concurrent use.
type VM struct {
	ctl *vmm.Controller
}

// New creates an empty VM slot in the Stopped state.
func New(logger *slog.Logger, opts Options) *VM {
	return &VM{ctl: vmm.New(logger, opts)}
}

// Start boots a guest from cfg. It either fully succeeds or fully rolls
// back; configuration errors surface before anything is allocated.
func (v *VM) Start(cfg VMConfig) error { return v.ctl.Start(cfg) }

// Stop tears the guest down. Idempotent no-op when already Stopped.
func (v *VM) Stop() error { return v.ctl.Stop() }

// Pause parks the guest at its next exit boundary; Resume continues it.
func (v *VM) Pause() error  { return v.ctl.Pause() }
func (v *VM) Resume() error { return v.ctl.Resume() }

// Reset hard-resets the running guest back to its boot entry point.
func (v *VM) Reset() error { return v.ctl.Reset() }

func (v *VM) State() State { return v.ctl.State() }
func (v *VM) Info() Info   { return v.ctl.Info() }

// Events delivers state transitions to a UI event loop.
func (v *VM) Events() <-chan Event { return v.ctl.Events() }

// LastFault returns the diagnostic from the most recent guest fault.
func (v *VM) LastFault() *FaultInfo { return v.ctl.LastFault() }

// SaveSnapshot writes the paused guest's full state to path.
func (v *VM) SaveSnapshot(path string) error { return v.ctl.SaveSnapshot(path) }

// LoadSnapshot restores a guest from path; it comes up Paused.
func (v *VM) LoadSnapshot(path string) error { return v.ctl.LoadSnapshot(path) }

// Framebuffer returns the shared display segment of the running guest.
func (v *VM) Framebuffer() (*Framebuffer, error) { return v.ctl.Framebuffer() }

// ConsoleScreen renders the guest console as text.
func (v *VM) ConsoleScreen() (string, error) { return v.ctl.ConsoleScreen() }

// ConsoleTail returns the most recent raw console output.
func (v *VM) ConsoleTail() ([]byte, error) { return v.ctl.ConsoleTail() }

// ConsoleInput queues host keystrokes for the guest console.
func (v *VM) ConsoleInput(p []byte) (int, error) { return v.ctl.ConsoleInput(p) }

// SendInput queues input events for the guest.
func (v *VM) SendInput(events ...InputEvent) error { return v.ctl.SendInput(events...) }
