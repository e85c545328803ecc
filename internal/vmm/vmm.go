//go:build linux

// Package vmm is the VM lifecycle controller: it owns at most one live
// hypervisor session and drives it through the state machine
// Stopped → Booting → Running ⇄ Paused → Stopping → Stopped, with Faulted
// as the terminal state for unrecoverable guest errors. Start either fully
// succeeds or fully rolls back; no partially built session is ever
// observable.
package vmm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/droidvisor/droidvisor/internal/config"
	"github.com/droidvisor/droidvisor/internal/devices/input"
	"github.com/droidvisor/droidvisor/internal/fbshare"
	"github.com/droidvisor/droidvisor/internal/hv"
	"github.com/droidvisor/droidvisor/internal/hv/factory"
)

var (
	// ErrInvalidState is returned when an operation is not legal in the
	// controller's current state.
	ErrInvalidState = errors.New("operation invalid in current state")

	// ErrHypervisorUnavailable is returned by Start when no hardware
	// hypervisor can be opened. Nothing has been allocated at that point.
	ErrHypervisorUnavailable = errors.New("no usable hypervisor")
)

// State is the controller's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateBooting
	StateRunning
	StatePaused
	StateStopping
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateFaulted:
		return "faulted"
	default:
		return "invalid"
	}
}

// FaultInfo is the diagnostic snapshot taken when a guest faults: which
// vCPU, why, its registers, and a short disassembly at the faulting RIP.
type FaultInfo struct {
	VCPU    int
	Reason  string
	Details string
	Time    time.Time

	Registers   hv.Registers
	System      hv.SystemRegisters
	Disassembly []string
}

func (f *FaultInfo) String() string {
	return fmt.Sprintf("vCPU %d: %s (rip=0x%x)", f.VCPU, f.Reason, f.Registers.Rip)
}

// Event is one state transition, delivered on the Events channel. Fault
// is set only for transitions into StateFaulted.
type Event struct {
	State State
	Fault *FaultInfo
}

// Info is a point-in-time description of the controller and its session.
type Info struct {
	Name        string
	State       State
	Uptime      time.Duration
	MemoryBytes uint64
	CPUs        int
	Devices     []string
}

// Options configures a Controller. The zero value opens the platform
// hypervisor on demand and discards serial output beyond the capture
// buffer.
type Options struct {
	// Hypervisor overrides the platform backend, mainly for tests.
	// The controller does not close an injected hypervisor.
	Hypervisor hv.Hypervisor

	// OpenHypervisor overrides how the platform backend is opened when
	// Hypervisor is nil. The controller closes what it opens.
	OpenHypervisor func() (hv.Hypervisor, error)

	// SerialOutput receives a copy of everything the guest writes to its
	// console, in addition to the internal capture.
	SerialOutput io.Writer
}

// Controller drives one VM at a time.
type Controller struct {
	log  *slog.Logger
	opts Options

	mu      sync.Mutex
	state   State
	sess    *session
	started time.Time
	fault   *FaultInfo

	events chan Event
}

func New(logger *slog.Logger, opts Options) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		log:    logger,
		opts:   opts,
		events: make(chan Event, 32),
	}
}

// Events delivers state transitions. The channel is buffered; a slow
// consumer loses events rather than stalling the controller.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastFault returns the diagnostic from the most recent transition to
// Faulted, or nil.
func (c *Controller) LastFault() *FaultInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{State: c.state}
	if c.sess != nil {
		info.Name = c.sess.cfg.Name
		info.Uptime = time.Since(c.started)
		info.MemoryBytes = c.sess.cfg.MemoryBytes()
		info.CPUs = c.sess.cfg.CPUs
		info.Devices = c.sess.devices.Devices()
	}
	return info
}

// Start validates the config, opens a hypervisor session, builds guest
// memory and devices, and spawns the vCPU threads. On any failure every
// acquired resource is released before the error returns. Legal from
// Stopped and Faulted.
func (c *Controller) Start(cfg config.VMConfig) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStopped && c.state != StateFaulted {
		return fmt.Errorf("vmm: start from %s: %w", c.state, ErrInvalidState)
	}

	hyp, ownsHyp, err := c.openHypervisor()
	if err != nil {
		return fmt.Errorf("vmm: %w: %v", ErrHypervisorUnavailable, err)
	}

	sess, err := newSession(c.log, hyp, ownsHyp, cfg, c.opts.SerialOutput, false)
	if err != nil {
		return err
	}

	c.sess = sess
	c.fault = nil
	c.started = time.Now()
	c.setStateLocked(StateBooting, nil)

	sess.start(false, c.markRunning, c.sessionExited(sess))
	c.log.Info("vmm: session started", "cpus", cfg.CPUs, "memoryMB", cfg.MemoryMB)
	return nil
}

func (c *Controller) openHypervisor() (hv.Hypervisor, bool, error) {
	if c.opts.Hypervisor != nil {
		return c.opts.Hypervisor, false, nil
	}
	open := c.opts.OpenHypervisor
	if open == nil {
		open = factory.Open
	}
	hyp, err := open()
	if err != nil {
		return nil, false, err
	}
	return hyp, true, nil
}

// markRunning moves Booting to Running on the first successful guest
// execution step.
func (c *Controller) markRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateBooting {
		c.setStateLocked(StateRunning, nil)
	}
}

// sessionExited builds the callback that fires once every vCPU thread of
// sess has returned. It tears the session down unless a concurrent Stop
// already owns that.
func (c *Controller) sessionExited(sess *session) func(*FaultInfo) {
	return func(fault *FaultInfo) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.sess != sess || c.state == StateStopping || c.state == StateStopped {
			return
		}

		sess.shutdown()
		sess.teardown()
		c.sess = nil

		if fault != nil {
			c.fault = fault
			c.setStateLocked(StateFaulted, fault)
			return
		}
		c.setStateLocked(StateStopped, nil)
	}
}

// Stop signals the vCPU threads, joins them, and releases every session
// resource. Idempotent no-op when already Stopped; legal from every other
// state.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	sess := c.sess
	if sess == nil {
		c.setStateLocked(StateStopped, nil)
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateStopping, nil)
	c.mu.Unlock()

	sess.shutdown()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == sess {
		sess.teardown()
		c.sess = nil
	}
	c.setStateLocked(StateStopped, nil)
	c.log.Info("vmm: session stopped")
	return nil
}

// Pause parks every vCPU thread at its next exit boundary. Only legal
// while Running; pausing a booting guest is rejected.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return fmt.Errorf("vmm: pause from %s: %w", c.state, ErrInvalidState)
	}
	c.sess.pause()
	c.setStateLocked(StatePaused, nil)
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused {
		return fmt.Errorf("vmm: resume from %s: %w", c.state, ErrInvalidState)
	}
	c.sess.resume()
	c.setStateLocked(StateRunning, nil)
	return nil
}

// Reset performs a hard reset without tearing the session down: vCPU
// threads are parked, devices reset, the boot image reloaded, and the
// guest restarted from its entry point. Legal from Running and Paused.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning && c.state != StatePaused {
		return fmt.Errorf("vmm: reset from %s: %w", c.state, ErrInvalidState)
	}

	wasRunning := c.state == StateRunning
	if wasRunning {
		c.sess.pause()
	}
	if err := c.sess.devices.ResetAll(); err != nil {
		c.log.Warn("vmm: reset devices", "error", err)
	}
	if err := c.sess.loadBoot(); err != nil {
		return fmt.Errorf("vmm: reload boot image: %w", err)
	}
	if wasRunning {
		c.sess.resume()
	}
	c.log.Info("vmm: guest reset")
	return nil
}

// ConsoleScreen renders the current guest console as text, one line per
// row.
func (c *Controller) ConsoleScreen() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.console == nil {
		return "", fmt.Errorf("vmm: no console: %w", ErrInvalidState)
	}
	return c.sess.console.Screen(), nil
}

// ConsoleTail returns the most recent raw console output.
func (c *Controller) ConsoleTail() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.console == nil {
		return nil, fmt.Errorf("vmm: no console: %w", ErrInvalidState)
	}
	return c.sess.console.Tail(), nil
}

// ConsoleInput queues host keystrokes for the guest's serial console.
func (c *Controller) ConsoleInput(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.serial == nil {
		return 0, fmt.Errorf("vmm: no console: %w", ErrInvalidState)
	}
	return c.sess.serial.Receive(p), nil
}

// SendInput queues input events for the guest.
func (c *Controller) SendInput(events ...input.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.input == nil {
		return fmt.Errorf("vmm: no input device: %w", ErrInvalidState)
	}
	c.sess.input.Push(events...)
	return nil
}

// Framebuffer returns the shared display bridge of the live session.
func (c *Controller) Framebuffer() (*fbshare.Bridge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.bridge == nil {
		return nil, fmt.Errorf("vmm: no display: %w", ErrInvalidState)
	}
	return c.sess.bridge, nil
}

func (c *Controller) setStateLocked(next State, fault *FaultInfo) {
	if c.state == next {
		return
	}
	c.state = next
	select {
	case c.events <- Event{State: next, Fault: fault}:
	default:
	}
}
