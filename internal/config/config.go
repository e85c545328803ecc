// Package config describes a virtual machine to launch: how much memory
// and how many vCPUs it gets, what it boots, and which devices it carries.
// Validation is strict and synchronous; a config that passes Validate is
// safe to hand to the lifecycle controller without further checks.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

const (
	// MinMemoryMB is the smallest guest that can hold a kernel plus the
	// device windows; anything below this fails before boot anyway.
	MinMemoryMB = 32

	// MaxMemoryMB caps a single guest at 1 TiB.
	MaxMemoryMB = 1 << 20

	MaxCPUs = 256
)

// GPUMode selects how guest graphics are rendered.
type GPUMode string

const (
	GPUOff         GPUMode = "off"
	GPUSoftware    GPUMode = "software"
	GPUAccelerated GPUMode = "accelerated"
)

var ErrInvalidConfig = errors.New("invalid vm config")

// VMConfig is the full launch description for one guest.
type VMConfig struct {
	Name string `yaml:"name,omitempty"`

	MemoryMB uint64 `yaml:"memoryMB"`
	CPUs     int    `yaml:"cpus"`

	Boot    BootConfig    `yaml:"boot"`
	Devices DeviceConfig  `yaml:"devices"`
	Display DisplayConfig `yaml:"display"`

	GPU GPUMode `yaml:"gpu,omitempty"`

	// DataDir holds snapshots and scratch state. Defaults to the
	// working directory.
	DataDir string `yaml:"dataDir,omitempty"`

	// RequireHardwareAccel is accepted for config compatibility. There is
	// no software execution fallback, so Start always needs a usable
	// hypervisor and fails with a hypervisor-unavailable error without
	// one, whatever this flag says.
	RequireHardwareAccel bool `yaml:"requireHardwareAccel,omitempty"`
}

// BootConfig names what the guest boots. Either a kernel (with optional
// initrd) or a prebaked boot image directory, not both.
type BootConfig struct {
	Kernel  string `yaml:"kernel,omitempty"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline,omitempty"`

	ImageDir string `yaml:"imageDir,omitempty"`
}

// DeviceConfig switches individual device backends on or off. Serial and
// block are essential: the controller aborts start if they fail to attach.
type DeviceConfig struct {
	Serial  bool `yaml:"serial"`
	Block   bool `yaml:"block"`
	Net     bool `yaml:"net"`
	Input   bool `yaml:"input"`
	Display bool `yaml:"display"`

	// BlockImage is the disk image path, required when Block is set.
	BlockImage string `yaml:"blockImage,omitempty"`

	// BlockReadOnly attaches the disk write-protected.
	BlockReadOnly bool `yaml:"blockReadOnly,omitempty"`
}

type DisplayConfig struct {
	Width  uint32 `yaml:"width,omitempty"`
	Height uint32 `yaml:"height,omitempty"`
}

// ApplyDefaults fills unset fields with their defaults. Parse and Load call
// it; callers constructing a VMConfig by hand should too.
func (c *VMConfig) ApplyDefaults() {
	if c.CPUs == 0 {
		c.CPUs = runtime.NumCPU()
		if c.CPUs > 4 {
			c.CPUs = 4
		}
	}
	if c.GPU == "" {
		c.GPU = GPUOff
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Devices.Display {
		if c.Display.Width == 0 {
			c.Display.Width = 1280
		}
		if c.Display.Height == 0 {
			c.Display.Height = 720
		}
	}
}

// Validate checks the config for shape errors only; it touches the
// filesystem to confirm boot artifacts exist but acquires nothing.
func (c *VMConfig) Validate() error {
	if c.MemoryMB < MinMemoryMB || c.MemoryMB > MaxMemoryMB {
		return fmt.Errorf("memoryMB %d outside [%d, %d]: %w",
			c.MemoryMB, MinMemoryMB, MaxMemoryMB, ErrInvalidConfig)
	}
	if c.CPUs < 1 || c.CPUs > MaxCPUs {
		return fmt.Errorf("cpus %d outside [1, %d]: %w", c.CPUs, MaxCPUs, ErrInvalidConfig)
	}

	switch c.GPU {
	case GPUOff, GPUSoftware, GPUAccelerated:
	default:
		return fmt.Errorf("gpu mode %q: %w", c.GPU, ErrInvalidConfig)
	}

	if c.Boot.Kernel == "" && c.Boot.ImageDir == "" {
		return fmt.Errorf("boot needs a kernel or an imageDir: %w", ErrInvalidConfig)
	}
	if c.Boot.Kernel != "" && c.Boot.ImageDir != "" {
		return fmt.Errorf("boot.kernel and boot.imageDir are mutually exclusive: %w", ErrInvalidConfig)
	}
	if c.Boot.Initrd != "" && c.Boot.Kernel == "" {
		return fmt.Errorf("boot.initrd without boot.kernel: %w", ErrInvalidConfig)
	}

	for _, p := range []string{c.Boot.Kernel, c.Boot.Initrd, c.Boot.ImageDir} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("boot artifact %s: %w", p, ErrInvalidConfig)
		}
	}

	if c.Devices.Block {
		if c.Devices.BlockImage == "" {
			return fmt.Errorf("block device enabled without blockImage: %w", ErrInvalidConfig)
		}
		if _, err := os.Stat(c.Devices.BlockImage); err != nil {
			return fmt.Errorf("block image %s: %w", c.Devices.BlockImage, ErrInvalidConfig)
		}
	}

	if c.Devices.Display {
		if c.Display.Width == 0 || c.Display.Height == 0 {
			return fmt.Errorf("display enabled with zero geometry: %w", ErrInvalidConfig)
		}
		if c.Display.Width > 8192 || c.Display.Height > 8192 {
			return fmt.Errorf("display %dx%d too large: %w",
				c.Display.Width, c.Display.Height, ErrInvalidConfig)
		}
	}

	if c.GPU == GPUAccelerated && !c.Devices.Display {
		return fmt.Errorf("accelerated gpu without a display device: %w", ErrInvalidConfig)
	}

	return nil
}

// MemoryBytes returns the guest RAM size in bytes.
func (c *VMConfig) MemoryBytes() uint64 { return c.MemoryMB << 20 }

// Load reads and validates a config file.
func Load(path string) (VMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VMConfig{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults, and validates.
func Parse(data []byte) (VMConfig, error) {
	var cfg VMConfig

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return VMConfig{}, fmt.Errorf("parse vm config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return VMConfig{}, err
	}
	return cfg, nil
}
