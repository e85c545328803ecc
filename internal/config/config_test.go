package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func validConfig(t *testing.T) VMConfig {
	t.Helper()

	cfg := VMConfig{
		MemoryMB: 512,
		CPUs:     2,
		Boot:     BootConfig{Kernel: touch(t, "bzImage")},
		GPU:      GPUOff,
		DataDir:  t.TempDir(),
	}
	cfg.Devices.Serial = true
	return cfg
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := cfg.MemoryBytes(); got != 512<<20 {
		t.Errorf("memory bytes %d", got)
	}
}

func TestMemoryBounds(t *testing.T) {
	for _, mb := range []uint64{0, MinMemoryMB - 1, MaxMemoryMB + 1} {
		cfg := validConfig(t)
		cfg.MemoryMB = mb
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("memoryMB=%d: err=%v", mb, err)
		}
	}
}

func TestCPUBounds(t *testing.T) {
	for _, n := range []int{-1, 0, MaxCPUs + 1} {
		cfg := validConfig(t)
		cfg.CPUs = n
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("cpus=%d: err=%v", n, err)
		}
	}
}

func TestBootArtifactMustExist(t *testing.T) {
	cfg := validConfig(t)
	cfg.Boot.Kernel = filepath.Join(t.TempDir(), "missing-kernel")
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing kernel accepted: %v", err)
	}
}

func TestBootKernelAndImageExclusive(t *testing.T) {
	cfg := validConfig(t)
	cfg.Boot.ImageDir = t.TempDir()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("kernel+imageDir accepted: %v", err)
	}

	cfg = validConfig(t)
	cfg.Boot = BootConfig{}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("empty boot accepted: %v", err)
	}
}

func TestInitrdRequiresKernel(t *testing.T) {
	cfg := validConfig(t)
	cfg.Boot = BootConfig{ImageDir: t.TempDir(), Initrd: touch(t, "initrd.img")}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("initrd without kernel accepted: %v", err)
	}
}

func TestBlockNeedsImage(t *testing.T) {
	cfg := validConfig(t)
	cfg.Devices.Block = true
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("block without image accepted: %v", err)
	}

	cfg.Devices.BlockImage = touch(t, "disk.img")
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestGPUModes(t *testing.T) {
	cfg := validConfig(t)
	cfg.GPU = "turbo"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bogus gpu mode accepted: %v", err)
	}

	// Accelerated rendering needs somewhere to render to.
	cfg = validConfig(t)
	cfg.GPU = GPUAccelerated
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("accelerated gpu without display accepted: %v", err)
	}

	cfg.Devices.Display = true
	cfg.Display = DisplayConfig{Width: 1280, Height: 720}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestDisplayGeometry(t *testing.T) {
	cfg := validConfig(t)
	cfg.Devices.Display = true
	cfg.Display = DisplayConfig{Width: 16384, Height: 720}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("oversized display accepted: %v", err)
	}
}

func TestParseDefaults(t *testing.T) {
	kernel := touch(t, "bzImage")
	cfg, err := Parse([]byte(`
memoryMB: 256
cpus: 1
boot:
  kernel: ` + kernel + `
devices:
  serial: true
  display: true
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GPU != GPUOff {
		t.Errorf("gpu default %q", cfg.GPU)
	}
	if cfg.DataDir != "." {
		t.Errorf("dataDir default %q", cfg.DataDir)
	}
	if cfg.Display.Width != 1280 || cfg.Display.Height != 720 {
		t.Errorf("display default %dx%d", cfg.Display.Width, cfg.Display.Height)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("memoryMB: 256\ncpus: 1\nturboMode: true\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	kernel := touch(t, "bzImage")
	path := filepath.Join(t.TempDir(), "vm.yaml")
	body := "memoryMB: 128\ncpus: 2\nboot:\n  kernel: " + kernel + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MemoryMB != 128 || cfg.CPUs != 2 {
		t.Errorf("got %+v", cfg)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
