//go:build linux

// Package probe inspects the host before a session starts: hypervisor
// access, CPU virtualization extensions, memory and disk headroom, and a
// best-effort GPU renderer query. Probing never fails; every check
// degrades to a reason string and an entry in the missing list.
package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const kvmDevice = "/dev/kvm"

// Capabilities is the result of one probe pass.
type Capabilities struct {
	// HypervisorOK reports whether a session could be opened right now;
	// HypervisorReason explains why not.
	HypervisorOK     bool   `yaml:"hypervisor_ok"`
	HypervisorReason string `yaml:"hypervisor_reason,omitempty"`

	CPUVendor string `yaml:"cpu_vendor"`

	// VirtExtension is "vmx", "svm" or empty.
	VirtExtension string `yaml:"virt_extension,omitempty"`

	TotalRAMBytes uint64 `yaml:"total_ram_bytes"`
	DiskFreeBytes uint64 `yaml:"disk_free_bytes"`

	// GPURenderer is the EGL vendor/version string, empty when no usable
	// GPU stack was found.
	GPURenderer string `yaml:"gpu_renderer,omitempty"`

	// Missing lists the components a full-featured session would want
	// but the host lacks.
	Missing []string `yaml:"missing,omitempty"`
}

// Probe runs all checks. The GPU query runs under the context's deadline
// so a wedged driver cannot stall the caller; everything else is fast.
func Probe(ctx context.Context, logger *slog.Logger, dataDir string) Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	var caps Capabilities

	caps.HypervisorOK, caps.HypervisorReason = checkHypervisor()
	if !caps.HypervisorOK {
		caps.Missing = append(caps.Missing, "kvm")
	}

	caps.CPUVendor, caps.VirtExtension = readCPUInfo(logger)
	if caps.VirtExtension == "" {
		caps.Missing = append(caps.Missing, "virtualization-extensions")
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		logger.Warn("probe: sysinfo", "error", err)
	} else {
		caps.TotalRAMBytes = uint64(si.Totalram) * uint64(si.Unit)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(dataDir, &st); err != nil {
		logger.Warn("probe: statfs", "dir", dataDir, "error", err)
	} else {
		caps.DiskFreeBytes = uint64(st.Bavail) * uint64(st.Bsize)
	}

	caps.GPURenderer = queryGPU(ctx, logger)
	if caps.GPURenderer == "" {
		caps.Missing = append(caps.Missing, "gpu")
	}

	return caps
}

func checkHypervisor() (bool, string) {
	fd, err := unix.Open(kvmDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	switch {
	case err == nil:
		unix.Close(fd)
		return true, ""
	case os.IsNotExist(err):
		return false, fmt.Sprintf("%s not present; kvm module not loaded or nested virtualization disabled", kvmDevice)
	case os.IsPermission(err):
		return false, fmt.Sprintf("%s not accessible; user needs membership in the kvm group", kvmDevice)
	default:
		return false, fmt.Sprintf("open %s: %v", kvmDevice, err)
	}
}

func readCPUInfo(logger *slog.Logger) (vendor, ext string) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		logger.Warn("probe: cpuinfo", "error", err)
		return "", ""
	}
	defer f.Close()
	return parseCPUInfo(f)
}

func parseCPUInfo(r io.Reader) (vendor, ext string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 64<<10)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "vendor_id":
			if vendor == "" {
				vendor = value
			}
		case "flags":
			if ext == "" {
				ext = virtFlag(value)
			}
		}
		if vendor != "" && ext != "" {
			break
		}
	}
	return vendor, ext
}

func virtFlag(flags string) string {
	for _, f := range strings.Fields(flags) {
		if f == "vmx" || f == "svm" {
			return f
		}
	}
	return ""
}

// queryGPU asks the EGL stack for its vendor and version. The query runs
// on its own goroutine; a driver that hangs past the deadline just leaks
// that goroutine until it finishes.
func queryGPU(ctx context.Context, logger *slog.Logger) string {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}

	result := make(chan string, 1)
	go func() {
		renderer, err := eglRendererString()
		if err != nil {
			logger.Debug("probe: egl query", "error", err)
			result <- ""
			return
		}
		result <- renderer
	}()

	select {
	case r := <-result:
		return r
	case <-ctx.Done():
		logger.Warn("probe: gpu query timed out")
		return ""
	}
}
