//go:build linux

package vmm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/droidvisor/droidvisor/internal/config"
	"github.com/droidvisor/droidvisor/internal/guestmem"
	"github.com/droidvisor/droidvisor/internal/hv"
)

// Snapshot file: a fixed header identifying magic, format version, and
// CPU architecture, a gob-encoded metadata block, then the raw guest
// memory regions in layout order.
const snapshotVersion uint32 = 1

var snapshotMagic = [4]byte{'D', 'V', 'S', 'N'}

// ErrBadSnapshot is returned for files that are not snapshots or were
// taken with an incompatible format version or architecture.
var ErrBadSnapshot = errors.New("incompatible snapshot")

type snapshotRegion struct {
	GuestPhysAddr uint64
	Size          uint64
}

type snapshotMeta struct {
	Config    config.VMConfig
	Registers []hv.Registers
	System    []hv.SystemRegisters
	Devices   map[string][]byte
	Regions   []snapshotRegion
}

// deviceState is implemented by devices whose guest-visible state is
// worth carrying across a snapshot. Devices without it are reset on load.
type deviceState interface {
	SaveState() ([]byte, error)
	RestoreState([]byte) error
}

// snapshotters returns the live devices that support state capture,
// keyed by registry name.
func (s *session) snapshotters() map[string]deviceState {
	out := make(map[string]deviceState)
	for _, d := range []struct {
		name string
		dev  any
	}{
		{"serial0", s.serial},
		{"disk0", s.block},
		{"net0", s.net},
		{"input0", s.input},
		{"display0", s.display},
	} {
		if d.dev == nil {
			continue
		}
		if ds, ok := d.dev.(deviceState); ok {
			out[d.name] = ds
		}
	}
	return out
}

// SaveSnapshot writes the full session state to path: config, vCPU
// registers, device states, and guest memory. The session must be Paused;
// a Running session is paused for the duration and resumed afterwards.
func (c *Controller) SaveSnapshot(path string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePaused:
	case StateRunning:
		c.sess.pause()
		defer c.sess.resume()
	default:
		return fmt.Errorf("vmm: snapshot from %s: %w", c.state, ErrInvalidState)
	}
	s := c.sess

	meta := snapshotMeta{
		Config:  s.cfg,
		Devices: make(map[string][]byte),
	}
	for _, cpu := range s.vcpus {
		regs, err := cpu.GetRegisters()
		if err != nil {
			return fmt.Errorf("vmm: snapshot vCPU %d registers: %w", cpu.ID(), err)
		}
		sregs, err := cpu.GetSystemRegisters()
		if err != nil {
			return fmt.Errorf("vmm: snapshot vCPU %d system registers: %w", cpu.ID(), err)
		}
		meta.Registers = append(meta.Registers, regs)
		meta.System = append(meta.System, sregs)
	}
	for name, dev := range s.snapshotters() {
		state, err := dev.SaveState()
		if err != nil {
			return fmt.Errorf("vmm: snapshot device %s: %w", name, err)
		}
		meta.Devices[name] = state
	}
	for _, r := range guestmem.PlanLayout(s.cfg.MemoryBytes()) {
		meta.Regions = append(meta.Regions, snapshotRegion{
			GuestPhysAddr: r.GuestPhysAddr,
			Size:          r.Size,
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vmm: create snapshot: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("vmm: close snapshot: %w", cerr)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	w := bufio.NewWriterSize(f, 1<<20)
	if err := writeSnapshotHeader(w, string(s.hyp.Architecture()), meta); err != nil {
		return err
	}
	for _, r := range meta.Regions {
		sr := io.NewSectionReader(s.vm, int64(r.GuestPhysAddr), int64(r.Size))
		if _, err := io.Copy(w, sr); err != nil {
			return fmt.Errorf("vmm: snapshot memory at 0x%x: %w", r.GuestPhysAddr, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("vmm: write snapshot: %w", err)
	}
	c.log.Info("vmm: snapshot saved", "path", path)
	return nil
}

func writeSnapshotHeader(w io.Writer, arch string, meta snapshotMeta) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return fmt.Errorf("vmm: encode snapshot metadata: %w", err)
	}

	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, snapshotVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(arch))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, arch); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(buf.Len())); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readSnapshotHeader(r io.Reader) (arch string, meta snapshotMeta, err error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return "", meta, fmt.Errorf("vmm: read snapshot header: %w", err)
	}
	if magic != snapshotMagic {
		return "", meta, fmt.Errorf("vmm: bad magic: %w", ErrBadSnapshot)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return "", meta, fmt.Errorf("vmm: read snapshot header: %w", err)
	}
	if version != snapshotVersion {
		return "", meta, fmt.Errorf("vmm: version %d: %w", version, ErrBadSnapshot)
	}
	var archLen uint16
	if err := binary.Read(r, binary.LittleEndian, &archLen); err != nil {
		return "", meta, fmt.Errorf("vmm: read snapshot header: %w", err)
	}
	archBytes := make([]byte, archLen)
	if _, err := io.ReadFull(r, archBytes); err != nil {
		return "", meta, fmt.Errorf("vmm: read snapshot header: %w", err)
	}
	var metaLen uint64
	if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
		return "", meta, fmt.Errorf("vmm: read snapshot header: %w", err)
	}
	if err := gob.NewDecoder(io.LimitReader(r, int64(metaLen))).Decode(&meta); err != nil {
		return "", meta, fmt.Errorf("vmm: decode snapshot metadata: %w", err)
	}
	return string(archBytes), meta, nil
}

// LoadSnapshot builds a session from a snapshot file instead of booting.
// Only legal from Stopped; the restored session comes up Paused and is
// resumed by the caller.
func (c *Controller) LoadSnapshot(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStopped {
		return fmt.Errorf("vmm: load snapshot from %s: %w", c.state, ErrInvalidState)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("vmm: open snapshot: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	arch, meta, err := readSnapshotHeader(r)
	if err != nil {
		return err
	}

	hyp, ownsHyp, err := c.openHypervisor()
	if err != nil {
		return fmt.Errorf("vmm: %w: %v", ErrHypervisorUnavailable, err)
	}
	if got := string(hyp.Architecture()); got != arch {
		if ownsHyp {
			hyp.Close()
		}
		return fmt.Errorf("vmm: snapshot is %s, host is %s: %w", arch, got, ErrBadSnapshot)
	}

	cfg := meta.Config
	if len(meta.Registers) != cfg.CPUs || len(meta.System) != cfg.CPUs {
		if ownsHyp {
			hyp.Close()
		}
		return fmt.Errorf("vmm: register snapshots for %d of %d vCPUs: %w",
			len(meta.Registers), cfg.CPUs, ErrBadSnapshot)
	}

	sess, err := newSession(c.log, hyp, ownsHyp, cfg, c.opts.SerialOutput, true)
	if err != nil {
		return err
	}
	if err := sess.restore(r, meta); err != nil {
		sess.teardown()
		return err
	}

	c.sess = sess
	c.fault = nil
	c.started = time.Now()
	sess.start(true, c.markRunning, c.sessionExited(sess))
	c.setStateLocked(StatePaused, nil)
	c.log.Info("vmm: snapshot restored", "path", path)
	return nil
}

// restore copies saved memory and register state into a freshly built
// session. The reader is positioned at the start of the raw memory
// section.
func (s *session) restore(r io.Reader, meta snapshotMeta) error {
	planned := guestmem.PlanLayout(s.cfg.MemoryBytes())
	if len(planned) != len(meta.Regions) {
		return fmt.Errorf("vmm: snapshot has %d memory regions, layout has %d: %w",
			len(meta.Regions), len(planned), ErrBadSnapshot)
	}
	for i, p := range planned {
		if meta.Regions[i].GuestPhysAddr != p.GuestPhysAddr || meta.Regions[i].Size != p.Size {
			return fmt.Errorf("vmm: snapshot region %d does not match layout: %w", i, ErrBadSnapshot)
		}
	}

	buf := make([]byte, 1<<20)
	for _, reg := range meta.Regions {
		for off := uint64(0); off < reg.Size; {
			n := uint64(len(buf))
			if rest := reg.Size - off; rest < n {
				n = rest
			}
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				return fmt.Errorf("vmm: snapshot memory truncated: %w", err)
			}
			if _, err := s.vm.WriteAt(buf[:n], int64(reg.GuestPhysAddr+off)); err != nil {
				return fmt.Errorf("vmm: restore memory at 0x%x: %w", reg.GuestPhysAddr+off, err)
			}
			off += n
		}
	}

	for i, cpu := range s.vcpus {
		if err := cpu.SetRegisters(&meta.Registers[i]); err != nil {
			return fmt.Errorf("vmm: restore vCPU %d registers: %w", i, err)
		}
		if err := cpu.SetSystemRegisters(&meta.System[i]); err != nil {
			return fmt.Errorf("vmm: restore vCPU %d system registers: %w", i, err)
		}
	}

	devices := s.snapshotters()
	for name, state := range meta.Devices {
		dev, ok := devices[name]
		if !ok {
			s.log.Warn("vmm: snapshot state for absent device", "device", name)
			continue
		}
		if err := dev.RestoreState(state); err != nil {
			return fmt.Errorf("vmm: restore device %s: %w", name, err)
		}
	}
	return nil
}
