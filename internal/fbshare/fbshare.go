//go:build linux

// Package fbshare implements the double-buffered shared framebuffer
// protocol between the display device backend and an external presenter.
// The segment is a memfd so it can be handed to another process; the
// layout is a bit-exact contract:
//
//	offset 0:    64-byte header (magic, version, geometry, front index,
//	             sync word, frame counter)
//	offset 64:   pixel buffer 0 (stride * height)
//	offset 64+N: pixel buffer 1
//
// The writer only ever touches the buffer that is not front, flips the
// front index atomically, then wakes the sync word. Readers only ever read
// the buffer named by the front index they observed, so no frame is seen
// torn.
package fbshare

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/abi/linux"
)

const (
	// HeaderSize is the fixed size of the metadata header.
	HeaderSize = 64

	magic   = 0x42465644 // "DVFB" little-endian
	version = 1

	offMagic   = 0
	offVersion = 4
	offWidth   = 8
	offHeight  = 12
	offStride  = 16
	offFormat  = 20
	offFront   = 24
	offSync    = 28
	offCounter = 32
)

var (
	// ErrBadSegment is returned when an opened segment does not carry the
	// expected magic, version or size.
	ErrBadSegment = errors.New("not a framebuffer segment")

	// ErrClosed is returned from Wait after the bridge is closed.
	ErrClosed = errors.New("framebuffer closed")
)

// Format tags the pixel channel order. Four bytes per pixel always.
type Format uint32

const (
	// FormatXRGB8888 is little-endian BGRX in memory, the format scanout
	// hardware and most presenters agree on.
	FormatXRGB8888 Format = 1
)

// Layout is the negotiated geometry of one segment. Changing resolution
// means negotiating a new segment, never resizing a live one.
type Layout struct {
	Width  uint32
	Height uint32
	Stride uint32 // bytes per row; 0 means Width*4
	Format Format
}

func (l *Layout) normalize() error {
	if l.Width == 0 || l.Height == 0 {
		return fmt.Errorf("fbshare: zero geometry %dx%d", l.Width, l.Height)
	}
	if l.Stride == 0 {
		l.Stride = l.Width * 4
	}
	if l.Stride < l.Width*4 {
		return fmt.Errorf("fbshare: stride %d below row size %d", l.Stride, l.Width*4)
	}
	if l.Format == 0 {
		l.Format = FormatXRGB8888
	}
	return nil
}

func (l Layout) bufferSize() int { return int(l.Stride) * int(l.Height) }

// SegmentSize returns the total byte size of a segment with this layout.
func (l Layout) SegmentSize() int { return HeaderSize + 2*l.bufferSize() }

// Bridge is one mapped framebuffer segment. Exactly one Writer may
// publish into it; any number of Readers may consume from it, in this
// process or another one holding the memfd.
type Bridge struct {
	file   *os.File
	mem    []byte
	layout Layout
	closed atomic.Bool

	// waitMu is held in read mode while a Wait touches the mapping, so
	// Close can unmap only after blocked waiters have drained.
	waitMu sync.RWMutex
}

// New allocates a fresh segment on a memfd, maps it and writes the
// header. The caller owns the returned bridge and releases it with Close.
func New(layout Layout) (*Bridge, error) {
	if err := layout.normalize(); err != nil {
		return nil, err
	}

	fd, err := unix.MemfdCreate("droidvisor-fb", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("fbshare: memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), "droidvisor-fb")

	size := layout.SegmentSize()
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("fbshare: size segment to %d: %w", size, err)
	}
	// The layout contract forbids live resize, so seal the size before
	// anyone else sees the fd.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		file.Close()
		return nil, fmt.Errorf("fbshare: seal segment: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("fbshare: map segment: %w", err)
	}

	b := &Bridge{file: file, mem: mem, layout: layout}
	b.storeU32(offMagic, magic)
	b.storeU32(offVersion, version)
	b.storeU32(offWidth, layout.Width)
	b.storeU32(offHeight, layout.Height)
	b.storeU32(offStride, layout.Stride)
	b.storeU32(offFormat, uint32(layout.Format))
	return b, nil
}

// Open maps an existing segment from its file handle and validates the
// header. The bridge does not take ownership of the file.
func Open(file *os.File) (*Bridge, error) {
	st, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("fbshare: stat segment: %w", err)
	}
	if st.Size() < HeaderSize {
		return nil, fmt.Errorf("fbshare: segment is %d bytes: %w", st.Size(), ErrBadSegment)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("fbshare: map segment: %w", err)
	}

	b := &Bridge{mem: mem}
	if b.loadU32(offMagic) != magic || b.loadU32(offVersion) != version {
		gotMagic, gotVersion := b.loadU32(offMagic), b.loadU32(offVersion)
		unix.Munmap(mem)
		return nil, fmt.Errorf("fbshare: magic 0x%x version %d: %w",
			gotMagic, gotVersion, ErrBadSegment)
	}
	b.layout = Layout{
		Width:  b.loadU32(offWidth),
		Height: b.loadU32(offHeight),
		Stride: b.loadU32(offStride),
		Format: Format(b.loadU32(offFormat)),
	}
	if err := b.layout.normalize(); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	if int(st.Size()) < b.layout.SegmentSize() {
		unix.Munmap(mem)
		return nil, fmt.Errorf("fbshare: segment shorter than its layout: %w", ErrBadSegment)
	}
	return b, nil
}

// File returns the memfd backing the segment, the handle handed to the
// external presenter. Nil for bridges created with Open.
func (b *Bridge) File() *os.File { return b.file }

func (b *Bridge) Layout() Layout { return b.layout }

// FrameCounter returns the number of frames published so far.
func (b *Bridge) FrameCounter() uint64 { return b.loadU64(offCounter) }

// Close wakes blocked readers, unmaps the segment and closes the memfd.
// Readers must not call Frame or Snapshot once Close has returned; Wait
// is safe concurrently with Close and reports ErrClosed.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Bump the sync word so waiters re-check and see the closed flag,
	// then wait for them to leave the mapping before it goes away.
	atomic.AddUint32(b.u32(offSync), 1)
	futexWake(b.u32(offSync))
	b.waitMu.Lock()
	defer b.waitMu.Unlock()

	err := unix.Munmap(b.mem)
	b.mem = nil
	if b.file != nil {
		if cerr := b.file.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("fbshare: close: %w", err)
	}
	return nil
}

func (b *Bridge) buffer(index uint32) []byte {
	n := b.layout.bufferSize()
	off := HeaderSize + int(index&1)*n
	return b.mem[off : off+n : off+n]
}

func (b *Bridge) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

func (b *Bridge) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b.mem[off]))
}

func (b *Bridge) loadU32(off int) uint32     { return atomic.LoadUint32(b.u32(off)) }
func (b *Bridge) storeU32(off int, v uint32) { atomic.StoreUint32(b.u32(off), v) }
func (b *Bridge) loadU64(off int) uint64     { return atomic.LoadUint64(b.u64(off)) }

// Writer publishes frames into the segment. One writer per segment.
type Writer struct {
	b *Bridge
}

// Writer returns the publishing side of the bridge.
func (b *Bridge) Writer() *Writer { return &Writer{b: b} }

// Back returns the buffer the next frame is rendered into. It is never
// the buffer a reader can currently observe as front.
func (w *Writer) Back() []byte {
	front := w.b.loadU32(offFront)
	return w.b.buffer(1 - (front & 1))
}

// Publish flips the finished back buffer to front, advances the frame
// counter and wakes blocked readers. After Publish returns, Back names
// the other buffer.
func (w *Writer) Publish() {
	front := w.b.loadU32(offFront)
	w.b.storeU32(offFront, 1-(front&1))
	atomic.AddUint64(w.b.u64(offCounter), 1)
	atomic.AddUint32(w.b.u32(offSync), 1)
	futexWake(w.b.u32(offSync))
}

// Reader consumes published frames. Each reader tracks the last sync
// value it observed; readers never block the writer.
type Reader struct {
	b        *Bridge
	lastSync uint32
}

// Reader returns a consuming side of the bridge.
func (b *Bridge) Reader() *Reader { return &Reader{b: b} }

// Frame returns the current front buffer and the frame counter that
// published it. The returned slice stays valid and untouched by the
// writer until the next flip, so callers present or copy it promptly.
func (r *Reader) Frame() ([]byte, uint64) {
	front := r.b.loadU32(offFront)
	counter := r.b.loadU64(offCounter)
	return r.b.buffer(front), counter
}

// Snapshot copies a consistent frame into dst and returns its frame
// counter. The returned copy is never torn: if the writer publishes while
// the copy is in progress, the copy is retried against the new front
// buffer. dst must hold at least one buffer's worth of bytes.
func (r *Reader) Snapshot(dst []byte) uint64 {
	for {
		front := r.b.loadU32(offFront)
		counter := r.b.loadU64(offCounter)
		copy(dst, r.b.buffer(front))
		if r.b.loadU64(offCounter) == counter && r.b.loadU32(offFront) == front {
			return counter
		}
	}
}

// Wait blocks until a frame newer than the last observed one is
// published or the timeout elapses. It returns true when a new frame is
// available and false on timeout.
func (r *Reader) Wait(timeout time.Duration) (bool, error) {
	// The futex sleep is chunked so a wake racing with the sync-word load
	// can never strand the waiter for the caller's whole timeout, and so
	// Close is only ever delayed by one chunk.
	const chunk = 100 * time.Millisecond

	deadline := time.Now().Add(timeout)
	for {
		ok, stop, err := r.waitOnce(deadline, chunk)
		if stop || err != nil {
			return ok, err
		}
	}
}

func (r *Reader) waitOnce(deadline time.Time, chunk time.Duration) (ok, stop bool, err error) {
	r.b.waitMu.RLock()
	defer r.b.waitMu.RUnlock()

	if r.b.closed.Load() {
		return false, true, ErrClosed
	}
	cur := r.b.loadU32(offSync)
	if cur != r.lastSync {
		r.lastSync = cur
		return true, true, nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, true, nil
	}
	if remaining > chunk {
		remaining = chunk
	}
	if err := futexWait(r.b.u32(offSync), cur, remaining); err != nil {
		return false, true, err
	}
	return false, false, nil
}

func futexWake(addr *uint32) {
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		linux.FUTEX_WAKE, uintptr(^uint32(0)>>1), 0, 0, 0)
}

func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		linux.FUTEX_WAIT, uintptr(val), uintptr(unsafe.Pointer(&ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		// Value moved, signal, or timeout: the caller re-checks.
		return nil
	default:
		return fmt.Errorf("fbshare: futex wait: %w", errno)
	}
}
