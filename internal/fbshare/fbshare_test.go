//go:build linux

package fbshare

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func testLayout() Layout {
	return Layout{Width: 64, Height: 32, Format: FormatXRGB8888}
}

func TestLayoutNormalize(t *testing.T) {
	l := testLayout()
	if err := l.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if l.Stride != 64*4 {
		t.Errorf("stride %d, want %d", l.Stride, 64*4)
	}
	if l.SegmentSize() != HeaderSize+2*64*4*32 {
		t.Errorf("segment size %d", l.SegmentSize())
	}

	bad := Layout{Width: 64, Height: 32, Stride: 100}
	if err := bad.normalize(); err == nil {
		t.Error("undersized stride accepted")
	}
	var zero Layout
	if err := zero.normalize(); err == nil {
		t.Error("zero geometry accepted")
	}
}

func TestPublishFlipsFront(t *testing.T) {
	b, err := New(testLayout())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	w := b.Writer()
	r := b.Reader()

	back := w.Back()
	back[0] = 0xAA
	w.Publish()

	frame, counter := r.Frame()
	if counter != 1 {
		t.Errorf("counter %d, want 1", counter)
	}
	if frame[0] != 0xAA {
		t.Errorf("front pixel 0x%x, want 0xAA", frame[0])
	}
	if &w.Back()[0] == &frame[0] {
		t.Error("writer's back buffer aliases the front buffer")
	}

	w.Back()[0] = 0xBB
	w.Publish()
	frame, counter = r.Frame()
	if counter != 2 || frame[0] != 0xBB {
		t.Errorf("after second flip: counter %d pixel 0x%x", counter, frame[0])
	}
}

func TestOpenValidatesHeader(t *testing.T) {
	b, err := New(testLayout())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	b.Writer().Publish()

	view, err := Open(b.File())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer view.Close()

	if view.Layout() != b.Layout() {
		t.Errorf("layout %+v, want %+v", view.Layout(), b.Layout())
	}
	if view.FrameCounter() != 1 {
		t.Errorf("counter %d, want 1", view.FrameCounter())
	}

	// A second mapping observes frames published through the first.
	b.Writer().Back()[4] = 0x77
	b.Writer().Publish()
	frame, counter := view.Reader().Frame()
	if counter != 2 || frame[4] != 0x77 {
		t.Errorf("cross-mapping read: counter %d pixel 0x%x", counter, frame[4])
	}
}

func TestOpenRejectsForeignFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "scratch")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer f.Close()

	// Too short for a header.
	if _, err := Open(f); !errors.Is(err, ErrBadSegment) {
		t.Errorf("Open short file: got %v, want ErrBadSegment", err)
	}

	// Long enough but not a segment.
	if err := f.Truncate(4096); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := Open(f); !errors.Is(err, ErrBadSegment) {
		t.Errorf("Open foreign file: got %v, want ErrBadSegment", err)
	}
}

func TestWait(t *testing.T) {
	b, err := New(testLayout())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	r := b.Reader()

	ok, err := r.Wait(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ok {
		t.Error("Wait reported a frame before any publish")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Writer().Publish()
	}()
	ok, err = r.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ok {
		t.Fatal("Wait timed out despite publish")
	}

	// Already-consumed frame does not satisfy a second wait.
	ok, err = r.Wait(10 * time.Millisecond)
	if err != nil || ok {
		t.Errorf("second Wait: ok=%v err=%v", ok, err)
	}
}

func TestCloseWakesWaiter(t *testing.T) {
	b, err := New(testLayout())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := b.Reader()
	done := make(chan error, 1)
	go func() {
		_, err := r.Wait(10 * time.Second)
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Wait after close: %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by Close")
	}
}

// Every frame is filled with its own counter value as a sentinel; under
// concurrent read/write stress no reader may ever observe a frame mixing
// two sentinels. This is the torn-frame check for the flip protocol.
func TestNoTornFrames(t *testing.T) {
	b, err := New(Layout{Width: 32, Height: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	const frames = 2000
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := b.Reader()
			frame := make([]byte, b.Layout().bufferSize())
			for {
				select {
				case <-stop:
					return
				default:
				}
				counter := r.Snapshot(frame)
				if counter == 0 {
					continue
				}
				for off := 0; off+4 <= len(frame); off += 4 {
					if got := binary.LittleEndian.Uint32(frame[off:]); uint64(got) != counter {
						t.Errorf("torn frame %d: pixel %d reads %d", counter, off/4, got)
						return
					}
				}
			}
		}()
	}

	w := b.Writer()
	for n := uint32(1); n <= frames; n++ {
		back := w.Back()
		for off := 0; off+4 <= len(back); off += 4 {
			binary.LittleEndian.PutUint32(back[off:], n)
		}
		w.Publish()
	}
	close(stop)
	wg.Wait()

	if got := b.FrameCounter(); got != frames {
		t.Errorf("counter %d, want %d", got, frames)
	}
}
