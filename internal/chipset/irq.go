package chipset

import (
	"log/slog"
	"sync"
)

const irqQueueDepth = 256

// IRQRouter queues interrupt requests per device and delivers them
// asynchronously through the session's interrupt controller. One drainer
// goroutine per device preserves same-device submission order; nothing is
// guaranteed across devices.
type IRQRouter struct {
	sink func(line uint32) error

	mu     sync.Mutex
	queues map[string]chan uint32
	wg     sync.WaitGroup
	closed bool
}

func newIRQRouter(sink func(line uint32) error) *IRQRouter {
	return &IRQRouter{
		sink:   sink,
		queues: make(map[string]chan uint32),
	}
}

func (r *IRQRouter) inject(deviceName string, line uint32) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	q, ok := r.queues[deviceName]
	if !ok {
		q = make(chan uint32, irqQueueDepth)
		r.queues[deviceName] = q
		r.wg.Add(1)
		go r.drain(deviceName, q)
	}

	// The send stays under the lock so a concurrent drop cannot close the
	// channel between lookup and send. It is non-blocking: on overflow we
	// discard rather than stall the injecting device; a level of 256
	// outstanding pulses means the guest stopped servicing them.
	select {
	case q <- line:
	default:
		slog.Debug("chipset: interrupt queue overflow", "device", deviceName, "line", line)
	}
	r.mu.Unlock()
}

func (r *IRQRouter) drain(deviceName string, q chan uint32) {
	defer r.wg.Done()
	for line := range q {
		if err := r.sink(line); err != nil {
			slog.Debug("chipset: interrupt delivery", "device", deviceName, "line", line, "error", err)
		}
	}
}

// drop removes the device's queue, discarding pending interrupts.
func (r *IRQRouter) drop(deviceName string) {
	r.mu.Lock()
	q, ok := r.queues[deviceName]
	if ok {
		delete(r.queues, deviceName)
	}
	r.mu.Unlock()
	if ok {
		close(q)
	}
}

func (r *IRQRouter) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	queues := r.queues
	r.queues = make(map[string]chan uint32)
	r.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	r.wg.Wait()
}

// Line is a per-device interrupt handle, the only way devices raise
// interrupts.
type Line struct {
	router *IRQRouter
	device string
	line   uint32
}

func (r *IRQRouter) line(deviceName string, line uint32) *Line {
	return &Line{router: r, device: deviceName, line: line}
}

// Pulse enqueues one edge-triggered interrupt.
func (l *Line) Pulse() {
	l.router.inject(l.device, l.line)
}
