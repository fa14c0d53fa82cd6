package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// FrameSinkCapacity is the number of undelivered frames a sink may hold.
const FrameSinkCapacity = 2

// SinkFactory allocates the frame sink for a new session.
type SinkFactory func(capacity int, deliver func(Frame)) (*FrameSink, error)

// FrameSink is a bounded queue between a binding (producer) and the
// controller (consumer). Push never blocks: when the queue is full the
// oldest undelivered frame is evicted. Delivery runs on the sink's own
// goroutine once Start has been called.
type FrameSink struct {
	deliver  func(Frame)
	capacity int

	mu     sync.Mutex
	queue  []Frame
	closed bool

	ready     chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	pushed      atomic.Uint64
	evicted     atomic.Uint64
	lastDropLog atomic.Int64
}

// NewFrameSink creates a sink; it does not deliver until Start.
func NewFrameSink(capacity int, deliver func(Frame)) (*FrameSink, error) {
	if capacity <= 0 {
		return nil, errors.New("frame sink capacity must be positive")
	}
	if deliver == nil {
		return nil, errors.New("frame sink requires a delivery function")
	}
	return &FrameSink{
		deliver:  deliver,
		capacity: capacity,
		queue:    make([]Frame, 0, capacity),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the delivery goroutine
func (s *FrameSink) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Push admits a frame, evicting the oldest queued frame when full.
// Returns false once the sink is closed.
func (s *FrameSink) Push(f Frame) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	evicted := false
	if len(s.queue) >= s.capacity {
		s.queue[0] = Frame{}
		s.queue = append(s.queue[:0], s.queue[1:]...)
		evicted = true
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	s.pushed.Add(1)
	if evicted {
		total := s.evicted.Add(1)
		if shouldLogEvery(&s.lastDropLog, time.Second) {
			logger.WithComponent("frame-sink").Debug().
				Uint64("evicted_total", total).
				Msg("Sink full, dropped oldest frame")
		}
	}

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

// Len is the number of undelivered frames
func (s *FrameSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Capacity returns the configured bound
func (s *FrameSink) Capacity() int {
	return s.capacity
}

// Evicted counts frames dropped by backpressure
func (s *FrameSink) Evicted() uint64 {
	return s.evicted.Load()
}

// Pushed counts frames admitted by Push
func (s *FrameSink) Pushed() uint64 {
	return s.pushed.Load()
}

// Close stops delivery, waits for an in-flight delivery to return and
// drops anything still queued. Idempotent.
func (s *FrameSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *FrameSink) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.ready:
		}

		for {
			f, ok := s.pop()
			if !ok {
				break
			}
			s.deliver(f)
		}
	}
}

func (s *FrameSink) pop() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return Frame{}, false
	}
	f := s.queue[0]
	s.queue[0] = Frame{}
	s.queue = s.queue[1:]
	return f, true
}

// shouldLogEvery rate-limits noisy log lines to one per period
func shouldLogEvery(last *atomic.Int64, period time.Duration) bool {
	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
