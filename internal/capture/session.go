package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// Options wires the controller's collaborators
type Options struct {
	Binder    Binder
	Metrics   MetricsSource
	KeepAlive KeepAlive
	NewSink   SinkFactory
	Now       func() time.Time
}

// Status is a point-in-time view of the controller
type Status struct {
	State           State     `json:"state"`
	Capturing       bool      `json:"capturing"`
	StreamID        string    `json:"stream_id,omitempty"`
	Metrics         *Metrics  `json:"metrics,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	FramesDelivered uint64    `json:"frames_delivered"`
	FramesDropped   uint64    `json:"frames_dropped"`
	FramesEvicted   uint64    `json:"frames_evicted"`
}

// Controller owns the capture session state machine. Start and Stop
// serialize on one transition lock: a Stop issued while Start is acquiring
// waits, then tears down whatever Start left Active.
type Controller struct {
	binder    Binder
	metrics   MetricsSource
	keepAlive KeepAlive
	newSink   SinkFactory
	now       func() time.Time

	// mu serializes transitions (Start, Stop, runtime failure, refresh)
	mu sync.Mutex

	// stateMu guards current; frame forwarding holds it shared so teardown
	// cannot proceed while a frame is being handed to the callback
	stateMu sync.RWMutex
	current sessionState

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewController creates an Idle controller
func NewController(opts Options) (*Controller, error) {
	if opts.Binder == nil {
		return nil, fmt.Errorf("capture controller requires a binder")
	}
	c := &Controller{
		binder:    opts.Binder,
		metrics:   opts.Metrics,
		keepAlive: opts.KeepAlive,
		newSink:   opts.NewSink,
		now:       opts.Now,
		current:   idleState{},
	}
	if c.keepAlive == nil {
		c.keepAlive = nopKeepAlive{}
	}
	if c.newSink == nil {
		c.newSink = NewFrameSink
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// State returns the current lifecycle phase
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.current.phase()
}

// Start consumes tok and brings up a new session. On any acquisition
// failure everything allocated so far is released, the token is discarded,
// cb.OnError fires and the controller is back to Idle.
func (c *Controller) Start(tok *Token, cb Callback) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb == nil {
		cb = nopCallback{}
	}

	if st := c.State(); st != StateIdle {
		return "", ErrAlreadyCapturing
	}
	if tok.Consumed() {
		return "", ErrNoAuthorization
	}
	if err := tok.Consume(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoAuthorization, err)
	}

	id := newSessionID(c.now())
	log := logger.WithSession("capture-controller", id)
	c.setState(startingState{id: id})
	log.Debug().Msg("Acquiring capture resources")

	session, err := c.acquire(id, tok)
	if err != nil {
		if derr := tok.Discard(); derr != nil {
			log.Warn().Err(derr).Msg("Failed to discard permission token after rollback")
		}
		c.setState(idleState{})
		log.Error().Err(err).Msg("Screen capture start failed, resources rolled back")
		emit(log, "error", func() { cb.OnError(err) })
		return "", err
	}

	c.setState(activeState{session: session, callback: cb})
	session.sink.Start()

	log.Info().
		Int("width", session.Metrics.Width).
		Int("height", session.Metrics.Height).
		Int("density", session.Metrics.Density).
		Msg("Screen capture started")
	emit(log, "started", func() { cb.OnStarted(id, session.Metrics) })

	return id, nil
}

// acquire allocates the sink, the binding and the keep-alive in that order,
// undoing completed steps in reverse if a later one fails
func (c *Controller) acquire(id string, tok *Token) (session *Session, err error) {
	var rollback []func() error
	defer func() {
		if err == nil {
			return
		}
		log := logger.WithSession("capture-controller", id)
		for i := len(rollback) - 1; i >= 0; i-- {
			if rerr := guard(rollback[i]); rerr != nil {
				log.Warn().Err(rerr).Msg("Rollback step failed")
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			session = nil
			err = &AcquisitionError{Stage: "capture resources", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	metrics, err := c.resolveMetrics(tok)
	if err != nil {
		return nil, &AcquisitionError{Stage: "display metrics", Err: err}
	}

	sink, err := c.newSink(FrameSinkCapacity, func(f Frame) { c.forward(id, f) })
	if err != nil {
		return nil, &AcquisitionError{Stage: "frame sink", Err: err}
	}
	if sink == nil {
		return nil, &AcquisitionError{Stage: "frame sink", Err: errors.New("sink factory returned nil")}
	}
	rollback = append(rollback, sink.Close)

	binding, err := c.binder.Bind(tok, sink, metrics, func(ferr error) { c.handleRuntimeFailure(id, ferr) })
	if err != nil {
		return nil, &AcquisitionError{Stage: "surface binding", Err: err}
	}
	rollback = append(rollback, binding.Release)

	if err := c.keepAlive.Begin(indicatorFor(id, metrics), func() { c.stopSession(id) }); err != nil {
		return nil, &AcquisitionError{Stage: "keep-alive", Err: err}
	}

	return &Session{
		ID:        id,
		Metrics:   metrics,
		StartedAt: c.now(),
		binding:   binding,
		sink:      sink,
		token:     tok,
	}, nil
}

func (c *Controller) resolveMetrics(tok *Token) (Metrics, error) {
	if m, ok := tok.MetricsHint(); ok {
		return m, m.Validate()
	}
	if c.metrics == nil {
		return Metrics{}, errors.New("no display metrics source configured")
	}
	m, err := c.metrics.DisplayMetrics()
	if err != nil {
		return Metrics{}, err
	}
	return m, m.Validate()
}

// Stop tears down the active session. No-op when Idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown("", nil)
}

// stopSession is the indicator's stop action; it only stops the session
// that installed it
func (c *Controller) stopSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown(id, nil)
}

// handleRuntimeFailure is called by the binding from its own goroutines,
// which Release may be waiting on, so the teardown runs elsewhere
func (c *Controller) handleRuntimeFailure(id string, cause error) {
	if cause == nil {
		cause = errors.New("capture binding failed")
	}
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.teardown(id, &RuntimeError{Err: cause}) {
			logger.WithSession("capture-controller", id).Debug().
				Err(cause).
				Msg("Ignoring failure from a session that is no longer active")
		}
	}()
}

// teardown moves an Active session through Stopping back to Idle. If id is
// set, only that session is torn down. Caller holds c.mu.
func (c *Controller) teardown(id string, cause error) bool {
	c.stateMu.Lock()
	active, ok := c.current.(activeState)
	if !ok || (id != "" && active.session.ID != id) {
		c.stateMu.Unlock()
		return false
	}
	c.current = stoppingState{session: active.session}
	c.stateMu.Unlock()

	s := active.session
	log := logger.WithSession("capture-controller", s.ID)
	log.Debug().Msg("Stopping screen capture")

	releaseErr := errors.Join(
		wrapStage("surface binding", guard(s.binding.Release)),
		wrapStage("frame sink", guard(s.sink.Close)),
		wrapStage("permission token", guard(s.token.Discard)),
	)
	if releaseErr != nil {
		log.Warn().Err(releaseErr).Msg("Capture teardown completed with errors")
	}

	if cause != nil {
		log.Error().Err(cause).Msg("Screen capture stopped after runtime failure")
		emit(log, "error", func() { active.callback.OnError(cause) })
	} else {
		log.Info().Dur("duration", c.now().Sub(s.StartedAt)).Msg("Screen capture stopped")
		emit(log, "stopped", active.callback.OnStopped)
	}

	if err := guard(c.keepAlive.End); err != nil {
		log.Warn().Err(err).Msg("Failed to end keep-alive")
	}

	c.setState(idleState{})
	return true
}

// forward hands a frame to the callback only while its session is Active
func (c *Controller) forward(id string, f Frame) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	active, ok := c.current.(activeState)
	if !ok || active.session.ID != id {
		c.dropped.Add(1)
		return
	}
	c.delivered.Add(1)
	active.callback.OnFrame(f)
}

// RefreshMetrics re-reads display geometry and updates the indicator. The
// session keeps the metrics it was created with.
func (c *Controller) RefreshMetrics() (Metrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.RLock()
	active, ok := c.current.(activeState)
	c.stateMu.RUnlock()
	if !ok {
		return Metrics{}, ErrNotCapturing
	}
	if c.metrics == nil {
		return active.session.Metrics, nil
	}

	m, err := c.metrics.DisplayMetrics()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to refresh display metrics: %w", err)
	}
	if err := c.keepAlive.Refresh(indicatorFor(active.session.ID, m)); err != nil {
		return m, fmt.Errorf("failed to refresh indicator: %w", err)
	}
	return m, nil
}

// Status reports the current phase and counters
func (c *Controller) Status() Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	st := Status{
		State:           c.current.phase(),
		FramesDelivered: c.delivered.Load(),
		FramesDropped:   c.dropped.Load(),
	}
	var s *Session
	switch cur := c.current.(type) {
	case activeState:
		s = cur.session
		st.Capturing = true
	case stoppingState:
		s = cur.session
	}
	if s != nil {
		m := s.Metrics
		st.StreamID = s.ID
		st.Metrics = &m
		st.StartedAt = s.StartedAt
		st.FramesEvicted = s.sink.Evicted()
	}
	return st
}

func (c *Controller) setState(s sessionState) {
	c.stateMu.Lock()
	c.current = s
	c.stateMu.Unlock()
}

func indicatorFor(id string, m Metrics) Indicator {
	return Indicator{
		SessionID: id,
		Title:     "Screen Sharing Active",
		Text:      fmt.Sprintf("Your screen is being shared (%dx%d)", m.Width, m.Height),
		Metrics:   m,
	}
}

// guard runs a release step, converting a panic into an error
func guard(fn func() error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func wrapStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to release %s: %w", stage, err)
}

// emit invokes a callback method; a panicking callback is logged, never
// allowed to abort a transition
func emit(log *zerolog.Logger, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("event", event).Interface("panic", r).Msg("Capture callback panicked")
		}
	}()
	fn()
}
