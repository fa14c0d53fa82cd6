package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// Event types published to subscribers
const (
	EventStarted = "screenCaptureStarted"
	EventStopped = "screenCaptureStopped"
	EventError   = "screenCaptureError"
)

// Caller-facing failure codes
const (
	CodeNotSupported           = "NOT_SUPPORTED"
	CodeNoActivity             = "NO_ACTIVITY"
	CodeAlreadyRequesting      = "ALREADY_REQUESTING"
	CodePermissionRequestError = "PERMISSION_REQUEST_ERROR"
	CodePermissionResultError  = "PERMISSION_RESULT_ERROR"
	CodeAlreadyCapturing       = "ALREADY_CAPTURING"
	CodeNoPermission           = "NO_PERMISSION"
	CodeCaptureStartFailed     = "CAPTURE_START_FAILED"
	CodeCaptureError           = "CAPTURE_ERROR"
	CodeTimeout                = "TIMEOUT"
	CodeInternal               = "INTERNAL_ERROR"
)

// Event is a session lifecycle notification
type Event struct {
	Type     string    `json:"type"`
	StreamID string    `json:"streamId,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// StartResult is returned by a successful StartCapture
type StartResult struct {
	StreamID string `json:"streamId"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Status combines the controller and permission views
type Status struct {
	capture.Status
	Supported         bool `json:"supported"`
	PermissionPending bool `json:"permission_pending"`
	PermissionGranted bool `json:"permission_granted"`
}

// FrameConsumer receives every frame of an Active session. It is called on
// the capture goroutine and should return quickly.
type FrameConsumer interface {
	ConsumeFrame(f capture.Frame)
}

// Permissions is the part of capture.Coordinator the bridge drives
type Permissions interface {
	IsCaptureSupported() bool
	RequestPermission(ctx context.Context) (bool, error)
	Pending() bool
	HasToken() bool
	TakeToken() *capture.Token
	ReturnToken(tok *capture.Token)
}

// Sessions is the part of capture.Controller the bridge drives
type Sessions interface {
	Start(tok *capture.Token, cb capture.Callback) (string, error)
	Stop()
	Status() capture.Status
}

// Bridge exposes the capture operations to external callers and fans
// session events out to subscribers. It keeps no capture state of its own.
type Bridge struct {
	perms    Permissions
	sessions Sessions
	frames   FrameConsumer

	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// New creates a bridge. frames may be nil.
func New(perms Permissions, sessions Sessions, frames FrameConsumer) *Bridge {
	return &Bridge{
		perms:       perms,
		sessions:    sessions,
		frames:      frames,
		subscribers: make(map[chan Event]struct{}),
	}
}

// IsCaptureSupported reports platform capability
func (b *Bridge) IsCaptureSupported() bool {
	return b.perms.IsCaptureSupported()
}

// RequestCapturePermission runs the consent flow
func (b *Bridge) RequestCapturePermission(ctx context.Context) (bool, error) {
	granted, err := b.perms.RequestPermission(ctx)
	if err != nil {
		logger.WithComponent("bridge").Warn().Err(err).Str("code", Code(err)).Msg("Permission request failed")
		return false, err
	}
	return granted, nil
}

// StartCapture claims the granted token and starts a session with it
func (b *Bridge) StartCapture() (StartResult, error) {
	log := logger.WithComponent("bridge")

	tok := b.perms.TakeToken()
	cb := &sessionEvents{bridge: b}
	id, err := b.sessions.Start(tok, cb)
	if err != nil {
		if errors.Is(err, capture.ErrAlreadyCapturing) {
			// the token was never touched; keep it for the next attempt
			b.perms.ReturnToken(tok)
		}
		log.Warn().Err(err).Str("code", Code(err)).Msg("Start capture failed")
		return StartResult{}, err
	}

	m := cb.metrics()
	return StartResult{StreamID: id, Width: m.Width, Height: m.Height}, nil
}

// StopCapture ends the current session. It never fails.
func (b *Bridge) StopCapture() {
	b.sessions.Stop()
}

// Status reports the current session and permission state
func (b *Bridge) Status() Status {
	return Status{
		Status:            b.sessions.Status(),
		Supported:         b.perms.IsCaptureSupported(),
		PermissionPending: b.perms.Pending(),
		PermissionGranted: b.perms.HasToken(),
	}
}

// Subscribe registers for session events. Events are dropped for a
// subscriber whose buffer is full. Call the returned func to unsubscribe.
func (b *Bridge) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bridge) publish(ev Event) {
	ev.Time = time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			logger.WithComponent("bridge").Debug().Str("type", ev.Type).Msg("Subscriber full, event dropped")
		}
	}
}

// sessionEvents adapts one session's callbacks to bridge events
type sessionEvents struct {
	bridge *Bridge

	mu      sync.Mutex
	id      string
	m       capture.Metrics
	started bool
}

func (s *sessionEvents) metrics() capture.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}

func (s *sessionEvents) OnStarted(id string, m capture.Metrics) {
	s.mu.Lock()
	s.id, s.m, s.started = id, m, true
	s.mu.Unlock()

	s.bridge.publish(Event{Type: EventStarted, StreamID: id, Width: m.Width, Height: m.Height})
}

func (s *sessionEvents) OnFrame(f capture.Frame) {
	if s.bridge.frames != nil {
		s.bridge.frames.ConsumeFrame(f)
	}
}

func (s *sessionEvents) OnStopped() {
	s.bridge.publish(Event{Type: EventStopped, StreamID: s.streamID()})
}

// OnError only publishes failures of a running session; a failed start is
// already reported to the StartCapture caller.
func (s *sessionEvents) OnError(err error) {
	s.mu.Lock()
	started, id := s.started, s.id
	s.mu.Unlock()
	if !started {
		return
	}
	s.bridge.publish(Event{Type: EventError, StreamID: id, Message: err.Error()})
}

func (s *sessionEvents) streamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Code maps a capture error to its caller-facing code
func Code(err error) string {
	var perr *capture.PermissionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrUnsupported):
		return CodeNotSupported
	case errors.Is(err, capture.ErrNoHostContext):
		return CodeNoActivity
	case errors.Is(err, capture.ErrAlreadyRequesting):
		return CodeAlreadyRequesting
	case errors.As(err, &perr):
		if perr.Stage == capture.StageRequest {
			return CodePermissionRequestError
		}
		return CodePermissionResultError
	case errors.Is(err, capture.ErrAlreadyCapturing):
		return CodeAlreadyCapturing
	case errors.Is(err, capture.ErrNoAuthorization):
		return CodeNoPermission
	case errors.Is(err, capture.ErrResourceAcquisition):
		return CodeCaptureStartFailed
	case errors.Is(err, capture.ErrRuntimeCapture):
		return CodeCaptureError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
