package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

func TestMain(m *testing.M) {
	logger.InitWithWriter("error", io.Discard)
	os.Exit(m.Run())
}

var testMetrics = capture.Metrics{Width: 1280, Height: 720, Density: 96}

// grantingPlatform answers every consent request with a fresh token
type grantingPlatform struct {
	outcome capture.ConsentOutcome
}

func (grantingPlatform) Supported() bool     { return true }
func (grantingPlatform) HostAvailable() bool { return true }

func (p grantingPlatform) LaunchConsent(code int, deliver capture.ResultFunc) error {
	res := capture.ConsentResult{Outcome: p.outcome}
	if p.outcome == capture.ConsentGranted {
		res.Token = capture.NewToken("grant", nil, nil)
	}
	go deliver(code, res)
	return nil
}

type nopBinding struct{}

func (nopBinding) Release() error { return nil }

// recordingBinder keeps the sink and failure hook of the last bind
type recordingBinder struct {
	mu        sync.Mutex
	err       error
	sink      *capture.FrameSink
	onFailure func(error)
}

func (b *recordingBinder) Bind(_ *capture.Token, sink *capture.FrameSink, _ capture.Metrics, onFailure func(error)) (capture.Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.sink = sink
	b.onFailure = onFailure
	return nopBinding{}, nil
}

func (b *recordingBinder) last() (*capture.FrameSink, func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink, b.onFailure
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []capture.Frame
}

func (r *frameRecorder) ConsumeFrame(f capture.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type harness struct {
	bridge *Bridge
	coord  *capture.Coordinator
	binder *recordingBinder
	frames *frameRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	binder := &recordingBinder{}
	ctrl, err := capture.NewController(capture.Options{
		Binder:  binder,
		Metrics: capture.StaticMetrics(testMetrics),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	coord := capture.NewCoordinator(grantingPlatform{outcome: capture.ConsentGranted})
	frames := &frameRecorder{}
	t.Cleanup(func() {
		ctrl.Stop()
		coord.Close()
	})
	return &harness{
		bridge: New(coord, ctrl, frames),
		coord:  coord,
		binder: binder,
		frames: frames,
	}
}

func (h *harness) grant(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	granted, err := h.bridge.RequestCapturePermission(ctx)
	if err != nil || !granted {
		t.Fatalf("RequestCapturePermission = %v, %v", granted, err)
	}
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestBridge_FullSession(t *testing.T) {
	h := newHarness(t)
	events, unsubscribe := h.bridge.Subscribe(8)
	defer unsubscribe()

	if !h.bridge.IsCaptureSupported() {
		t.Fatal("expected capture supported")
	}
	h.grant(t)
	if !h.bridge.Status().PermissionGranted {
		t.Fatal("status does not report the granted token")
	}

	res, err := h.bridge.StartCapture()
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if res.StreamID == "" || res.Width != 1280 || res.Height != 720 {
		t.Fatalf("unexpected start result %+v", res)
	}

	ev := next(t, events)
	if ev.Type != EventStarted || ev.StreamID != res.StreamID || ev.Width != 1280 {
		t.Fatalf("unexpected started event %+v", ev)
	}

	sink, _ := h.binder.last()
	sink.Push(capture.Frame{Width: 1, Height: 1, Stride: 4, Data: make([]byte, 4)})
	waitFor(t, "frame delivery", func() bool { return h.frames.count() == 1 })

	st := h.bridge.Status()
	if !st.Capturing || st.StreamID != res.StreamID || st.PermissionGranted {
		t.Fatalf("unexpected status %+v", st)
	}

	h.bridge.StopCapture()
	ev = next(t, events)
	if ev.Type != EventStopped || ev.StreamID != res.StreamID {
		t.Fatalf("unexpected stopped event %+v", ev)
	}
	if h.bridge.Status().Capturing {
		t.Fatal("still capturing after stop")
	}

	if _, err := h.bridge.StartCapture(); Code(err) != CodeNoPermission {
		t.Fatalf("restart without a new grant: %v", err)
	}
}

func TestBridge_StartWithoutPermission(t *testing.T) {
	h := newHarness(t)
	_, err := h.bridge.StartCapture()
	if Code(err) != CodeNoPermission {
		t.Fatalf("got %v (%s), want %s", err, Code(err), CodeNoPermission)
	}
}

func TestBridge_StartWhileActiveKeepsToken(t *testing.T) {
	h := newHarness(t)
	h.grant(t)
	if _, err := h.bridge.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	h.grant(t)
	_, err := h.bridge.StartCapture()
	if Code(err) != CodeAlreadyCapturing {
		t.Fatalf("got %v, want %s", err, CodeAlreadyCapturing)
	}
	if !h.coord.HasToken() {
		t.Fatal("unused token was lost")
	}

	h.bridge.StopCapture()
	if _, err := h.bridge.StartCapture(); err != nil {
		t.Fatalf("restart with returned token: %v", err)
	}
}

func TestBridge_StartFailureNotPublished(t *testing.T) {
	h := newHarness(t)
	h.binder.err = errors.New("no pipewire node")
	events, unsubscribe := h.bridge.Subscribe(8)
	defer unsubscribe()

	h.grant(t)
	_, err := h.bridge.StartCapture()
	if Code(err) != CodeCaptureStartFailed {
		t.Fatalf("got %v, want %s", err, CodeCaptureStartFailed)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
	if h.coord.HasToken() {
		t.Fatal("failed start must consume the token")
	}
}

func TestBridge_RuntimeFailurePublishesError(t *testing.T) {
	h := newHarness(t)
	events, unsubscribe := h.bridge.Subscribe(8)
	defer unsubscribe()

	h.grant(t)
	res, err := h.bridge.StartCapture()
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	next(t, events)

	_, onFailure := h.binder.last()
	onFailure(errors.New("grant revoked"))

	ev := next(t, events)
	if ev.Type != EventError || ev.StreamID != res.StreamID || ev.Message == "" {
		t.Fatalf("unexpected error event %+v", ev)
	}
	waitFor(t, "idle", func() bool { return !h.bridge.Status().Capturing })
}

func TestBridge_PermissionDenied(t *testing.T) {
	ctrl, err := capture.NewController(capture.Options{Binder: &recordingBinder{}})
	if err != nil {
		t.Fatal(err)
	}
	b := New(capture.NewCoordinator(grantingPlatform{outcome: capture.ConsentDenied}), ctrl, nil)

	granted, err := b.RequestCapturePermission(context.Background())
	if err != nil || granted {
		t.Fatalf("denied consent returned %v, %v", granted, err)
	}
}

func TestBridge_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	slow, unsubscribe := h.bridge.Subscribe(1)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		h.grant(t)
		if _, err := h.bridge.StartCapture(); err != nil {
			t.Fatalf("StartCapture %d: %v", i, err)
		}
		h.bridge.StopCapture()
	}

	if ev := next(t, slow); ev.Type != EventStarted {
		t.Fatalf("first buffered event = %+v", ev)
	}
}

func TestSubscribe_UnsubscribeClosesChannel(t *testing.T) {
	h := newHarness(t)
	events, unsubscribe := h.bridge.Subscribe(0)
	unsubscribe()
	unsubscribe()
	if _, ok := <-events; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	h.bridge.publish(Event{Type: EventStopped})
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{capture.ErrUnsupported, CodeNotSupported},
		{capture.ErrNoHostContext, CodeNoActivity},
		{capture.ErrAlreadyRequesting, CodeAlreadyRequesting},
		{&capture.PermissionError{Stage: capture.StageRequest, Err: errors.New("x")}, CodePermissionRequestError},
		{&capture.PermissionError{Stage: capture.StageResult, Err: errors.New("x")}, CodePermissionResultError},
		{capture.ErrAlreadyCapturing, CodeAlreadyCapturing},
		{fmt.Errorf("%w: consumed", capture.ErrNoAuthorization), CodeNoPermission},
		{&capture.AcquisitionError{Stage: "surface binding", Err: errors.New("x")}, CodeCaptureStartFailed},
		{&capture.RuntimeError{Err: errors.New("x")}, CodeCaptureError},
		{context.DeadlineExceeded, CodeTimeout},
		{errors.New("other"), CodeInternal},
	}
	for _, c := range cases {
		if got := Code(c.err); got != c.want {
			t.Errorf("Code(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
