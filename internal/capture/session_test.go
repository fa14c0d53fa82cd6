package capture

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewController_RequiresBinder(t *testing.T) {
	if _, err := NewController(Options{}); err == nil {
		t.Fatal("expected error without a binder")
	}
}

func TestController_StartStop(t *testing.T) {
	c, binder, ka := newTestController(t)
	rec := &eventRecorder{}
	tok, released := newTestToken()

	id, err := c.Start(tok, rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(id, "screen_capture_") {
		t.Errorf("unexpected session id %q", id)
	}
	if st := c.State(); st != StateActive {
		t.Fatalf("expected active, got %v", st)
	}
	if !tok.Consumed() {
		t.Error("token not consumed by Start")
	}
	if begun, _ := ka.counts(); begun != 1 {
		t.Errorf("expected keep-alive to begin once, got %d", begun)
	}

	st := c.Status()
	if !st.Capturing || st.StreamID != id || st.Metrics == nil || *st.Metrics != testMetrics {
		t.Errorf("unexpected status while active: %+v", st)
	}

	c.Stop()

	if st := c.State(); st != StateIdle {
		t.Fatalf("expected idle after stop, got %v", st)
	}
	if got := binder.binding(0).released.Load(); got != 1 {
		t.Errorf("expected binding released once, got %d", got)
	}
	if got := released.Load(); got != 1 {
		t.Errorf("expected token released once, got %d", got)
	}
	if _, ended := ka.counts(); ended != 1 {
		t.Errorf("expected keep-alive to end once, got %d", ended)
	}
	if got := rec.snapshot(); len(got) != 2 || got[0] != "started" || got[1] != "stopped" {
		t.Fatalf("expected [started stopped], got %v", got)
	}
	if rec.started[0] != id {
		t.Errorf("OnStarted id %q, Start returned %q", rec.started[0], id)
	}
}

func TestController_StartRequiresUnconsumedToken(t *testing.T) {
	c, binder, _ := newTestController(t)
	rec := &eventRecorder{}

	if _, err := c.Start(nil, rec); !errors.Is(err, ErrNoAuthorization) {
		t.Fatalf("expected ErrNoAuthorization for nil token, got %v", err)
	}

	tok, _ := newTestToken()
	if err := tok.Consume(); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := c.Start(tok, rec); !errors.Is(err, ErrNoAuthorization) {
		t.Fatalf("expected ErrNoAuthorization for used token, got %v", err)
	}

	if c.State() != StateIdle {
		t.Errorf("expected idle, got %v", c.State())
	}
	if binder.count() != 0 {
		t.Error("binder invoked without authorization")
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("expected no events, got %v", got)
	}
}

func TestController_StartWhileActive(t *testing.T) {
	c, binder, _ := newTestController(t)
	first, _ := newTestToken()
	if _, err := c.Start(first, &eventRecorder{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	second, released := newTestToken()
	rec := &eventRecorder{}
	if _, err := c.Start(second, rec); !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("expected ErrAlreadyCapturing, got %v", err)
	}
	if second.Consumed() {
		t.Error("rejected Start consumed the token")
	}
	if released.Load() != 0 {
		t.Error("rejected Start released the token")
	}
	if binder.count() != 1 {
		t.Errorf("expected one binding, got %d", binder.count())
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("expected no events on rejected callback, got %v", got)
	}
}

func TestController_ConcurrentStartsYieldOneSession(t *testing.T) {
	c, binder, _ := newTestController(t)
	defer c.Stop()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, _ := newTestToken()
			_, err := c.Start(tok, &eventRecorder{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyCapturing):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful Start, got %d", ok)
	}
	if binder.count() != 1 {
		t.Fatalf("expected one binding, got %d", binder.count())
	}
}

func TestController_StopWhenIdle(t *testing.T) {
	c, _, ka := newTestController(t)
	c.Stop()
	c.Stop()
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %v", c.State())
	}
	if _, ended := ka.counts(); ended != 0 {
		t.Errorf("keep-alive ended without a session: %d", ended)
	}
}

func TestController_StopTwiceEmitsOnce(t *testing.T) {
	c, _, _ := newTestController(t)
	rec := &eventRecorder{}
	tok, _ := newTestToken()
	if _, err := c.Start(tok, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()
	c.Stop()
	if got := rec.count("stopped"); got != 1 {
		t.Fatalf("expected one stopped event, got %d", got)
	}
}

func TestController_SinkFailureRollsBack(t *testing.T) {
	binder := &fakeBinder{}
	ka := &fakeKeepAlive{}
	c, err := NewController(Options{
		Binder:    binder,
		Metrics:   StaticMetrics(testMetrics),
		KeepAlive: ka,
		NewSink: func(int, func(Frame)) (*FrameSink, error) {
			return nil, errBoom
		},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	rec := &eventRecorder{}
	tok, released := newTestToken()
	_, err = c.Start(tok, rec)
	if !errors.Is(err, ErrResourceAcquisition) || !errors.Is(err, errBoom) {
		t.Fatalf("expected acquisition error wrapping cause, got %v", err)
	}
	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) || acqErr.Stage != "frame sink" {
		t.Fatalf("expected frame sink stage, got %v", err)
	}

	if c.State() != StateIdle {
		t.Fatalf("expected idle after rollback, got %v", c.State())
	}
	if binder.count() != 0 {
		t.Error("binder invoked after sink failure")
	}
	if released.Load() != 1 {
		t.Error("token not released after rollback")
	}
	if begun, _ := ka.counts(); begun != 0 {
		t.Error("keep-alive began after sink failure")
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != "error" {
		t.Fatalf("expected [error], got %v", got)
	}

	// The token is spent; a fresh one is required
	if _, err := c.Start(tok, rec); !errors.Is(err, ErrNoAuthorization) {
		t.Fatalf("expected ErrNoAuthorization on reuse, got %v", err)
	}
}

func TestController_BindFailureClosesSink(t *testing.T) {
	var sink *FrameSink
	binder := &fakeBinder{err: errBoom}
	c, err := NewController(Options{
		Binder:  binder,
		Metrics: StaticMetrics(testMetrics),
		NewSink: func(capacity int, deliver func(Frame)) (*FrameSink, error) {
			s, err := NewFrameSink(capacity, deliver)
			sink = s
			return s, err
		},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	rec := &eventRecorder{}
	tok, released := newTestToken()
	if _, err := c.Start(tok, rec); !errors.Is(err, ErrResourceAcquisition) {
		t.Fatalf("expected acquisition error, got %v", err)
	}
	if sink == nil {
		t.Fatal("sink never created")
	}
	if sink.Push(Frame{Seq: 1}) {
		t.Error("sink still open after rollback")
	}
	if released.Load() != 1 {
		t.Error("token not released after rollback")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %v", c.State())
	}
}

func TestController_KeepAliveFailureReleasesBinding(t *testing.T) {
	binder := &fakeBinder{}
	ka := &fakeKeepAlive{beginErr: errBoom}
	c, err := NewController(Options{
		Binder:    binder,
		Metrics:   StaticMetrics(testMetrics),
		KeepAlive: ka,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	rec := &eventRecorder{}
	tok, released := newTestToken()
	if _, err := c.Start(tok, rec); !errors.Is(err, errBoom) {
		t.Fatalf("expected keep-alive failure, got %v", err)
	}
	if got := binder.binding(0).released.Load(); got != 1 {
		t.Errorf("expected binding released once, got %d", got)
	}
	if binder.sink(0).Push(Frame{}) {
		t.Error("sink still open after rollback")
	}
	if released.Load() != 1 {
		t.Error("token not released")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %v", c.State())
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != "error" {
		t.Fatalf("expected [error], got %v", got)
	}
}

func TestController_BinderPanicIsAcquisitionFailure(t *testing.T) {
	binder := &fakeBinder{panicMsg: "surface exploded"}
	c, err := NewController(Options{Binder: binder, Metrics: StaticMetrics(testMetrics)})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	tok, released := newTestToken()
	if _, err := c.Start(tok, &eventRecorder{}); !errors.Is(err, ErrResourceAcquisition) {
		t.Fatalf("expected acquisition error, got %v", err)
	}
	if released.Load() != 1 {
		t.Error("token not released after panic")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %v", c.State())
	}
}

func TestController_MetricsFailure(t *testing.T) {
	binder := &fakeBinder{}
	c, err := NewController(Options{
		Binder:  binder,
		Metrics: MetricsFunc(func() (Metrics, error) { return Metrics{}, errBoom }),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	tok, _ := newTestToken()
	if _, err := c.Start(tok, &eventRecorder{}); !errors.Is(err, ErrResourceAcquisition) {
		t.Fatalf("expected acquisition error, got %v", err)
	}
	if binder.count() != 0 {
		t.Error("binder invoked without metrics")
	}
}

func TestController_TokenMetricsHintWins(t *testing.T) {
	c, _, _ := newTestController(t)
	hint := Metrics{Width: 1920, Height: 1080, Density: 120}
	tok := NewToken("handle", &hint, nil)

	rec := &eventRecorder{}
	if _, err := c.Start(tok, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if st := c.Status(); st.Metrics == nil || *st.Metrics != hint {
		t.Fatalf("expected hinted metrics %+v, got %+v", hint, st.Metrics)
	}
}

func TestController_ForwardsFramesOnlyWhileActive(t *testing.T) {
	c, binder, _ := newTestController(t)
	rec := &eventRecorder{}
	tok, _ := newTestToken()
	if _, err := c.Start(tok, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sink := binder.sink(0)
	sink.Push(Frame{Seq: 1})
	waitFor(t, "first frame", time.Second, func() bool { return rec.frameCount() == 1 })

	c.Stop()

	// A binding racing teardown can still call Push; nothing may reach the callback
	if sink.Push(Frame{Seq: 2}) {
		t.Error("sink accepted a frame after stop")
	}
	time.Sleep(10 * time.Millisecond)

	events := rec.snapshot()
	if events[len(events)-1] != "stopped" {
		t.Fatalf("expected stopped to be the last event, got %v", events)
	}
	if rec.frameCount() != 1 {
		t.Fatalf("expected 1 frame, got %d", rec.frameCount())
	}
	if st := c.Status(); st.FramesDelivered != 1 {
		t.Errorf("expected 1 delivered frame, got %d", st.FramesDelivered)
	}
}

func TestController_RuntimeFailure(t *testing.T) {
	c, binder, ka := newTestController(t)
	rec := &eventRecorder{}
	tok, released := newTestToken()
	if _, err := c.Start(tok, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	binder.failure(0)(errBoom)

	waitFor(t, "idle after runtime failure", time.Second, func() bool {
		return c.State() == StateIdle
	})

	err := rec.lastErr()
	if !errors.Is(err, ErrRuntimeCapture) || !errors.Is(err, errBoom) {
		t.Fatalf("expected runtime error wrapping cause, got %v", err)
	}
	if got := rec.snapshot(); len(got) != 2 || got[1] != "error" {
		t.Fatalf("expected [started error], got %v", got)
	}
	if binder.binding(0).released.Load() != 1 {
		t.Error("binding not released after runtime failure")
	}
	if released.Load() != 1 {
		t.Error("token not released after runtime failure")
	}
	if _, ended := ka.counts(); ended != 1 {
		t.Errorf("expected keep-alive ended once, got %d", ended)
	}
}

func TestController_StaleFailureIgnored(t *testing.T) {
	c, binder, _ := newTestController(t)
	tok1, _ := newTestToken()
	if _, err := c.Start(tok1, &eventRecorder{}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	stale := binder.failure(0)
	c.Stop()

	rec := &eventRecorder{}
	tok2, _ := newTestToken()
	if _, err := c.Start(tok2, rec); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer c.Stop()

	stale(errBoom)
	time.Sleep(20 * time.Millisecond)

	if c.State() != StateActive {
		t.Fatalf("stale failure tore down the new session: %v", c.State())
	}
	if rec.count("error") != 0 {
		t.Fatal("stale failure reached the new session's callback")
	}
}

func TestController_IndicatorStopAction(t *testing.T) {
	c, _, ka := newTestController(t)
	rec := &eventRecorder{}
	tok, _ := newTestToken()
	id, err := c.Start(tok, rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ka.mu.Lock()
	ind := ka.current
	ka.mu.Unlock()
	if ind.SessionID != id || ind.Title != "Screen Sharing Active" {
		t.Errorf("unexpected indicator %+v", ind)
	}

	stop := ka.stopAction()
	stop()
	if c.State() != StateIdle {
		t.Fatalf("expected idle after stop action, got %v", c.State())
	}
	if rec.count("stopped") != 1 {
		t.Fatalf("expected one stopped event, got %v", rec.snapshot())
	}

	// The old action must not touch a later session
	tok2, _ := newTestToken()
	if _, err := c.Start(tok2, &eventRecorder{}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer c.Stop()
	stop()
	if c.State() != StateActive {
		t.Fatalf("stale stop action ended the new session")
	}
}

func TestController_StopDuringStartIsQueued(t *testing.T) {
	binder := &fakeBinder{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c, err := NewController(Options{Binder: binder, Metrics: StaticMetrics(testMetrics)})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	rec := &eventRecorder{}
	tok, _ := newTestToken()
	startDone := make(chan error, 1)
	go func() {
		_, err := c.Start(tok, rec)
		startDone <- err
	}()

	<-binder.entered
	if c.State() != StateStarting {
		t.Fatalf("expected starting while binding, got %v", c.State())
	}

	stopDone := make(chan struct{})
	go func() {
		c.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned before Start finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(binder.gate)
	if err := <-startDone; err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-stopDone

	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %v", c.State())
	}
	if got := rec.snapshot(); len(got) != 2 || got[0] != "started" || got[1] != "stopped" {
		t.Fatalf("expected [started stopped], got %v", got)
	}
}

func TestController_PanickingCallbackDoesNotWedge(t *testing.T) {
	c, _, _ := newTestController(t)
	tok, _ := newTestToken()
	if _, err := c.Start(tok, panicCallback{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %v", c.State())
	}

	tok2, _ := newTestToken()
	if _, err := c.Start(tok2, &eventRecorder{}); err != nil {
		t.Fatalf("Start after panicking callback: %v", err)
	}
	c.Stop()
}

func TestController_RefreshMetrics(t *testing.T) {
	current := testMetrics
	var mu sync.Mutex
	binder := &fakeBinder{}
	ka := &fakeKeepAlive{}
	c, err := NewController(Options{
		Binder:    binder,
		KeepAlive: ka,
		Metrics: MetricsFunc(func() (Metrics, error) {
			mu.Lock()
			defer mu.Unlock()
			return current, nil
		}),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if _, err := c.RefreshMetrics(); !errors.Is(err, ErrNotCapturing) {
		t.Fatalf("expected ErrNotCapturing while idle, got %v", err)
	}

	tok, _ := newTestToken()
	if _, err := c.Start(tok, &eventRecorder{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	mu.Lock()
	current = Metrics{Width: 2560, Height: 1440, Density: 144}
	mu.Unlock()

	m, err := c.RefreshMetrics()
	if err != nil {
		t.Fatalf("RefreshMetrics: %v", err)
	}
	if m.Width != 2560 {
		t.Errorf("expected refreshed width 2560, got %d", m.Width)
	}
	ka.mu.Lock()
	refreshed := len(ka.refreshed)
	ka.mu.Unlock()
	if refreshed != 1 {
		t.Errorf("expected indicator refresh, got %d", refreshed)
	}
	if st := c.Status(); *st.Metrics != testMetrics {
		t.Errorf("session metrics changed mid-session: %+v", st.Metrics)
	}
}

func TestNewSessionID_Unique(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	a := newSessionID(now)
	b := newSessionID(now)
	if a == b {
		t.Fatalf("ids collided: %s", a)
	}
	if !strings.HasPrefix(a, "screen_capture_1700000000000_") {
		t.Errorf("unexpected id format %q", a)
	}
}

type panicCallback struct{}

func (panicCallback) OnStarted(string, Metrics) { panic("started") }
func (panicCallback) OnFrame(Frame)             { panic("frame") }
func (panicCallback) OnStopped()                { panic("stopped") }
func (panicCallback) OnError(error)             { panic("error") }
