package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// PermissionRequestCode correlates a consent request with its result. Only
// one request may be in flight, so a fixed code is enough.
const PermissionRequestCode = 1001

// ConsentOutcome is how the platform resolved a consent request
type ConsentOutcome int

const (
	ConsentGranted ConsentOutcome = iota
	ConsentDenied
	ConsentFailed
)

func (o ConsentOutcome) String() string {
	switch o {
	case ConsentGranted:
		return "granted"
	case ConsentDenied:
		return "denied"
	case ConsentFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ConsentResult is delivered out of band by the platform
type ConsentResult struct {
	Outcome ConsentOutcome
	Token   *Token
	Err     error
}

// ResultFunc is the callback a platform invokes when consent resolves
type ResultFunc func(requestCode int, res ConsentResult)

// ConsentPlatform drives the desktop's capture consent flow
type ConsentPlatform interface {
	// Supported is a side-effect free capability check
	Supported() bool
	// HostAvailable reports whether there is a context to show consent UI in
	HostAvailable() bool
	// LaunchConsent starts the flow and returns; the outcome arrives through
	// deliver, possibly on another goroutine
	LaunchConsent(requestCode int, deliver ResultFunc) error
}

type pendingRequest struct {
	code        int
	requestedAt time.Time
	done        chan permissionOutcome
}

type permissionOutcome struct {
	granted bool
	err     error
}

// Coordinator requests capture authorization and holds the granted token
// until a caller takes it. At most one request is pending at any time.
type Coordinator struct {
	platform ConsentPlatform

	mu      sync.Mutex
	pending *pendingRequest
	granted *Token
}

// NewCoordinator creates a coordinator for the given platform
func NewCoordinator(platform ConsentPlatform) *Coordinator {
	return &Coordinator{platform: platform}
}

// IsCaptureSupported reports platform capability without side effects
func (c *Coordinator) IsCaptureSupported() bool {
	return c.platform != nil && c.platform.Supported()
}

// RequestPermission launches the consent flow and waits for its result.
// ctx only bounds the wait: a request handed to the platform cannot be
// withdrawn and its slot stays occupied until the platform answers.
func (c *Coordinator) RequestPermission(ctx context.Context) (bool, error) {
	log := logger.WithComponent("permission")

	if !c.IsCaptureSupported() {
		return false, ErrUnsupported
	}
	if !c.platform.HostAvailable() {
		return false, ErrNoHostContext
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return false, ErrAlreadyRequesting
	}
	req := &pendingRequest{
		code:        PermissionRequestCode,
		requestedAt: time.Now(),
		done:        make(chan permissionOutcome, 1),
	}
	c.pending = req
	c.mu.Unlock()

	log.Info().Int("request_code", req.code).Msg("Requesting screen capture permission")

	if err := c.platform.LaunchConsent(req.code, c.HandleResult); err != nil {
		c.mu.Lock()
		if c.pending == req {
			c.pending = nil
		}
		c.mu.Unlock()
		log.Error().Err(err).Msg("Failed to launch consent flow")
		return false, &PermissionError{Stage: StageRequest, Err: err}
	}

	select {
	case out := <-req.done:
		return out.granted, out.err
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("Stopped waiting for consent result; request stays pending until the platform answers")
		return false, ctx.Err()
	}
}

// HandleResult resolves the pending request exactly once. Results with no
// matching pending request are ignored.
func (c *Coordinator) HandleResult(requestCode int, res ConsentResult) {
	log := logger.WithComponent("permission")

	c.mu.Lock()
	req := c.pending
	if req == nil || requestCode != req.code {
		c.mu.Unlock()
		log.Debug().
			Int("request_code", requestCode).
			Str("outcome", res.Outcome.String()).
			Msg("Ignoring consent result with no pending request")
		if res.Token != nil {
			if err := res.Token.Discard(); err != nil {
				log.Warn().Err(err).Msg("Failed to discard unsolicited token")
			}
		}
		return
	}
	c.pending = nil
	out := c.resolveLocked(res)
	c.mu.Unlock()

	ev := log.Info()
	if out.err != nil {
		ev = log.Error().Err(out.err)
	}
	ev.Int("request_code", requestCode).
		Bool("granted", out.granted).
		Dur("waited", time.Since(req.requestedAt)).
		Msg("Consent request resolved")

	req.done <- out
}

func (c *Coordinator) resolveLocked(res ConsentResult) (out permissionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = permissionOutcome{err: &PermissionError{Stage: StageResult, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()

	switch res.Outcome {
	case ConsentGranted:
		if res.Token == nil {
			return permissionOutcome{err: &PermissionError{Stage: StageResult, Err: errors.New("grant carried no token")}}
		}
		if res.Token.Consumed() {
			return permissionOutcome{err: &PermissionError{Stage: StageResult, Err: ErrTokenConsumed}}
		}
		if c.granted != nil && c.granted != res.Token {
			if err := c.granted.Discard(); err != nil {
				logger.WithComponent("permission").Warn().Err(err).Msg("Failed to discard superseded token")
			}
		}
		c.granted = res.Token
		return permissionOutcome{granted: true}
	case ConsentDenied:
		return permissionOutcome{granted: false}
	default:
		err := res.Err
		if err == nil {
			err = fmt.Errorf("consent flow ended with outcome %s", res.Outcome)
		}
		return permissionOutcome{err: &PermissionError{Stage: StageResult, Err: err}}
	}
}

// Pending reports whether a request is awaiting its result
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// HasToken reports whether a granted token is waiting to be taken
func (c *Coordinator) HasToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.granted != nil
}

// TakeToken transfers ownership of the granted token; later calls return
// nil until a new grant arrives
func (c *Coordinator) TakeToken() *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := c.granted
	c.granted = nil
	return tok
}

// ReturnToken gives back a token a caller took but could not use. It is
// discarded if it was consumed or a newer grant has arrived since.
func (c *Coordinator) ReturnToken(tok *Token) {
	if tok == nil {
		return
	}
	c.mu.Lock()
	if c.granted == nil && !tok.Consumed() {
		c.granted = tok
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := tok.Discard(); err != nil {
		logger.WithComponent("permission").Warn().Err(err).Msg("Failed to discard returned token")
	}
}

// Close discards any unclaimed token
func (c *Coordinator) Close() error {
	return c.TakeToken().Discard()
}
