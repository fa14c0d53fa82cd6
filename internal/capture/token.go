package capture

import (
	"sync"
	"sync/atomic"
)

// Token is a platform-granted, single-use capture credential. The handle is
// opaque to the core; only the backend that minted it knows what it is.
type Token struct {
	handle  any
	hint    *Metrics
	release func() error

	consumed    atomic.Bool
	discardOnce sync.Once
	discardErr  error
}

// NewToken wraps a platform handle. release, if set, runs once when the
// token is discarded. hint carries display metrics the platform already knows.
func NewToken(handle any, hint *Metrics, release func() error) *Token {
	return &Token{
		handle:  handle,
		hint:    hint,
		release: release,
	}
}

// Handle returns the platform handle the token was minted with
func (t *Token) Handle() any {
	return t.handle
}

// MetricsHint returns display metrics attached by the platform, if any
func (t *Token) MetricsHint() (Metrics, bool) {
	if t == nil || t.hint == nil {
		return Metrics{}, false
	}
	return *t.hint, true
}

// Consume marks the token as used. Only the first call succeeds.
func (t *Token) Consume() error {
	if t == nil {
		return ErrNoAuthorization
	}
	if !t.consumed.CompareAndSwap(false, true) {
		return ErrTokenConsumed
	}
	return nil
}

// Consumed reports whether the token can no longer start a session
func (t *Token) Consumed() bool {
	return t == nil || t.consumed.Load()
}

// Discard retires the token and releases its platform resources. Safe to
// call more than once; later calls return the first result.
func (t *Token) Discard() error {
	if t == nil {
		return nil
	}
	t.consumed.Store(true)
	t.discardOnce.Do(func() {
		if t.release != nil {
			t.discardErr = t.release()
		}
	})
	return t.discardErr
}
