package capture

// Binding is the live pipe coupling a consumed token to a frame sink at
// fixed display metrics.
type Binding interface {
	// Release stops frame production and frees the platform surface.
	// It must be safe to call more than once.
	Release() error
}

// Binder creates bindings. onFailure reports a spontaneous failure of the
// live binding (revoked grant, dead pipeline); it must not be called after
// Release has returned.
type Binder interface {
	Bind(tok *Token, sink *FrameSink, m Metrics, onFailure func(error)) (Binding, error)
}

// BinderFunc adapts a function to Binder
type BinderFunc func(tok *Token, sink *FrameSink, m Metrics, onFailure func(error)) (Binding, error)

func (f BinderFunc) Bind(tok *Token, sink *FrameSink, m Metrics, onFailure func(error)) (Binding, error) {
	return f(tok, sink, m, onFailure)
}

// Indicator is what the user-visible "capture in progress" affordance shows
type Indicator struct {
	SessionID string
	Title     string
	Text      string
	Metrics   Metrics
}

// KeepAlive keeps the host from idling while a session is Active and shows
// the indicator. onStop is the indicator's stop action.
type KeepAlive interface {
	Begin(ind Indicator, onStop func()) error
	Refresh(ind Indicator) error
	End() error
}

type nopKeepAlive struct{}

func (nopKeepAlive) Begin(Indicator, func()) error { return nil }
func (nopKeepAlive) Refresh(Indicator) error       { return nil }
func (nopKeepAlive) End() error                    { return nil }

// Callback receives a session's lifecycle events and frames. Methods are
// invoked from the controller's goroutines and must not call Start or Stop
// synchronously.
type Callback interface {
	OnStarted(sessionID string, m Metrics)
	OnFrame(f Frame)
	OnStopped()
	OnError(err error)
}

type nopCallback struct{}

func (nopCallback) OnStarted(string, Metrics) {}
func (nopCallback) OnFrame(Frame)             {}
func (nopCallback) OnStopped()                {}
func (nopCallback) OnError(error)             {}
