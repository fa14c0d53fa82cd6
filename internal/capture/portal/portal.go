package portal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// Source types for SelectSources
const (
	SourceTypeMonitor = 1 << 0
	SourceTypeWindow  = 1 << 1
	SourceTypeVirtual = 1 << 2
)

// Cursor modes for SelectSources
const (
	CursorModeHidden   = 1 << 0
	CursorModeEmbedded = 1 << 1
	CursorModeMetadata = 1 << 2
)

// Persist modes for SelectSources
const (
	PersistModeNone        = 0
	PersistModeApplication = 1
	PersistModeSession     = 2
)

// Request.Response codes
const (
	responseSuccess   uint32 = 0
	responseCancelled uint32 = 1
	responseEnded     uint32 = 2
)

var errConsentDenied = errors.New("user cancelled screen sharing")

// Options tunes the consent flow
type Options struct {
	// Timeout bounds each portal request, including the time the user
	// spends in the picker dialog
	Timeout time.Duration
	// PersistPermission asks the portal for a restore token so later
	// sessions can skip the dialog
	PersistPermission bool
	CursorMode        uint32
	// TokenPath is where the restore token is kept
	TokenPath string
	// Density is attached to the metrics hint; the portal does not report it
	Density int
}

// Platform drives xdg-desktop-portal's ScreenCast interface
type Platform struct {
	conn  *dbus.Conn
	opts  Options
	store *restoreStore
}

// NewPlatform connects to the session bus
func NewPlatform(opts Options) (*Platform, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.CursorMode == 0 {
		opts.CursorMode = CursorModeEmbedded
	}
	if opts.TokenPath == "" {
		opts.TokenPath = DefaultTokenPath()
	}

	return &Platform{
		conn:  conn,
		opts:  opts,
		store: newRestoreStore(opts.TokenPath),
	}, nil
}

// Close closes the bus connection
func (p *Platform) Close() error {
	return p.conn.Close()
}

// Supported reports whether a portal with monitor ScreenCast support owns
// its bus name
func (p *Platform) Supported() bool {
	var hasOwner bool
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, portalService).Store(&hasOwner); err != nil || !hasOwner {
		return false
	}
	v, err := p.conn.Object(portalService, portalPath).GetProperty(screenCastIface + ".AvailableSourceTypes")
	if err != nil {
		return false
	}
	types, ok := v.Value().(uint32)
	return ok && types&SourceTypeMonitor != 0
}

// HostAvailable reports whether a graphical session exists to show the
// picker dialog in
func (p *Platform) HostAvailable() bool {
	return os.Getenv("WAYLAND_DISPLAY") != "" || os.Getenv("DISPLAY") != ""
}

// LaunchConsent runs CreateSession, SelectSources and Start in the
// background and delivers the outcome once the user has answered
func (p *Platform) LaunchConsent(requestCode int, deliver capture.ResultFunc) error {
	if p.conn == nil || !p.conn.Connected() {
		return errors.New("session bus connection is closed")
	}

	go func() {
		log := logger.WithComponent("portal")

		h, err := p.negotiate()
		switch {
		case errors.Is(err, errConsentDenied):
			log.Info().Msg("Screen sharing declined in portal dialog")
			deliver(requestCode, capture.ConsentResult{Outcome: capture.ConsentDenied})
		case err != nil:
			log.Error().Err(err).Msg("Portal consent flow failed")
			deliver(requestCode, capture.ConsentResult{Outcome: capture.ConsentFailed, Err: err})
		default:
			deliver(requestCode, capture.ConsentResult{
				Outcome: capture.ConsentGranted,
				Token:   p.tokenFor(h),
			})
		}
	}()
	return nil
}

func (p *Platform) tokenFor(h *Handle) *capture.Token {
	var hint *capture.Metrics
	if h.Width > 0 && h.Height > 0 {
		hint = &capture.Metrics{Width: h.Width, Height: h.Height, Density: p.opts.Density}
	}
	return capture.NewToken(h, hint, func() error { return p.closeSession(h) })
}

// negotiate walks the three-step portal handshake and opens the PipeWire
// remote for the granted stream
func (p *Platform) negotiate() (*Handle, error) {
	log := logger.WithComponent("portal")

	sessionPath, err := p.createSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	log.Debug().Str("session", string(sessionPath)).Msg("Created portal session")

	h := newHandle(sessionPath)
	fail := func(err error) (*Handle, error) {
		if cerr := p.closeSession(h); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close abandoned portal session")
		}
		return nil, err
	}

	if err := p.selectSources(sessionPath); err != nil {
		return fail(fmt.Errorf("failed to select sources: %w", err))
	}
	log.Debug().Msg("Selected sources")

	stream, err := p.start(sessionPath)
	if err != nil {
		return fail(fmt.Errorf("failed to start session: %w", err))
	}
	h.NodeID = stream.NodeID
	h.Width, h.Height = int(stream.Size[0]), int(stream.Size[1])

	remote, err := p.openPipeWireRemote(sessionPath)
	if err != nil {
		return fail(fmt.Errorf("failed to open PipeWire remote: %w", err))
	}
	h.remote = remote

	go p.watchSession(h)

	log.Info().
		Uint32("node_id", h.NodeID).
		Int("width", h.Width).
		Int("height", h.Height).
		Msg("Screen sharing granted")
	return h, nil
}

// createSession creates a new portal session
func (p *Platform) createSession() (dbus.ObjectPath, error) {
	options := map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(newHandleToken()),
		"session_handle_token": dbus.MakeVariant(newHandleToken()),
	}

	results, err := p.request("CreateSession", "portal dialog may appear", options)
	if err != nil {
		return "", err
	}
	return sessionHandleFrom(results)
}

// selectSources selects what to share (a single monitor)
func (p *Platform) selectSources(sessionPath dbus.ObjectPath) error {
	log := logger.WithComponent("portal")

	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(newHandleToken()),
		"types":        dbus.MakeVariant(uint32(SourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(p.opts.CursorMode),
	}

	if p.opts.PersistPermission {
		options["persist_mode"] = dbus.MakeVariant(uint32(PersistModeApplication))
		if tok := p.store.Load(); tok != "" {
			options["restore_token"] = dbus.MakeVariant(tok)
			log.Debug().Msg("Using saved restore token")
		}
	}

	_, err := p.request("SelectSources", "select screen in dialog", sessionPath, options)
	return err
}

// start starts the screen cast and returns the first granted stream
func (p *Platform) start(sessionPath dbus.ObjectPath) (Stream, error) {
	log := logger.WithComponent("portal")

	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(newHandleToken()),
	}

	// Empty parent window
	results, err := p.request("Start", "confirm in dialog", sessionPath, "", options)
	if err != nil {
		return Stream{}, err
	}

	if p.opts.PersistPermission {
		if v, ok := results["restore_token"]; ok {
			if tok, ok := v.Value().(string); ok && tok != "" {
				if err := p.store.Save(tok); err != nil {
					log.Warn().Err(err).Msg("Failed to save restore token")
				} else {
					log.Debug().Msg("Saved restore token for future sessions")
				}
			}
		}
	}

	streams, err := parseStreams(results)
	if err != nil {
		return Stream{}, err
	}
	return streams[0], nil
}

func (p *Platform) openPipeWireRemote(sessionPath dbus.ObjectPath) (*os.File, error) {
	var fd dbus.UnixFD
	err := p.conn.Object(portalService, portalPath).
		Call(screenCastIface+".OpenPipeWireRemote", 0, sessionPath, map[string]dbus.Variant{}).
		Store(&fd)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "pipewire-remote"), nil
}

// request issues a ScreenCast call and waits for the matching
// Request.Response signal
func (p *Platform) request(method, waitingFor string, args ...interface{}) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")
	obj := p.conn.Object(portalService, portalPath)

	// Set up response channel BEFORE making the call
	responseChan := make(chan *dbus.Signal, 10)
	unsubscribe, err := subscribe(p.conn, responseChan,
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to add match for Request.Response signal")
	}
	defer unsubscribe()

	var requestPath dbus.ObjectPath
	if err := obj.Call(screenCastIface+"."+method, 0, args...).Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	log.Info().
		Str("request_path", string(requestPath)).
		Msgf("Waiting for %s response (%s)", method, waitingFor)

	timeout := time.NewTimer(p.opts.Timeout)
	defer timeout.Stop()
	for {
		select {
		case <-timeout.C:
			// Dismiss the dialog so it does not outlive the request
			p.conn.Object(portalService, requestPath).Call(requestIface+".Close", 0)
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig, ok := <-responseChan:
			if !ok {
				return nil, errors.New("session bus connection closed")
			}
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			code, results, err := parseResponse(sig.Body)
			if err != nil {
				return nil, err
			}
			switch code {
			case responseSuccess:
				return results, nil
			case responseCancelled:
				return nil, errConsentDenied
			default:
				return nil, fmt.Errorf("%s request ended by portal (code %d)", method, code)
			}
		}
	}
}

// closeSession ends the portal session and frees the PipeWire remote
func (p *Platform) closeSession(h *Handle) error {
	if !h.markReleased() {
		return nil
	}
	var errs []error
	if h.remote != nil {
		if err := h.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pipewire remote: %w", err))
		}
	}
	if call := p.conn.Object(portalService, h.SessionPath).Call(sessionIface+".Close", 0); call.Err != nil {
		errs = append(errs, fmt.Errorf("close portal session: %w", call.Err))
	}
	return errors.Join(errs...)
}

// watchSession marks the handle revoked when the compositor closes the
// session, e.g. from its own "stop sharing" control
func (p *Platform) watchSession(h *Handle) {
	log := logger.WithComponent("portal")

	ch := make(chan *dbus.Signal, 4)
	unsubscribe, err := subscribe(p.conn, ch,
		dbus.WithMatchInterface(sessionIface),
		dbus.WithMatchMember("Closed"),
		dbus.WithMatchObjectPath(h.SessionPath),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to watch portal session")
	}
	defer unsubscribe()

	for {
		select {
		case <-h.released:
			return
		case sig, ok := <-ch:
			if !ok {
				h.markRevoked()
				return
			}
			if sig.Path == h.SessionPath && sig.Name == sessionIface+".Closed" {
				log.Warn().Str("session", string(h.SessionPath)).Msg("Portal session closed by compositor")
				h.markRevoked()
				return
			}
		}
	}
}

// signalBus is the part of *dbus.Conn used to receive signals
type signalBus interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// subscribe routes signals matching options to ch. The returned func drops
// both the channel and the bus match rule, and is safe to call even when
// adding the rule failed.
func subscribe(bus signalBus, ch chan<- *dbus.Signal, options ...dbus.MatchOption) (func(), error) {
	err := bus.AddMatchSignal(options...)
	bus.Signal(ch)
	return func() {
		bus.RemoveSignal(ch)
		if err == nil {
			bus.RemoveMatchSignal(options...)
		}
	}, err
}

// newHandleToken returns a token valid as a D-Bus object path element
func newHandleToken() string {
	return "castkeeper_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
