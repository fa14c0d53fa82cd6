package backend

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/capture/pipewire"
	"github.com/bryanchriswhite/CastKeeper/internal/capture/portal"
	"github.com/bryanchriswhite/CastKeeper/internal/capture/x11"
	"github.com/bryanchriswhite/CastKeeper/internal/config"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// Backend names accepted by config and --backend
const (
	Auto   = "auto"
	Portal = "portal"
	X11    = "x11"
)

// Backend is one platform's consent flow, surface binder and metrics
type Backend struct {
	Name     string
	Platform capture.ConsentPlatform
	Binder   capture.Binder
	Metrics  capture.MetricsSource

	closers []func() error
}

// Close releases the platform connections
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// ParseName normalizes a backend name
func ParseName(name string) (string, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "", Auto:
		return Auto, nil
	case Portal, "pipewire", "wayland":
		return Portal, nil
	case X11, "xorg":
		return X11, nil
	default:
		return "", fmt.Errorf("unknown capture backend %q (want auto, portal or x11)", name)
	}
}

// Select picks the capture backend. With auto, Wayland sessions prefer the
// portal and fall back to X11 (XWayland) when the portal or gst-launch is
// missing.
func Select(cfg *config.Config) (*Backend, error) {
	log := logger.WithComponent("backend")

	name, err := ParseName(cfg.Backend)
	if err != nil {
		return nil, err
	}

	defaults := capture.StaticMetrics(capture.Metrics{
		Width:   cfg.Capture.DefaultWidth,
		Height:  cfg.Capture.DefaultHeight,
		Density: cfg.Capture.DefaultDensity,
	})

	switch name {
	case Portal:
		return newPortalBackend(cfg, defaults)
	case X11:
		return newX11Backend(cfg)
	}

	if os.Getenv("WAYLAND_DISPLAY") != "" {
		b, err := newPortalBackend(cfg, defaults)
		if err == nil {
			return b, nil
		}
		log.Warn().Err(err).Msg("Portal backend not available, trying X11")
	}

	b, err := newX11Backend(cfg)
	if err != nil {
		return nil, fmt.Errorf("no capture backends available: %w", err)
	}
	return b, nil
}

func newPortalBackend(cfg *config.Config, defaults capture.MetricsSource) (*Backend, error) {
	log := logger.WithComponent("backend")

	binder := &pipewire.Binder{FPS: cfg.Capture.FPS}
	if !binder.Available() {
		return nil, errors.New("gst-launch-1.0 not found in PATH")
	}

	p, err := portal.NewPlatform(portal.Options{
		Timeout:           time.Duration(cfg.Portal.TimeoutSeconds) * time.Second,
		PersistPermission: cfg.Portal.PersistPermission,
		CursorMode:        cursorMode(cfg.Portal.CursorMode),
		Density:           cfg.Capture.DefaultDensity,
	})
	if err != nil {
		return nil, err
	}
	if !p.Supported() {
		p.Close()
		return nil, errors.New("xdg-desktop-portal ScreenCast interface not available")
	}

	b := &Backend{
		Name:     Portal,
		Platform: p,
		Binder:   binder,
		Metrics:  defaults,
		closers:  []func() error{p.Close},
	}

	// XWayland knows the real geometry when the stream does not report it
	if xp, err := x11.NewPlatform(); err == nil {
		b.Metrics = firstOf{xp, defaults}
		b.closers = append(b.closers, xp.Close)
	}

	log.Info().Str("backend", b.Name).Msg("Capture backend selected")
	return b, nil
}

func newX11Backend(cfg *config.Config) (*Backend, error) {
	p, err := x11.NewPlatform()
	if err != nil {
		return nil, err
	}
	b := &Backend{
		Name:     X11,
		Platform: p,
		Binder:   &x11.Binder{Platform: p, FPS: cfg.Capture.FPS},
		Metrics:  p,
		closers:  []func() error{p.Close},
	}
	logger.WithComponent("backend").Info().Str("backend", b.Name).Msg("Capture backend selected")
	return b, nil
}

func cursorMode(mode string) uint32 {
	switch strings.ToLower(mode) {
	case "hidden":
		return portal.CursorModeHidden
	case "metadata":
		return portal.CursorModeMetadata
	default:
		return portal.CursorModeEmbedded
	}
}

// firstOf tries each source in order and returns the first valid metrics
type firstOf []capture.MetricsSource

func (f firstOf) DisplayMetrics() (capture.Metrics, error) {
	var errs []error
	for _, src := range f {
		m, err := src.DisplayMetrics()
		if err == nil {
			if err = m.Validate(); err == nil {
				return m, nil
			}
		}
		errs = append(errs, err)
	}
	return capture.Metrics{}, fmt.Errorf("no display metrics source succeeded: %w", errors.Join(errs...))
}
