package keepalive

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

const (
	screenSaverService = "org.freedesktop.ScreenSaver"
	screenSaverPath    = "/org/freedesktop/ScreenSaver"
	screenSaverIface   = "org.freedesktop.ScreenSaver"

	applicationName = "CastKeeper"
)

// caller is the part of dbus.BusObject the inhibitor uses
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Inhibitor keeps the session from idling or locking while capture runs,
// through the freedesktop ScreenSaver interface
type Inhibitor struct {
	conn *dbus.Conn
	obj  caller

	mu       sync.Mutex
	cookie   uint32
	inhibits bool
}

// NewInhibitor connects to the session bus
func NewInhibitor() (*Inhibitor, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &Inhibitor{
		conn: conn,
		obj:  conn.Object(screenSaverService, screenSaverPath),
	}, nil
}

// Close closes the bus connection
func (i *Inhibitor) Close() error {
	if i.conn == nil {
		return nil
	}
	return i.conn.Close()
}

func (i *Inhibitor) Name() string { return "idle-inhibit" }

// Show takes the inhibit cookie
func (i *Inhibitor) Show(ind capture.Indicator, _ func()) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.inhibits {
		return nil
	}

	var cookie uint32
	if err := i.obj.Call(screenSaverIface+".Inhibit", 0, applicationName, ind.Title).Store(&cookie); err != nil {
		return fmt.Errorf("ScreenSaver.Inhibit failed: %w", err)
	}
	i.cookie = cookie
	i.inhibits = true

	logger.WithSession("keepalive", ind.SessionID).Debug().
		Uint32("cookie", cookie).
		Msg("Idle inhibited")
	return nil
}

// Update has nothing to change; the inhibit reason is fixed for a session
func (i *Inhibitor) Update(capture.Indicator) error { return nil }

// Hide releases the inhibit cookie
func (i *Inhibitor) Hide() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.inhibits {
		return nil
	}
	i.inhibits = false
	if call := i.obj.Call(screenSaverIface+".UnInhibit", 0, i.cookie); call.Err != nil {
		return fmt.Errorf("ScreenSaver.UnInhibit failed: %w", call.Err)
	}
	logger.WithComponent("keepalive").Debug().Uint32("cookie", i.cookie).Msg("Idle inhibit released")
	return nil
}
