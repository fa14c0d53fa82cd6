package keepalive

import (
	"sync"

	"github.com/getlantern/systray"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

const idleTooltip = "CastKeeper - not sharing"

// Tray is the capture indicator in the system tray. It must be created from
// systray's onReady callback.
type Tray struct {
	status *systray.MenuItem
	stop   *systray.MenuItem
	quit   *systray.MenuItem

	mu     sync.Mutex
	onStop func()
	done   chan struct{}
	once   sync.Once
}

// NewTray builds the menu. onQuit runs when the user picks Quit.
func NewTray(onQuit func()) *Tray {
	systray.SetTitle("CastKeeper")
	systray.SetTooltip(idleTooltip)

	t := &Tray{done: make(chan struct{})}

	t.status = systray.AddMenuItem("Not sharing", "Screen capture status")
	t.status.Disable()
	systray.AddSeparator()

	t.stop = systray.AddMenuItem("Stop", "Stop sharing your screen")
	t.stop.Disable()
	systray.AddSeparator()

	t.quit = systray.AddMenuItem("Quit", "Quit CastKeeper")

	go t.loop(onQuit)
	return t
}

func (t *Tray) loop(onQuit func()) {
	log := logger.WithComponent("keepalive")
	for {
		select {
		case <-t.done:
			return
		case <-t.stop.ClickedCh:
			t.mu.Lock()
			onStop := t.onStop
			t.mu.Unlock()
			if onStop != nil {
				log.Info().Msg("Stop selected from tray")
				onStop()
			}
		case <-t.quit.ClickedCh:
			log.Info().Msg("Quit selected from tray")
			if onQuit != nil {
				onQuit()
			}
			return
		}
	}
}

func (t *Tray) Name() string { return "tray" }

// Show switches the menu to the sharing state and arms Stop
func (t *Tray) Show(ind capture.Indicator, onStop func()) error {
	t.mu.Lock()
	t.onStop = onStop
	t.mu.Unlock()

	systray.SetTitle(ind.Title)
	systray.SetTooltip(ind.Text)
	t.status.SetTitle(ind.Text)
	t.stop.Enable()
	return nil
}

// Update refreshes the indicator text
func (t *Tray) Update(ind capture.Indicator) error {
	systray.SetTooltip(ind.Text)
	t.status.SetTitle(ind.Text)
	return nil
}

// Hide returns the menu to idle and disarms Stop
func (t *Tray) Hide() error {
	t.mu.Lock()
	t.onStop = nil
	t.mu.Unlock()

	systray.SetTitle("CastKeeper")
	systray.SetTooltip(idleTooltip)
	t.status.SetTitle("Not sharing")
	t.stop.Disable()
	return nil
}

// Close stops the click loop
func (t *Tray) Close() {
	t.once.Do(func() { close(t.done) })
}
