package keepalive

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// Surface is one part of the keep-alive: something that holds the host
// awake or shows the user that capture is running
type Surface interface {
	Name() string
	Show(ind capture.Indicator, onStop func()) error
	Update(ind capture.Indicator) error
	Hide() error
}

// KeepAlive drives a set of surfaces as one capture.KeepAlive. Begin is all
// or nothing: if a surface fails, those already shown are hidden again.
type KeepAlive struct {
	surfaces []Surface

	mu     sync.Mutex
	active []Surface
}

// New combines surfaces; nil entries are skipped
func New(surfaces ...Surface) *KeepAlive {
	k := &KeepAlive{}
	for _, s := range surfaces {
		if s != nil {
			k.surfaces = append(k.surfaces, s)
		}
	}
	return k
}

// Begin shows every surface for the session described by ind
func (k *KeepAlive) Begin(ind capture.Indicator, onStop func()) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	log := logger.WithSession("keepalive", ind.SessionID)

	if len(k.active) > 0 {
		return errors.New("keep-alive already active")
	}

	for _, s := range k.surfaces {
		if err := s.Show(ind, onStop); err != nil {
			for i := len(k.active) - 1; i >= 0; i-- {
				if herr := k.active[i].Hide(); herr != nil {
					log.Warn().Err(herr).Str("surface", k.active[i].Name()).Msg("Failed to hide surface during rollback")
				}
			}
			k.active = nil
			return fmt.Errorf("failed to show %s: %w", s.Name(), err)
		}
		k.active = append(k.active, s)
		log.Debug().Str("surface", s.Name()).Msg("Keep-alive surface shown")
	}
	return nil
}

// Refresh updates the indicator text on every active surface
func (k *KeepAlive) Refresh(ind capture.Indicator) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	for _, s := range k.active {
		if err := s.Update(ind); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// End hides every active surface. No-op when nothing is shown.
func (k *KeepAlive) End() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	for i := len(k.active) - 1; i >= 0; i-- {
		if err := k.active[i].Hide(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k.active[i].Name(), err))
		}
	}
	k.active = nil
	return errors.Join(errs...)
}

// Active reports whether surfaces are currently shown
func (k *KeepAlive) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.active) > 0
}
