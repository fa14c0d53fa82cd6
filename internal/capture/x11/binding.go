package x11

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// maxGrabFailures is how many consecutive GetImage errors end a session
const maxGrabFailures = 3

// Binder polls the root window with GetImage at a fixed rate
type Binder struct {
	Platform *Platform
	FPS      int
}

// Bind starts polling for the grant carried by tok
func (b *Binder) Bind(tok *capture.Token, sink *capture.FrameSink, m capture.Metrics, onFailure func(error)) (capture.Binding, error) {
	grant, ok := tok.Handle().(*Grant)
	if !ok {
		return nil, fmt.Errorf("token does not carry an X11 grant (got %T)", tok.Handle())
	}
	conn, screen, err := b.Platform.connection()
	if err != nil {
		return nil, err
	}

	// The surface cannot exceed the root window
	w := min(m.Width, int(screen.WidthInPixels))
	h := min(m.Height, int(screen.HeightInPixels))
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid capture region %dx%d", w, h)
	}

	grab := func() ([]byte, error) {
		reply, err := xproto.GetImage(
			conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(grant.Root),
			0, 0,
			uint16(w), uint16(h),
			0xffffffff,
		).Reply()
		if err != nil {
			return nil, fmt.Errorf("failed to get image: %w", err)
		}
		return reply.Data, nil
	}

	return startPoller(grab, w, h, b.FPS, sink, onFailure), nil
}

type poller struct {
	stop      chan struct{}
	wg        sync.WaitGroup
	onFailure func(error)

	mu       sync.Mutex
	stopped  bool
	stopOnce sync.Once
}

func startPoller(grab func() ([]byte, error), width, height, fps int, sink *capture.FrameSink, onFailure func(error)) *poller {
	if fps <= 0 {
		fps = 10
	}
	p := &poller{
		stop:      make(chan struct{}),
		onFailure: onFailure,
	}
	p.wg.Add(1)
	go p.loop(grab, width, height, time.Second/time.Duration(fps), sink)
	return p
}

func (p *poller) loop(grab func() ([]byte, error), width, height int, interval time.Duration, sink *capture.FrameSink) {
	defer p.wg.Done()
	log := logger.WithComponent("x11-binding")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Int("width", width).
		Int("height", height).
		Dur("interval", interval).
		Msg("Root window capture started")

	var seq uint64
	failures := 0
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		data, err := grab()
		if err != nil {
			failures++
			log.Warn().Err(err).Int("consecutive", failures).Msg("Root window grab failed")
			if failures >= maxGrabFailures {
				p.fail(fmt.Errorf("%d consecutive grab failures: %w", failures, err))
				return
			}
			continue
		}
		failures = 0

		pix, err := bgraToRGBA(data, width, height)
		if err != nil {
			p.fail(err)
			return
		}

		seq++
		if !sink.Push(capture.Frame{
			Data:      pix,
			Width:     width,
			Height:    height,
			Stride:    width * 4,
			Format:    capture.PixelFormatRGBA,
			Seq:       seq,
			Timestamp: time.Now(),
		}) {
			return
		}
	}
}

func (p *poller) fail(err error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if !stopped && p.onFailure != nil {
		p.onFailure(err)
	}
}

// Release stops polling and waits for an in-flight grab
func (p *poller) Release() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.stop)
		p.wg.Wait()
	})
	return nil
}

// bgraToRGBA converts a 32bpp ZPixmap into RGBA with opaque alpha
func bgraToRGBA(data []byte, width, height int) ([]byte, error) {
	n := width * height * 4
	if len(data) < n {
		return nil, errors.New("short image reply")
	}
	pix := make([]byte, n)
	for i := 0; i < n; i += 4 {
		pix[i] = data[i+2]
		pix[i+1] = data[i+1]
		pix[i+2] = data[i]
		pix[i+3] = 255
	}
	return pix, nil
}
