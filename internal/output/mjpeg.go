package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// MJPEGOutput streams captured frames as Motion JPEG over HTTP, so the
// shared screen can be previewed in any browser tab
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	// Latest captured frame waiting to be encoded
	pendingMu sync.Mutex
	pending   *image.RGBA
	wake      chan struct{}
	done      chan struct{}
	encoderWG sync.WaitGroup

	// Last encoded frame, sent to clients as soon as they connect
	frameMu    sync.RWMutex
	lastJPEG   []byte
	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	statsMu    sync.Mutex
	frameCount uint64
	skipped    uint64
	startTime  time.Time
}

// Stats is a snapshot of the stream counters
type Stats struct {
	Running    bool      `json:"running"`
	Frames     uint64    `json:"frames"`
	Skipped    uint64    `json:"skipped"`
	Clients    int       `json:"clients"`
	FPS        float64   `json:"fps"`
	LastUpdate time.Time `json:"last_update,omitempty"`
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = jpeg.DefaultQuality
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start initializes the MJPEG output and its encoder goroutine.
// Note: The HTTP handler is registered separately via GetHTTPHandler()
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.wake = make(chan struct{}, 1)
	m.done = make(chan struct{})

	m.statsMu.Lock()
	m.startTime = time.Now()
	m.frameCount = 0
	m.skipped = 0
	m.statsMu.Unlock()

	m.encoderWG.Add(1)
	go m.encodeLoop(m.wake, m.done)

	logger.WithComponent("mjpeg").Info().
		Int("max_width", m.config.MaxWidth).
		Int("quality", m.config.Quality).
		Msg("MJPEG output started")
	return nil
}

// Stop cleanly shuts down the output
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	m.encoderWG.Wait()

	// Close all client connections
	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.Stats().Frames).Msg("MJPEG output stopped")
	return nil
}

// ConsumeFrame takes a captured frame off the capture goroutine. Only the
// newest frame is kept; encoding happens on the output's own goroutine.
func (m *MJPEGOutput) ConsumeFrame(f capture.Frame) {
	if !m.IsRunning() || f.Format != "" && f.Format != capture.PixelFormatRGBA {
		return
	}
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) < f.Stride*f.Height {
		return
	}

	// The binding may reuse its buffer after the callback returns
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	src := f.RGBA()
	for y := 0; y < f.Height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+f.Width*4], src.Pix[y*src.Stride:])
	}

	m.pendingMu.Lock()
	if m.pending != nil {
		m.statsMu.Lock()
		m.skipped++
		m.statsMu.Unlock()
	}
	m.pending = img
	m.pendingMu.Unlock()

	m.mu.RLock()
	wake := m.wake
	m.mu.RUnlock()
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (m *MJPEGOutput) encodeLoop(wake <-chan struct{}, done <-chan struct{}) {
	defer m.encoderWG.Done()
	log := logger.WithComponent("mjpeg")

	for {
		select {
		case <-done:
			return
		case <-wake:
		}

		m.pendingMu.Lock()
		img := m.pending
		m.pending = nil
		m.pendingMu.Unlock()
		if img == nil {
			continue
		}

		if err := m.WriteFrame(img); err != nil {
			log.Warn().Err(err).Msg("Failed to write frame")
		}
	}
}

// WriteFrame scales, labels and encodes a frame and sends it to all
// connected clients
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG output not running")
	}

	img := scaleToWidth(frame, m.config.MaxWidth)
	if m.config.Badge != "" {
		if img == frame {
			// never draw on the caller's image
			img = cloneRGBA(frame)
		}
		drawBadge(img, m.config.Badge)
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.lastJPEG = jpegData
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	m.statsMu.Lock()
	m.frameCount++
	m.statsMu.Unlock()

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stats returns the current counters
func (m *MJPEGOutput) Stats() Stats {
	m.statsMu.Lock()
	st := Stats{Frames: m.frameCount, Skipped: m.skipped}
	startTime := m.startTime
	m.statsMu.Unlock()

	st.Running = m.IsRunning()

	m.frameMu.RLock()
	st.LastUpdate = m.lastUpdate
	m.frameMu.RUnlock()

	m.clientsMu.RLock()
	st.Clients = len(m.clients)
	m.clientsMu.RUnlock()

	if st.Running && !startTime.IsZero() {
		if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
			st.FPS = float64(st.Frames) / elapsed
		}
	}
	return st
}

// GetHTTPHandler returns an http.Handler for the MJPEG stream
// Mount this at /stream or similar endpoint
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithComponent("mjpeg")

		if !m.IsRunning() {
			http.Error(w, "stream not running", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		m.frameMu.RLock()
		if m.lastJPEG != nil {
			frameChan <- m.lastJPEG
		}
		m.frameMu.RUnlock()

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log.Info().Int("clients", clientCount).Msg("Stream client connected")

		defer func() {
			m.clientsMu.Lock()
			if _, ok := m.clients[frameChan]; ok {
				delete(m.clients, frameChan)
			}
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Stream client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if err := writePart(w, jpegData); err != nil {
					return
				}
			}
		}
	}
}

// GetStatsHandler returns an HTTP handler that reports stream statistics
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
