package capture

import (
	"fmt"
	"image"
	"time"
)

// PixelFormatRGBA is the only layout bindings hand to the sink.
const PixelFormatRGBA = "RGBA"

// Metrics are the display dimensions a session is created with
type Metrics struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	Density int `json:"density"`
}

// Validate rejects metrics no binding could allocate a surface for
func (m Metrics) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("invalid display size %dx%d", m.Width, m.Height)
	}
	if m.Density < 0 {
		return fmt.Errorf("invalid display density %d", m.Density)
	}
	return nil
}

// Frame is one raw captured buffer
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Stride    int
	Format    string
	Seq       uint64
	Timestamp time.Time
}

// RGBA views the frame as an image without copying
func (f Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Data,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// MetricsSource queries the current display geometry
type MetricsSource interface {
	DisplayMetrics() (Metrics, error)
}

// MetricsFunc adapts a function to MetricsSource
type MetricsFunc func() (Metrics, error)

func (f MetricsFunc) DisplayMetrics() (Metrics, error) {
	return f()
}

// StaticMetrics always reports the same geometry
type StaticMetrics Metrics

func (s StaticMetrics) DisplayMetrics() (Metrics, error) {
	return Metrics(s), nil
}
