package output

import (
	"image"
)

// Output defines the interface for frame output mechanisms.
// Captured frames arrive as RGBA images; each output decides how to
// present them (MJPEG over HTTP today).
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a frame to the output
	// The image is expected to be in RGBA format
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	// MaxWidth downscales wider frames, keeping the aspect ratio. 0 keeps
	// the captured size.
	MaxWidth int
	// Quality is the JPEG quality, 1-100
	Quality int
	// Badge is drawn in the top left corner of every frame; empty disables it
	Badge string
}
