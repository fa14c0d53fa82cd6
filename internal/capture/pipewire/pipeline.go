package pipewire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/capture/portal"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

// ErrRevoked is reported when the compositor ends the portal session
var ErrRevoked = errors.New("screen sharing revoked by compositor")

// Binder feeds a portal stream into a frame sink through a gst-launch
// subprocess. Running GStreamer out of process keeps cgo out of the binary.
type Binder struct {
	// GstLaunch is the gst-launch executable, gst-launch-1.0 by default
	GstLaunch string
	// FPS caps the rate frames are produced at
	FPS int
}

// Available reports whether the gst-launch executable can be found
func (b *Binder) Available() bool {
	_, err := exec.LookPath(b.executable())
	return err == nil
}

func (b *Binder) executable() string {
	if b.GstLaunch != "" {
		return b.GstLaunch
	}
	return "gst-launch-1.0"
}

// Bind starts the pipeline for the portal session carried by tok
func (b *Binder) Bind(tok *capture.Token, sink *capture.FrameSink, m capture.Metrics, onFailure func(error)) (capture.Binding, error) {
	h, ok := tok.Handle().(*portal.Handle)
	if !ok {
		return nil, fmt.Errorf("token does not carry a portal session (got %T)", tok.Handle())
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	log := logger.WithComponent("gstreamer-subprocess")

	args := pipelineArgs(h.NodeID, h.Remote() != nil, m, b.FPS)
	cmd := exec.Command(b.executable(), args...)
	if remote := h.Remote(); remote != nil {
		// ExtraFiles[0] becomes fd 3 in the child
		cmd.ExtraFiles = []*os.File{remote}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	log.Debug().Strs("args", args).Msg("Starting GStreamer subprocess")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", b.executable(), err)
	}

	p := &pipeline{
		cmd:       cmd,
		stop:      make(chan struct{}),
		onFailure: onFailure,
	}

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		err := pumpFrames(stdout, m, sink, p.stop)
		p.fail(fmt.Errorf("pipeline output ended: %w", err))
	}()
	go func() {
		defer p.wg.Done()
		logStderr(stderr)
	}()
	go func() {
		defer p.wg.Done()
		select {
		case <-h.Revoked():
			p.fail(ErrRevoked)
		case <-p.stop:
		}
	}()

	log.Info().
		Uint32("node_id", h.NodeID).
		Int("pid", cmd.Process.Pid).
		Int("width", m.Width).
		Int("height", m.Height).
		Msg("GStreamer subprocess started")

	return p, nil
}

// pipelineArgs builds the gst-launch argument list: pipewiresrc to raw RGBA
// at the session's metrics on stdout
func pipelineArgs(nodeID uint32, withRemote bool, m capture.Metrics, fps int) []string {
	src := []string{"pipewiresrc"}
	if withRemote {
		src = append(src, "fd=3")
	}
	src = append(src, fmt.Sprintf("path=%d", nodeID), "do-timestamp=true")

	caps := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", m.Width, m.Height)
	stages := [][]string{src, {"videoconvert"}, {"videoscale"}}
	if fps > 0 {
		stages = append(stages, []string{"videorate"})
		caps += fmt.Sprintf(",framerate=%d/1", fps)
	}
	stages = append(stages, []string{caps}, []string{"fdsink", "fd=1", "sync=false"})

	args := []string{"-q"}
	for i, stage := range stages {
		if i > 0 {
			args = append(args, "!")
		}
		args = append(args, stage...)
	}
	return args
}

// pumpFrames reads fixed-size RGBA frames until the stream ends or stop is
// closed. Each frame gets its own buffer since the sink keeps it.
func pumpFrames(r io.Reader, m capture.Metrics, sink *capture.FrameSink, stop <-chan struct{}) error {
	frameSize := m.Width * m.Height * 4
	reader := bufio.NewReaderSize(r, frameSize)

	var seq uint64
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(reader, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("truncated frame: %w", err)
			}
			return err
		}

		seq++
		if !sink.Push(capture.Frame{
			Data:      buf,
			Width:     m.Width,
			Height:    m.Height,
			Stride:    m.Width * 4,
			Format:    capture.PixelFormatRGBA,
			Seq:       seq,
			Timestamp: time.Now(),
		}) {
			return nil
		}
	}
}

// logStderr logs any output from the GStreamer subprocess
func logStderr(r io.Reader) {
	log := logger.WithComponent("gstreamer-subprocess")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

// pipeline is the live binding for one session
type pipeline struct {
	cmd       *exec.Cmd
	stop      chan struct{}
	onFailure func(error)

	mu       sync.Mutex
	stopped  bool
	failOnce sync.Once
	wg       sync.WaitGroup

	releaseOnce sync.Once
	releaseErr  error
}

// fail reports a spontaneous failure at most once, and never once Release
// has started
func (p *pipeline) fail(err error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || p.onFailure == nil {
		return
	}
	p.failOnce.Do(func() {
		logger.WithComponent("gstreamer-subprocess").Error().Err(err).Msg("Capture pipeline failed")
		p.onFailure(err)
	})
}

// Release kills the subprocess and waits for its readers
func (p *pipeline) Release() error {
	p.releaseOnce.Do(func() {
		log := logger.WithComponent("gstreamer-subprocess")

		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.stop)

		if p.cmd.Process != nil {
			log.Debug().Int("pid", p.cmd.Process.Pid).Msg("Killing GStreamer subprocess")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.releaseErr = fmt.Errorf("failed to kill gst-launch: %w", err)
			}
		}
		p.wg.Wait()
		// Exit status after Kill is always an error; only the wait matters
		_ = p.cmd.Wait()

		log.Info().Msg("GStreamer subprocess stopped")
	})
	return p.releaseErr
}
