package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getlantern/systray"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/CastKeeper/internal/api"
	"github.com/bryanchriswhite/CastKeeper/internal/backend"
	"github.com/bryanchriswhite/CastKeeper/internal/bridge"
	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/config"
	"github.com/bryanchriswhite/CastKeeper/internal/keepalive"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
	"github.com/bryanchriswhite/CastKeeper/internal/output"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CastKeeper capture service",
	Long: `Start the CastKeeper HTTP server and capture backend.

The server exposes the capture operations (supported, permission, start,
stop, status), a WebSocket event stream and a live MJPEG preview.`,
	Example: `  # Start server on default port (8080)
  castkeeper serve

  # Force the X11 backend on a custom port
  castkeeper serve --backend x11 --port 9090

  # Run headless with debug logging
  castkeeper serve --no-tray --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")
	log.Info().Str("path", configMgr.GetConfigPath()).Str("log_level", cfg.LogLevel).Msg("Configuration loaded")

	be, err := backend.Select(cfg)
	if err != nil {
		return fmt.Errorf("failed to select capture backend: %w", err)
	}
	defer be.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.KeepAlive.Tray {
		return serve(ctx, configMgr, be, nil)
	}

	// systray owns the main goroutine; the service runs beside it
	var serveErr error
	var started atomic.Bool
	done := make(chan struct{})
	systray.Run(func() {
		started.Store(true)
		tray := keepalive.NewTray(systray.Quit)
		go func() {
			defer close(done)
			serveErr = serve(ctx, configMgr, be, tray)
			systray.Quit()
		}()
	}, stop)

	stop()
	if !started.Load() {
		return fmt.Errorf("system tray did not start; use --no-tray to run without it")
	}
	<-done
	return serveErr
}

// loadConfig loads the config file and applies command-line overrides
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	if err := configMgr.ApplyOverrides(viper.GetViper()); err != nil {
		return nil, fmt.Errorf("invalid command-line override: %w", err)
	}
	logger.Init(configMgr.Get().LogLevel, true)
	return configMgr, nil
}

// serve runs the capture service until ctx is done. tray may be nil.
func serve(ctx context.Context, configMgr *config.Manager, be *backend.Backend, tray *keepalive.Tray) error {
	log := logger.WithComponent("serve")
	cfg := configMgr.Get()

	var surfaces []keepalive.Surface
	if cfg.KeepAlive.Inhibit {
		inhibitor, err := keepalive.NewInhibitor()
		if err != nil {
			log.Warn().Err(err).Msg("Idle inhibition not available")
		} else {
			defer inhibitor.Close()
			surfaces = append(surfaces, inhibitor)
		}
	}
	if tray != nil {
		defer tray.Close()
		surfaces = append(surfaces, tray)
	}

	coord := capture.NewCoordinator(be.Platform)
	defer coord.Close()

	ctrl, err := capture.NewController(capture.Options{
		Binder:    be.Binder,
		Metrics:   be.Metrics,
		KeepAlive: keepalive.New(surfaces...),
	})
	if err != nil {
		return fmt.Errorf("failed to create capture controller: %w", err)
	}
	// Never leave a session running past the service
	defer ctrl.Stop()

	stream := output.NewMJPEGOutput(output.Config{
		MaxWidth: cfg.Output.MaxWidth,
		Quality:  cfg.Output.JPEGQuality,
		Badge:    "LIVE",
	})
	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start MJPEG output: %w", err)
	}
	defer stream.Stop()

	server := api.NewServer(bridge.New(coord, ctrl, stream), configMgr, stream)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ServerPort)
	}()

	log.Info().
		Str("backend", be.Name).
		Bool("supported", coord.IsCaptureSupported()).
		Int("port", cfg.ServerPort).
		Msgf("CastKeeper is running: http://localhost:%d", cfg.ServerPort)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down gracefully...")
	ctrl.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}
	return nil
}
