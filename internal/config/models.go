package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/CastKeeper/internal/logger"
	"gopkg.in/yaml.v3"
)

// Config is the persisted CastKeeper configuration
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	// Backend selects the capture platform: auto, portal or x11
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`

	Capture   CaptureConfig   `json:"capture" yaml:"capture" mapstructure:"capture"`
	Portal    PortalConfig    `json:"portal" yaml:"portal" mapstructure:"portal"`
	KeepAlive KeepAliveConfig `json:"keepalive" yaml:"keepalive" mapstructure:"keepalive"`
	Output    OutputConfig    `json:"output" yaml:"output" mapstructure:"output"`
}

// CaptureConfig tunes frame production
type CaptureConfig struct {
	FPS int `json:"fps" yaml:"fps" mapstructure:"fps"`
	// Defaults are used when neither the grant nor the display reports metrics
	DefaultWidth   int `json:"default_width" yaml:"default_width" mapstructure:"default_width"`
	DefaultHeight  int `json:"default_height" yaml:"default_height" mapstructure:"default_height"`
	DefaultDensity int `json:"default_density" yaml:"default_density" mapstructure:"default_density"`
}

// PortalConfig tunes the xdg-desktop-portal consent flow
type PortalConfig struct {
	TimeoutSeconds    int    `json:"timeout_seconds" yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	PersistPermission bool   `json:"persist_permission" yaml:"persist_permission" mapstructure:"persist_permission"`
	CursorMode        string `json:"cursor_mode" yaml:"cursor_mode" mapstructure:"cursor_mode"`
}

// KeepAliveConfig toggles the parts of the keep-alive surface
type KeepAliveConfig struct {
	Inhibit bool `json:"inhibit" yaml:"inhibit" mapstructure:"inhibit"`
	Tray    bool `json:"tray" yaml:"tray" mapstructure:"tray"`
}

// OutputConfig tunes the MJPEG stream
type OutputConfig struct {
	MaxWidth    int `json:"max_width" yaml:"max_width" mapstructure:"max_width"`
	JPEGQuality int `json:"jpeg_quality" yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Backend:    "auto",
		Capture: CaptureConfig{
			FPS:            10,
			DefaultWidth:   1920,
			DefaultHeight:  1080,
			DefaultDensity: 96,
		},
		Portal: PortalConfig{
			TimeoutSeconds:    60,
			PersistPermission: true,
			CursorMode:        "embedded",
		},
		KeepAlive: KeepAliveConfig{
			Inhibit: true,
			Tray:    true,
		},
		Output: OutputConfig{
			MaxWidth:    1920,
			JPEGQuality: 80,
		},
	}
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port %d", c.ServerPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q (use: debug, info, warn, error)", c.LogLevel)
	}
	switch strings.ToLower(c.Backend) {
	case "auto", "portal", "x11":
	default:
		return fmt.Errorf("invalid backend %q (use: auto, portal, x11)", c.Backend)
	}
	if c.Capture.FPS <= 0 || c.Capture.FPS > 60 {
		return fmt.Errorf("invalid capture.fps %d (1-60)", c.Capture.FPS)
	}
	if c.Capture.DefaultWidth <= 0 || c.Capture.DefaultHeight <= 0 {
		return fmt.Errorf("invalid default display size %dx%d", c.Capture.DefaultWidth, c.Capture.DefaultHeight)
	}
	if c.Portal.TimeoutSeconds <= 0 {
		return fmt.Errorf("invalid portal.timeout_seconds %d", c.Portal.TimeoutSeconds)
	}
	switch strings.ToLower(c.Portal.CursorMode) {
	case "hidden", "embedded", "metadata":
	default:
		return fmt.Errorf("invalid portal.cursor_mode %q (use: hidden, embedded, metadata)", c.Portal.CursorMode)
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("invalid output.jpeg_quality %d (1-100)", c.Output.JPEGQuality)
	}
	if c.Output.MaxWidth < 0 {
		return fmt.Errorf("invalid output.max_width %d", c.Output.MaxWidth)
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath is $HOME/.config/castkeeper/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "castkeeper", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty, creating it
// with defaults if it does not exist
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("backend", m.config.Backend).
		Msg("Config loaded")

	return m, nil
}

// load reads the configuration from disk. Keys missing from the file keep
// their defaults.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := *cfg
	m.mu.Lock()
	m.config = &c
	m.mu.Unlock()
	return m.Save()
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
