package config

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// viperFor loads cfg into a fresh viper instance so dotted keys like
// capture.fps resolve against the same layout the YAML file uses
func viperFor(cfg *Config) (*viper.Viper, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to index config: %w", err)
	}
	return v, nil
}

// Keys lists every settable key
func (m *Manager) Keys() []string {
	v, err := viperFor(m.Get())
	if err != nil {
		return nil
	}
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// GetValue returns the value stored under a dotted key
func (m *Manager) GetValue(key string) (interface{}, error) {
	v, err := viperFor(m.Get())
	if err != nil {
		return nil, err
	}
	if !v.IsSet(key) {
		return nil, fmt.Errorf("configuration key not found: %s", key)
	}
	return v.Get(key), nil
}

// SetValue parses value into the type of key, validates the result and
// saves it
func (m *Manager) SetValue(key, value string) error {
	v, err := viperFor(m.Get())
	if err != nil {
		return err
	}
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}
	v.Set(key, value)

	// viper decodes weakly, so "9090" lands in an int and "false" in a bool
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return m.Update(cfg)
}

// ApplyOverrides copies command-line overrides bound in v onto the loaded
// configuration without saving them
func (m *Manager) ApplyOverrides(v *viper.Viper) error {
	cfg := m.Get()
	changed := false

	if v.IsSet("server_port") {
		if port := v.GetInt("server_port"); port > 0 {
			cfg.ServerPort = port
			changed = true
		}
	}
	if v.IsSet("log_level") {
		if level := v.GetString("log_level"); level != "" {
			cfg.LogLevel = level
			changed = true
		}
	}
	if v.IsSet("backend") {
		if backend := v.GetString("backend"); backend != "" {
			cfg.Backend = backend
			changed = true
		}
	}
	if v.IsSet("no_tray") && v.GetBool("no_tray") {
		cfg.KeepAlive.Tray = false
		changed = true
	}

	if !changed {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
