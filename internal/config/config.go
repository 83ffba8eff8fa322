package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.crewchat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Server    ServerConfig    `toml:"server"`
	Transport TransportConfig `toml:"transport"`
	Sync      SyncConfig      `toml:"sync"`
}

// ServerConfig points the sync engine at the remote message API.
type ServerConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
}

// TransportConfig configures the live WebSocket transport.
type TransportConfig struct {
	URL                string `toml:"url"`
	ReconnectBaseMs    int    `toml:"reconnect_base_ms"`
	ReconnectMaxMs     int    `toml:"reconnect_max_ms"`
	HeartbeatIntervalS int    `toml:"heartbeat_interval_s"`
}

// SyncConfig configures how often the engine flushes and the retry cap.
type SyncConfig struct {
	FlushIntervalMs int `toml:"flush_interval_ms"`
	MaxAttempts     int `toml:"max_attempts"`
}

// Default returns a config with sensible local-development values.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: ServerConfig{
			BaseURL: "http://localhost:8480",
		},
		Transport: TransportConfig{
			URL:                "ws://localhost:8480/v1/stream",
			ReconnectBaseMs:    1000,
			ReconnectMaxMs:     30000,
			HeartbeatIntervalS: 25,
		},
		Sync: SyncConfig{
			FlushIntervalMs: 2000,
			MaxAttempts:     3,
		},
	}
}

// Load reads config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
