package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.kuchlu/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Server         Server  `toml:"server"`
	Timing         Timing  `toml:"timing"`
	Uploads        Uploads `toml:"uploads"`
}

// Server holds the remote endpoint locations.
type Server struct {
	// BaseURL is the HTTP API root used for request-fallback sends,
	// fetch-since and signed upload parameters.
	BaseURL string `toml:"base_url"`
	// DuplexURL is the websocket endpoint for the primary channel.
	DuplexURL string `toml:"duplex_url"`
	// PushURL is the SSE endpoint for the one-way fallback stream.
	PushURL string `toml:"push_url"`
}

// Timing holds transport and delivery timer settings, in seconds.
type Timing struct {
	HeartbeatSec       int `toml:"heartbeat_sec"`
	ActivityTimeoutSec int `toml:"activity_timeout_sec"`
	ReconnectDelaySec  int `toml:"reconnect_delay_sec"`
	AckTimeoutSec      int `toml:"ack_timeout_sec"`
}

// Uploads holds upload queue settings.
type Uploads struct {
	// MaxFileBytes is the largest file accepted into the queue; larger
	// files fail non-retryably before any network I/O.
	MaxFileBytes int64 `toml:"max_file_bytes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			BaseURL:   "https://api.kuchlu.app",
			DuplexURL: "wss://api.kuchlu.app/ws",
			PushURL:   "https://api.kuchlu.app/events",
		},
		Timing: Timing{
			HeartbeatSec:       25,
			ActivityTimeoutSec: 75,
			ReconnectDelaySec:  5,
			AckTimeoutSec:      15,
		},
		Uploads: Uploads{
			MaxFileBytes: 64 << 20,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to Default when the
// file does not exist. Environment overrides are applied in both cases.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = Default()
	} else {
		fillDefaults(cfg)
	}
	cfg.applyEnv()
	return cfg
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

// fillDefaults replaces zero values with built-in defaults so a partial
// config file stays usable.
func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = def.Server.BaseURL
	}
	if cfg.Server.DuplexURL == "" {
		cfg.Server.DuplexURL = def.Server.DuplexURL
	}
	if cfg.Server.PushURL == "" {
		cfg.Server.PushURL = def.Server.PushURL
	}
	if cfg.Timing.HeartbeatSec == 0 {
		cfg.Timing.HeartbeatSec = def.Timing.HeartbeatSec
	}
	if cfg.Timing.ActivityTimeoutSec == 0 {
		cfg.Timing.ActivityTimeoutSec = def.Timing.ActivityTimeoutSec
	}
	if cfg.Timing.ReconnectDelaySec == 0 {
		cfg.Timing.ReconnectDelaySec = def.Timing.ReconnectDelaySec
	}
	if cfg.Timing.AckTimeoutSec == 0 {
		cfg.Timing.AckTimeoutSec = def.Timing.AckTimeoutSec
	}
	if cfg.Uploads.MaxFileBytes == 0 {
		cfg.Uploads.MaxFileBytes = def.Uploads.MaxFileBytes
	}
}

// applyEnv overrides config fields from KUCHLU_* environment variables.
// A .env file loaded via godotenv in main feeds these in development.
func (c *Config) applyEnv() {
	if v := os.Getenv("KUCHLU_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("KUCHLU_DUPLEX_URL"); v != "" {
		c.Server.DuplexURL = v
	}
	if v := os.Getenv("KUCHLU_PUSH_URL"); v != "" {
		c.Server.PushURL = v
	}
	if v := os.Getenv("KUCHLU_ACK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Timing.AckTimeoutSec = n
		}
	}
}
