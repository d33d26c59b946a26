package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.BaseURL == "" || cfg.Server.DuplexURL == "" || cfg.Server.PushURL == "" {
		t.Errorf("default endpoints incomplete: %+v", cfg.Server)
	}
	if cfg.Timing.HeartbeatSec != 25 {
		t.Errorf("heartbeat = %d, want 25", cfg.Timing.HeartbeatSec)
	}
	if cfg.Timing.ActivityTimeoutSec != 75 {
		t.Errorf("activity timeout = %d, want 75", cfg.Timing.ActivityTimeoutSec)
	}
	if cfg.Timing.AckTimeoutSec != 15 {
		t.Errorf("ack timeout = %d, want 15", cfg.Timing.AckTimeoutSec)
	}
	// Heartbeat interval must fit well inside the activity window or the
	// watchdog would kill healthy connections.
	if cfg.Timing.HeartbeatSec*2 >= cfg.Timing.ActivityTimeoutSec {
		t.Error("heartbeat too close to activity timeout")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Server.BaseURL = "https://staging.kuchlu.app"
	cfg.Timing.AckTimeoutSec = 30

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("default profile = %q", loaded.DefaultProfile)
	}
	if loaded.Server.BaseURL != "https://staging.kuchlu.app" {
		t.Errorf("base url = %q", loaded.Server.BaseURL)
	}
	if loaded.Timing.AckTimeoutSec != 30 {
		t.Errorf("ack timeout = %d", loaded.Timing.AckTimeoutSec)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefaultFillsPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := []byte("default_profile = \"main\"\n\n[server]\nbase_url = \"https://example.com\"\n")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	cfg := LoadOrDefault(path)
	if cfg.DefaultProfile != "main" {
		t.Errorf("default profile = %q", cfg.DefaultProfile)
	}
	if cfg.Server.BaseURL != "https://example.com" {
		t.Errorf("base url = %q", cfg.Server.BaseURL)
	}
	// Unset values fall back to defaults.
	if cfg.Server.DuplexURL == "" {
		t.Error("duplex url not defaulted")
	}
	if cfg.Timing.HeartbeatSec != 25 || cfg.Uploads.MaxFileBytes == 0 {
		t.Errorf("defaults not filled: %+v", cfg)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Server.BaseURL == "" {
		t.Error("missing file must yield defaults")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KUCHLU_BASE_URL", "https://env.kuchlu.app")
	t.Setenv("KUCHLU_ACK_TIMEOUT_SEC", "45")

	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Server.BaseURL != "https://env.kuchlu.app" {
		t.Errorf("base url = %q", cfg.Server.BaseURL)
	}
	if cfg.Timing.AckTimeoutSec != 45 {
		t.Errorf("ack timeout = %d, want 45", cfg.Timing.AckTimeoutSec)
	}
}
