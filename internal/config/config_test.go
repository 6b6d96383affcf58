package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Render.Width != 1080 || cfg.Render.Height != 1920 {
		t.Fatalf("expected 1080x1920 frames, got %dx%d", cfg.Render.Width, cfg.Render.Height)
	}
	if cfg.Avatar.PreviewID != "avatar_stream" {
		t.Fatalf("expected avatar_stream preview id, got %q", cfg.Avatar.PreviewID)
	}
	if cfg.Portrait.URLs["male"] != "https://i.pravatar.cc/600?img=12" {
		t.Fatalf("unexpected male portrait url %q", cfg.Portrait.URLs["male"])
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-avatar.yaml")
	data := []byte(`
runtime_name: studio
render:
  format: png
  workers: 2
avatar:
  default_variant: male
portrait:
  mode: http
  urls:
    male: http://portraits.local/m.jpg
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "studio" {
		t.Fatalf("expected runtime name override, got %q", cfg.RuntimeName)
	}
	if cfg.Render.Format != "png" || cfg.Render.Workers != 2 {
		t.Fatalf("expected render overrides, got %+v", cfg.Render)
	}
	if cfg.Render.Width != 1080 {
		t.Fatalf("expected unspecified fields to keep defaults, got width %d", cfg.Render.Width)
	}
	if cfg.Avatar.DefaultVariant != "male" {
		t.Fatalf("expected default variant male, got %q", cfg.Avatar.DefaultVariant)
	}
	if cfg.Portrait.URLs["male"] != "http://portraits.local/m.jpg" {
		t.Fatalf("expected url override, got %v", cfg.Portrait.URLs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_AVATAR_BUS_ENABLED", "true")
	t.Setenv("LOQA_AVATAR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_AVATAR_BUS_USERNAME", "alice")
	t.Setenv("LOQA_AVATAR_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_AVATAR_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_AVATAR_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_AVATAR_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_AVATAR_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_AVATAR_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_AVATAR_RENDER_QUALITY", "75")
	t.Setenv("LOQA_AVATAR_RENDER_SHOW_DEBUG", "false")
	t.Setenv("LOQA_AVATAR_VARIANTS", "female, male, robot")
	t.Setenv("LOQA_AVATAR_DEFAULT_VARIANT", "robot")
	t.Setenv("LOQA_AVATAR_SPEECH_MAX_SPEED", "2.5")
	t.Setenv("LOQA_AVATAR_HTTP_PORT", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if cfg.Render.Quality != 75 {
		t.Fatalf("expected quality 75, got %d", cfg.Render.Quality)
	}
	if cfg.Render.ShowDebug {
		t.Fatal("expected show_debug override false")
	}
	if len(cfg.Avatar.Variants) != 3 || cfg.Avatar.DefaultVariant != "robot" {
		t.Fatalf("expected variant overrides, got %v / %q", cfg.Avatar.Variants, cfg.Avatar.DefaultVariant)
	}
	if cfg.Speech.MaxSpeed != 2.5 {
		t.Fatalf("expected max speed 2.5, got %v", cfg.Speech.MaxSpeed)
	}
	if cfg.HTTP.Port != 5000 {
		t.Fatalf("expected malformed port override to be ignored, got %d", cfg.HTTP.Port)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"port":           func(c *Config) { c.HTTP.Port = 70000 },
		"aspect":         func(c *Config) { c.Render.Height = 1080 },
		"face outside":   func(c *Config) { c.Render.FaceX = 600 },
		"format":         func(c *Config) { c.Render.Format = "gif" },
		"quality":        func(c *Config) { c.Render.Quality = 0 },
		"workers":        func(c *Config) { c.Render.Workers = 0 },
		"portrait mode":  func(c *Config) { c.Portrait.Mode = "ftp" },
		"exec command":   func(c *Config) { c.Portrait.Mode = "exec" },
		"unknown avatar": func(c *Config) { c.Avatar.DefaultVariant = "robot" },
		"speed range":    func(c *Config) { c.Speech.MinSpeed = 5 },
		"retention":      func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"data dir":       func(c *Config) { c.Paths.DataDir = "" },
		"traces":         func(c *Config) { c.Telemetry.Traces = "jaeger" },
		"otlp endpoint":  func(c *Config) { c.Telemetry.Traces = "otlp" },
		"sampling":       func(c *Config) { c.Telemetry.TraceSampling = 2 },
		"bus servers": func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.Embedded = false
			c.Bus.Servers = nil
		},
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := validate(Default()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
