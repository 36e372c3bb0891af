package wsmux

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ReconnectAttempts != 10 {
		t.Errorf("ReconnectAttempts = %d, want 10", cfg.ReconnectAttempts)
	}
	if cfg.HeartbeatTick != 5*time.Second {
		t.Errorf("HeartbeatTick = %v, want 5s", cfg.HeartbeatTick)
	}
	if cfg.KeepAlive != 55*time.Second {
		t.Errorf("KeepAlive = %v, want 55s", cfg.KeepAlive)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsmux.toml")
	data := `
scheme = "wss"
path = "/ws"
request_timeout = "2s"
reconnect_attempts = 3

[backoff]
interval = "100ms"
multiplier = 2.0
max_interval = "1s"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Scheme != "wss" || cfg.Path != "/ws" {
		t.Errorf("scheme/path = %s %s", cfg.Scheme, cfg.Path)
	}
	if cfg.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v, want 2s", cfg.RequestTimeout)
	}
	if cfg.ReconnectAttempts != 3 {
		t.Errorf("ReconnectAttempts = %d, want 3", cfg.ReconnectAttempts)
	}
	if cfg.Backoff.Interval != 100*time.Millisecond || cfg.Backoff.Multiplier != 2.0 {
		t.Errorf("Backoff = %+v", cfg.Backoff)
	}
	// Unset keys keep their defaults.
	if cfg.KeepAlive != 55*time.Second {
		t.Errorf("KeepAlive = %v, want default 55s", cfg.KeepAlive)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Errorf("err = %v, want load failure", err)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsmux.toml")
	if err := os.WriteFile(path, []byte(`scheme = "http"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "config invalid") {
		t.Errorf("err = %v, want validation failure", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"scheme", func(c *Config) { c.Scheme = "tcp" }},
		{"heartbeat tick", func(c *Config) { c.HeartbeatTick = 0 }},
		{"keep alive", func(c *Config) { c.KeepAlive = c.HeartbeatTick / 2 }},
		{"request timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"attempts", func(c *Config) { c.ReconnectAttempts = -1 }},
		{"interval", func(c *Config) { c.Backoff.Interval = -time.Second }},
		{"frame buffer", func(c *Config) { c.FrameBuffer = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_URL(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.URL("127.0.0.1:9000"); got != "ws://127.0.0.1:9000/" {
		t.Errorf("URL = %s", got)
	}
	cfg.Scheme = "WSS"
	cfg.Path = "socket"
	if got := cfg.URL("host:1"); got != "wss://host:1/socket" {
		t.Errorf("URL = %s", got)
	}
}

func TestNextBackoff(t *testing.T) {
	cfg := BackoffConfig{Interval: 100 * time.Millisecond, Multiplier: 2, MaxInterval: 500 * time.Millisecond}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, w := range want {
		if got := nextBackoff(cfg, i+1, nil); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestNextBackoff_Fixed(t *testing.T) {
	cfg := DefaultConfig().Backoff
	for attempt := 1; attempt <= 10; attempt++ {
		if got := nextBackoff(cfg, attempt, nil); got != 5*time.Second {
			t.Errorf("attempt %d: got %v, want 5s", attempt, got)
		}
	}
}

func TestNextBackoff_Jitter(t *testing.T) {
	cfg := BackoffConfig{Interval: time.Second, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		got := nextBackoff(cfg, 1, rng)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", got)
		}
	}
}

func TestNextBackoff_Zero(t *testing.T) {
	if got := nextBackoff(BackoffConfig{}, 3, nil); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}
