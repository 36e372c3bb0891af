package wsmux

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// BackoffConfig defines the delay between reconnection attempts.
// A Multiplier of 1 gives a fixed interval.
type BackoffConfig struct {
	Interval    time.Duration `toml:"interval"`
	Multiplier  float64       `toml:"multiplier"`
	MaxInterval time.Duration `toml:"max_interval"`
	Jitter      bool          `toml:"jitter"`
}

// Config holds connection and session tunables.
type Config struct {
	Scheme string `toml:"scheme"`
	Path   string `toml:"path"`

	DialTimeout    time.Duration `toml:"dial_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`

	HeartbeatTick time.Duration `toml:"heartbeat_tick"`
	KeepAlive     time.Duration `toml:"keep_alive"`
	PingTimeout   time.Duration `toml:"ping_timeout"`

	ReconnectAttempts int           `toml:"reconnect_attempts"`
	Backoff           BackoffConfig `toml:"backoff"`

	ReadLimit   int64 `toml:"read_limit"`
	FrameBuffer int   `toml:"frame_buffer"`
}

// DefaultConfig returns the defaults the desktop shell ships with.
func DefaultConfig() Config {
	return Config{
		Scheme:            "ws",
		Path:              "/",
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		RequestTimeout:    10 * time.Second,
		HeartbeatTick:     5 * time.Second,
		KeepAlive:         55 * time.Second,
		PingTimeout:       10 * time.Second,
		ReconnectAttempts: 10,
		Backoff: BackoffConfig{
			Interval:    5 * time.Second,
			Multiplier:  1.0,
			MaxInterval: 10 * time.Second,
		},
		ReadLimit:   32 * 1024 * 1024, // 32MB
		FrameBuffer: 64,
	}
}

// LoadConfig reads a TOML file over DefaultConfig. Durations are written as
// strings such as "5s".
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("wsmux: config load failed (%s): %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("wsmux: config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("wsmux: config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Scheme)) {
	case "ws", "wss":
	default:
		return fmt.Errorf("scheme must be ws or wss, got %q", c.Scheme)
	}
	if c.HeartbeatTick <= 0 {
		return fmt.Errorf("heartbeat_tick must be positive")
	}
	if c.KeepAlive < c.HeartbeatTick {
		return fmt.Errorf("keep_alive (%s) must not be shorter than heartbeat_tick (%s)", c.KeepAlive, c.HeartbeatTick)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative")
	}
	if c.Backoff.Interval < 0 {
		return fmt.Errorf("backoff.interval must not be negative")
	}
	if c.FrameBuffer < 0 {
		return fmt.Errorf("frame_buffer must not be negative")
	}
	return nil
}

// URL builds the websocket URL for addr.
func (c Config) URL(addr string) string {
	scheme := strings.ToLower(strings.TrimSpace(c.Scheme))
	if scheme == "" {
		scheme = "ws"
	}
	path := c.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + addr + path
}

// nextBackoff returns the delay before reconnection attempt N (1-based).
func nextBackoff(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.Interval <= 0 {
		return 0
	}
	if attempt <= 1 {
		return jitter(cfg, float64(cfg.Interval), rng)
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.Interval) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return jitter(cfg, delay, rng)
}

func jitter(cfg BackoffConfig, delay float64, rng *rand.Rand) time.Duration {
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
