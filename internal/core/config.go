// Package core wires the alert engine together: configuration, lifecycle
// supervision, the operator command surface, and the application itself.
package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"alertbot/internal/dedup"
	"alertbot/pkg/logx"
)

// Config is the YAML configuration file shape. Duration fields are strings
// ("30s", "5m") parsed during Validate.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Telegram TelegramConfig `yaml:"telegram"`
	Source   SourceConfig   `yaml:"source"`
	Push     PushConfig     `yaml:"push"`
	Dedup    DedupConfig    `yaml:"dedup"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"file"`
	Chat struct {
		Enabled    bool   `yaml:"enabled"`
		ChatID     int64  `yaml:"chat_id"`
		ThreadID   int    `yaml:"thread_id"`
		MinLevel   string `yaml:"min_level"`
		RatePerSec int    `yaml:"rate_per_sec"`
	} `yaml:"chat"`
}

type TelegramConfig struct {
	Token       string  `yaml:"token"` // TELEGRAM_TOKEN overrides
	PollTimeout string  `yaml:"poll_timeout"`
	OwnerIDs    []int64 `yaml:"owner_ids"`
}

type SourceConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"` // SOURCE_CLIENT_SECRET overrides
	Timeout      string `yaml:"timeout"`
}

type PushConfig struct {
	Schedule      string  `yaml:"schedule"`
	RunTimeout    string  `yaml:"run_timeout"`
	FirstRunDelay string  `yaml:"first_run_delay"`
	Workers       int     `yaml:"workers"`
	RatePerSec    float64 `yaml:"rate_per_sec"`
	Burst         int     `yaml:"burst"`
}

type DedupConfig struct {
	Driver    string `yaml:"driver"` // memory | sqlite | redis
	Path      string `yaml:"path"`
	Retention string `yaml:"retention"`
	Redis     struct {
		Addr     string `yaml:"addr"` // REDIS_ADDR overrides
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

// Durations holds the parsed duration fields, filled by Validate.
type Durations struct {
	PollTimeout    time.Duration
	SourceTimeout  time.Duration
	RunTimeout     time.Duration
	FirstRunDelay  time.Duration
	DedupRetention time.Duration
}

// applyEnv overlays secrets from the environment. A .env file, if present,
// is loaded into the environment by main before this runs.
func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("SOURCE_CLIENT_SECRET"); v != "" {
		c.Source.ClientSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Dedup.Redis.Addr = v
	}
}

// Validate checks the config and returns the parsed duration fields.
func (c *Config) Validate() (Durations, error) {
	var d Durations
	var err error

	if strings.TrimSpace(c.Telegram.Token) == "" {
		return d, fmt.Errorf("telegram.token required (or TELEGRAM_TOKEN)")
	}
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return d, fmt.Errorf("source.base_url required")
	}
	if strings.TrimSpace(c.Push.Schedule) == "" {
		return d, fmt.Errorf("push.schedule required")
	}
	if c.Push.Workers < 0 {
		return d, fmt.Errorf("push.workers must be >= 0")
	}
	if c.Push.RatePerSec < 0 {
		return d, fmt.Errorf("push.rate_per_sec must be >= 0")
	}

	if d.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second); err != nil {
		return d, err
	}
	if d.SourceTimeout, err = ParseDurationOrDefault("source.timeout", c.Source.Timeout, 15*time.Second); err != nil {
		return d, err
	}
	if d.RunTimeout, err = ParseDurationField("push.run_timeout", c.Push.RunTimeout); err != nil {
		return d, err
	}
	if d.FirstRunDelay, err = ParseDurationOrDefault("push.first_run_delay", c.Push.FirstRunDelay, time.Second); err != nil {
		return d, err
	}
	if d.DedupRetention, err = ParseDurationOrDefault("dedup.retention", c.Dedup.Retention, dedup.DefaultRetention); err != nil {
		return d, err
	}

	switch strings.TrimSpace(strings.ToLower(c.Dedup.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Dedup.Path) == "" {
			return d, fmt.Errorf("dedup.path required for the sqlite driver")
		}
	case "redis":
		if strings.TrimSpace(c.Dedup.Redis.Addr) == "" {
			return d, fmt.Errorf("dedup.redis.addr required for the redis driver (or REDIS_ADDR)")
		}
	default:
		return d, fmt.Errorf("dedup.driver %q unknown (memory, sqlite, redis)", c.Dedup.Driver)
	}
	return d, nil
}

func (c *Config) logConfig() logx.Config {
	lc := logx.Config{
		Level:   c.Log.Level,
		Console: c.Log.Console,
	}
	lc.File.Enabled = c.Log.File.Enabled
	lc.File.Path = c.Log.File.Path
	lc.Chat.Enabled = c.Log.Chat.Enabled
	lc.Chat.ThreadID = c.Log.Chat.ThreadID
	lc.Chat.MinLevel = c.Log.Chat.MinLevel
	lc.Chat.RatePerSec = c.Log.Chat.RatePerSec
	return lc
}

func (c *Config) isOwner(id int64) bool {
	for _, o := range c.Telegram.OwnerIDs {
		if o == id {
			return true
		}
	}
	return false
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
