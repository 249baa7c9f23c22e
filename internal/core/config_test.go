package core

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.Source.BaseURL = "https://api.example.com"
	cfg.Push.Schedule = "5m"
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	durs, err := cfg.Validate()
	if err != nil {
		t.Fatal(err)
	}
	if durs.PollTimeout != 10*time.Second {
		t.Errorf("poll timeout = %v", durs.PollTimeout)
	}
	if durs.SourceTimeout != 15*time.Second {
		t.Errorf("source timeout = %v", durs.SourceTimeout)
	}
	if durs.FirstRunDelay != time.Second {
		t.Errorf("first run delay = %v", durs.FirstRunDelay)
	}
	if durs.DedupRetention != 24*time.Hour {
		t.Errorf("retention = %v", durs.DedupRetention)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"missing base url", func(c *Config) { c.Source.BaseURL = " " }, "source.base_url"},
		{"missing schedule", func(c *Config) { c.Push.Schedule = "" }, "push.schedule"},
		{"bad duration", func(c *Config) { c.Source.Timeout = "soon" }, "source.timeout"},
		{"negative duration", func(c *Config) { c.Push.RunTimeout = "-5s" }, "push.run_timeout"},
		{"sqlite without path", func(c *Config) { c.Dedup.Driver = "sqlite" }, "dedup.path"},
		{"redis without addr", func(c *Config) { c.Dedup.Driver = "redis" }, "dedup.redis.addr"},
		{"unknown driver", func(c *Config) { c.Dedup.Driver = "etcd" }, "dedup.driver"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			_, err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "env-token")
	t.Setenv("SOURCE_CLIENT_SECRET", "env-secret")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg := validConfig()
	cfg.Source.ClientSecret = "file-secret"
	cfg.applyEnv()

	if cfg.Telegram.Token != "env-token" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Source.ClientSecret != "env-secret" {
		t.Errorf("client secret = %q", cfg.Source.ClientSecret)
	}
	if cfg.Dedup.Redis.Addr != "redis.internal:6379" {
		t.Errorf("redis addr = %q", cfg.Dedup.Redis.Addr)
	}
}

func TestIsOwner(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Telegram.OwnerIDs = []int64{42, 77}
	if !cfg.isOwner(42) || !cfg.isOwner(77) {
		t.Fatal("owner not recognized")
	}
	if cfg.isOwner(1) {
		t.Fatal("non-owner recognized")
	}
}
