// Package dedup tracks delivered content fingerprints per dedup scope so a
// second cycle with the same upstream items produces zero duplicate sends.
//
// A scope is one physical recipient: a user and each of their bound groups
// dedup independently. Records are created only after a confirmed send and
// expire lazily at lookup time against the retention window; there is no
// background sweeper, so the stores have a single mutation path.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"alertbot/internal/market"
	"alertbot/pkg/logx"
)

// Store is the delivery-suppression boundary.
type Store interface {
	// FilterNew returns the subset of fingerprints with no unexpired
	// delivery record for (scope, category).
	FilterNew(ctx context.Context, scope string, category market.Category, fingerprints []string) ([]string, error)

	// MarkDelivered records delivery for the given fingerprints. Call it
	// only for sends the gateway confirmed.
	MarkDelivered(ctx context.Context, scope string, category market.Category, fingerprints []string) error

	Close() error
}

// DefaultRetention matches the upstream content refresh horizon: records
// older than this must not suppress redelivery.
const DefaultRetention = 24 * time.Hour

type Config struct {
	Driver    string // "memory" (default), "sqlite", "redis"
	Path      string // sqlite database file
	Retention time.Duration
	Redis     RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Open constructs the configured driver. The in-memory store is the
// single-instance baseline; sqlite and redis back multi-instance or
// restart-surviving deployments.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case "", "memory":
		return NewMemory(cfg.Retention), nil
	case "sqlite":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg)
	default:
		return nil, fmt.Errorf("dedup: unknown driver %q", cfg.Driver)
	}
}
