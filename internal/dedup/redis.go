package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"alertbot/internal/market"
)

// redisStore backs multi-instance deployments: every record is one key
// with a TTL equal to the retention window, so expiry is handled by the
// server and lookups need no cutoff arithmetic.
type redisStore struct {
	client    *redis.Client
	retention time.Duration
}

func openRedis(cfg Config) (Store, error) {
	if cfg.Redis.Addr == "" {
		return nil, errors.New("dedup: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dedup: redis ping: %w", err)
	}
	return &redisStore{client: client, retention: cfg.Retention}, nil
}

func redisKey(scope string, category market.Category, fp string) string {
	return "dedup:" + scope + ":" + string(category) + ":" + fp
}

func (r *redisStore) FilterNew(ctx context.Context, scope string, category market.Category, fingerprints []string) ([]string, error) {
	if len(fingerprints) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(fingerprints))
	for i, fp := range fingerprints {
		cmds[i] = pipe.Exists(ctx, redisKey(scope, category, fp))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dedup redis lookup: %w", err)
	}

	fresh := make([]string, 0, len(fingerprints))
	for i, fp := range fingerprints {
		if cmds[i].Val() == 0 {
			fresh = append(fresh, fp)
		}
	}
	return fresh, nil
}

func (r *redisStore) MarkDelivered(ctx context.Context, scope string, category market.Category, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, fp := range fingerprints {
		pipe.Set(ctx, redisKey(scope, category, fp), "1", r.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dedup redis mark: %w", err)
	}
	return nil
}

func (r *redisStore) Close() error { return r.client.Close() }
