package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/util"
)

// PresenceCache keeps client online flags and sync cursors in Redis so
// they survive coordinator restarts. The fabric falls back to its
// in-memory maps when the cache is absent.
type PresenceCache struct {
	client *redis.Client
	logger *zap.Logger
}

const (
	presenceKeyPrefix = "threatnet:presence:"
	cursorKeyPrefix   = "threatnet:cursor:"
	presenceTTL       = 24 * time.Hour
)

// NewPresenceCache connects to Redis and verifies the connection.
func NewPresenceCache(cfg *config.Config, logger *zap.Logger) (*PresenceCache, error) {
	if cfg.Redis.URL == "" {
		return nil, fmt.Errorf("no redis url configured")
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	util.Info("Redis presence cache initialized", zap.String("addr", opts.Addr))
	return &PresenceCache{client: rdb, logger: logger}, nil
}

// SetOnline records the client's presence flag.
func (c *PresenceCache) SetOnline(ctx context.Context, clientID string, online bool) error {
	key := presenceKeyPrefix + clientID
	if online {
		return c.client.Set(ctx, key, "1", presenceTTL).Err()
	}
	return c.client.Del(ctx, key).Err()
}

// SaveCursor persists the client's verified-intel cursor.
func (c *PresenceCache) SaveCursor(ctx context.Context, clientID string, cursor int64) error {
	return c.client.Set(ctx, cursorKeyPrefix+clientID, strconv.FormatInt(cursor, 10), 0).Err()
}

// LoadCursor returns the persisted cursor, zero when unknown.
func (c *PresenceCache) LoadCursor(ctx context.Context, clientID string) (int64, error) {
	raw, err := c.client.Get(ctx, cursorKeyPrefix+clientID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", clientID, err)
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %s: %w", clientID, err)
	}
	return cursor, nil
}

func (c *PresenceCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
