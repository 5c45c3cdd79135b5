package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"confluence/internal/config"
	"confluence/internal/logger"

	"github.com/redis/go-redis/v9"
)

// RedisCache 多进程共享的预测缓存，值为 JSON。
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisCache 建立连接并 Ping 一次，失败直接返回错误。
func NewRedisCache(cfg config.RedisConfig, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCacheWithClient(client, cfg.Prefix, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "confluence"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, log: logger.Component("ensemble.cache")}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":ensemble:" + k
}

func (c *RedisCache) Get(ctx context.Context, key string) (Prediction, bool) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("redis get failed, treating as miss", "error", err)
		}
		return Prediction{}, false
	}
	var p Prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warn("redis payload corrupt, treating as miss", "error", err)
		return Prediction{}, false
	}
	return p, true
}

func (c *RedisCache) Set(ctx context.Context, key string, p Prediction) {
	if c.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		c.log.Warn("redis encode failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		c.log.Warn("redis set failed", "error", err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
