package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 用于初始化 Redis
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// Redis implements Cache on a go-redis client.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis 连接 Redis 并校验可用性
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return &Redis{client: rdb, prefix: cfg.Prefix}, nil
}

// Close 关闭连接
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	full := r.prefix + key
	val, err := r.client.Get(ctx, full).Bytes()
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		// 缓存不可用时直接回源
		log.Printf("[cache] get %s failed, computing: %v", full, err)
	}

	val, err = compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.client.Set(ctx, full, val, ttl).Err(); err != nil {
		log.Printf("[cache] fill %s failed: %v", full, err)
	}
	return val, nil
}

func (r *Redis) Invalidate(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, r.prefix+pattern, 100).Iterator()
	keys := make([]string, 0, 8)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
