package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"diet-report/config"
	"diet-report/internal/db"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "report_token:"

// RedisStore keeps token mappings in Redis with a TTL.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func key(tok string) string {
	return keyPrefix + tok
}

func (s *RedisStore) PutToken(ctx context.Context, tok, reportID string, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, key(tok), reportID, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return db.ErrConflict
	}
	return nil
}

func (s *RedisStore) GetToken(ctx context.Context, tok string) (string, error) {
	id, err := s.rdb.Get(ctx, key(tok)).Result()
	if errors.Is(err, redis.Nil) {
		return "", db.ErrNotFound
	}
	return id, err
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
