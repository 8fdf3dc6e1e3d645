package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

const keyPrefix = "senamhi:shapefile"

// RedisStore keeps archives in redis with a TTL equal to the retention, so
// Prune has nothing to do.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to addr and verifies the connection with PING.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(key domain.ArchiveKey) string {
	return fmt.Sprintf("%s:%d:%d:%d", keyPrefix, key.Number, key.Day, key.Year)
}

func (s *RedisStore) Get(ctx context.Context, key domain.ArchiveKey) ([]byte, error) {
	data, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Put(ctx context.Context, key domain.ArchiveKey, data []byte) error {
	if err := s.client.Set(ctx, redisKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key domain.ArchiveKey) error {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

func (s *RedisStore) Evict(ctx context.Context, number int) (int, error) {
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("%s:%d:*", keyPrefix, number), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("evict archives: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("evict archives: %w", err)
	}
	return int(n), nil
}

// Prune is a no-op; keys expire on their own.
func (s *RedisStore) Prune(context.Context, time.Duration) (int, error) {
	return 0, nil
}

// Ping checks the connection for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
