package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, host, port, password string) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%s", host, port)

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logrus.WithField("addr", addr).Info("Connected to Redis")
	return client, nil
}

// TokenCacheKey derives a cache key from a bearer token without storing the
// token itself
func TokenCacheKey(prefix, token string) string {
	hash := sha256.Sum256([]byte(token))
	return prefix + hex.EncodeToString(hash[:])
}

// CacheSetJSON stores v as JSON under key
func CacheSetJSON(ctx context.Context, client *redis.Client, key string, v interface{}, ttl time.Duration) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return client.Set(ctx, key, data, ttl).Err()
}

// CacheGetJSON loads key into dest. It reports false on a miss.
func CacheGetJSON(ctx context.Context, client *redis.Client, key string, dest interface{}) (bool, error) {
	if client == nil {
		return false, nil
	}
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		client.Del(ctx, key)
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return true, nil
}
