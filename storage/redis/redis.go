// Package redis provides a Redis-backed implementation of the storage
// interface using github.com/redis/go-redis/v9. GETDEL gives the atomic
// single-use semantics the broker relies on. TTLs are enforced both by
// Redis key expiry and by the expiry metadata embedded in each item.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xenote/mcp-relay/storage"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys. Default: "relay:oauth:".
	KeyPrefix string
}

// Store implements storage.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ storage.Store = (*Store)(nil)

// storedItem is the JSON structure stored in Redis.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "relay:oauth:"
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

// NewFromAddr dials addr and verifies connectivity before returning a
// store.
func NewFromAddr(ctx context.Context, addr string) (*Store, error) {
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: cl})
}

func (s *Store) Get(ctx context.Context, key string) (*storage.Item, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	item, err := decodeItem(val)
	if err != nil {
		return nil, err
	}
	if item.IsExpired() {
		s.client.Del(ctx, s.keyPrefix+key)
		return nil, nil
	}
	return item, nil
}

func (s *Store) GetDel(ctx context.Context, key string) (*storage.Item, error) {
	val, err := s.client.GetDel(ctx, s.keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to getdel key %s: %w", key, err)
	}
	item, err := decodeItem(val)
	if err != nil {
		return nil, err
	}
	if item.IsExpired() {
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := &storage.Options{}
	for _, opt := range opts {
		opt(options)
	}

	now := time.Now()
	item := storedItem{Data: data, CreatedAt: now}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
		if redisTTL <= 0 {
			// Redis rejects non-positive expirations; store briefly and
			// let the embedded deadline mark it expired.
			redisTTL = time.Second
		}
	}

	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, b, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func decodeItem(val string) (*storage.Item, error) {
	var item storedItem
	if err := json.Unmarshal([]byte(val), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	return &storage.Item{Data: item.Data, CreatedAt: item.CreatedAt, ExpiresAt: item.ExpiresAt}, nil
}
