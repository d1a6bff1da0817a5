// Package redis provides a Redis-backed credstore backend. Records are
// wrapped in a small JSON envelope so creation time survives round trips;
// expiry leans on native Redis TTLs with an envelope timestamp as a backstop.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordonlabs/toolgate/credstore"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "toolgate:cred:"

// Config configures a Redis-backed store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix namespaces every key. Default: "toolgate:cred:".
	KeyPrefix string
}

// Store implements credstore.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ credstore.Store = (*Store)(nil)

type envelope struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *Store) Get(ctx context.Context, key string, opts ...credstore.Option) (*credstore.Item, error) {
	options := credstore.Apply(opts)
	redisKey := s.buildKey(options.Namespace, key)

	raw, err := s.client.Get(ctx, redisKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored record: %w", err)
	}

	item := &credstore.Item{Data: env.Data, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}
	if item.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...credstore.Option) error {
	options := credstore.Apply(opts)
	redisKey := s.buildKey(options.Namespace, key)

	now := time.Now()
	env := envelope{Data: data, CreatedAt: now}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		env.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, payload, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, opts ...credstore.Option) error {
	options := credstore.Apply(opts)

	if options.Key != nil {
		redisKey := s.buildKey(options.Namespace, *options.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}

	pattern := s.buildKey(options.Namespace, "*")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// buildKey ends every scope in "key:" so a namespace-wide delete pattern
// ("user:u:key:*") cannot sweep up another scope's keys
// ("user:u:server:s:key:...").
func (s *Store) buildKey(ns credstore.Namespace, key string) string {
	switch n := ns.(type) {
	case credstore.UserNamespace:
		return s.keyPrefix + "user:" + n.UserID + ":key:" + key
	case credstore.UserServerNamespace:
		return s.keyPrefix + "user:" + n.UserID + ":server:" + n.ServerName + ":key:" + key
	default:
		return s.keyPrefix + "global:key:" + key
	}
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
