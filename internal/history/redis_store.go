package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisStoreConfig configures the Redis document backend.
type RedisStoreConfig struct {
	Key string
}

// RedisStore keeps the whole document under one key; SET replaces it atomically.
type RedisStore struct {
	client  redisCommander
	closeFn func() error
	key     string
}

// NewRedisStore creates a Redis-backed history store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	key := cfg.Key
	if key == "" {
		key = "subgraph-lag:history"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisStore{client: client, closeFn: closeFn, key: key}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Load fetches the document, seeding an empty one when the key does not exist.
func (s *RedisStore) Load(ctx context.Context) (Document, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis history store is not initialized")
	}

	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		if err := s.client.SetNX(ctx, s.key, emptyDocument, 0).Err(); err != nil {
			return nil, fmt.Errorf("initialise history key: %w", err)
		}
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history key: %w", err)
	}
	return Decode(raw)
}

// Read fetches the document without seeding the key.
func (s *RedisStore) Read(ctx context.Context) (Document, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis history store is not initialized")
	}

	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history key: %w", err)
	}
	return Decode(raw)
}

// Persist overwrites the key with the encoded document.
func (s *RedisStore) Persist(ctx context.Context, doc Document) error {
	if s == nil || s.client == nil {
		return &PersistError{Backend: "redis", Err: errors.New("store is not initialized")}
	}

	data, err := Encode(doc)
	if err != nil {
		return &PersistError{Backend: "redis", Err: err}
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return &PersistError{Backend: "redis", Err: err}
	}
	return nil
}

var _ ReadStore = (*RedisStore)(nil)
