package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loykin/analytics-go/internal/storage"
)

// DefaultPrefix namespaces every key so Reset never touches foreign data.
const DefaultPrefix = "analytics:"

// Config holds redis storage options.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// TTL applies to every write; zero keeps keys forever.
	TTL time.Duration
}

// Client is the subset of go-redis used here.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

// Store implements storage.Storage on redis.
type Store struct {
	client Client
	prefix string
	ttl    time.Duration
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis storage: ping failed: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewFromURL parses a redis:// URL.
func NewFromURL(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis storage: %w", err)
	}
	return New(ctx, Config{Address: opts.Addr, Password: opts.Password, DB: opts.DB})
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}
}

func (s *Store) IsEnabled(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	return v, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, s.ttl).Err()
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Reset deletes every key under the prefix.
func (s *Store) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *Store) Close() error { return s.client.Close() }
