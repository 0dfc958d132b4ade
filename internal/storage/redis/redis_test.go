package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/loykin/analytics-go/internal/storage"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, cfg), mr
}

func TestRedisStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, Config{})

	if !s.IsEnabled(ctx) {
		t.Fatal("expected enabled")
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("analytics:k") {
		t.Fatalf("key not prefixed: %v", mr.Keys())
	}
	v, err := s.Get(ctx, "k")
	if err != nil || string(v) != "v" {
		t.Fatalf("get = %q, %v", v, err)
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("analytics:k") {
		t.Fatal("remove left the key")
	}
}

func TestRedisResetOnlyTouchesPrefix(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, Config{Prefix: "sdk:"})
	for _, k := range []string{"a", "b", "c"} {
		_ = s.Set(ctx, k, []byte(k))
	}
	if err := mr.Set("foreign", "keep"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	keys := mr.Keys()
	if len(keys) != 1 || keys[0] != "foreign" {
		t.Fatalf("keys after reset = %v", keys)
	}
}

func TestRedisTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, Config{TTL: time.Minute})
	_ = s.Set(ctx, "k", []byte("v"))
	if ttl := mr.TTL("analytics:k"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired key still present: %v", err)
	}
}

func TestRedisNewFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewFromURL(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewFromURL: %v", err)
	}
	defer func() { _ = s.Close() }()
	if !s.IsEnabled(context.Background()) {
		t.Fatal("expected enabled")
	}
	mr.Close()
	if _, err := NewFromURL(context.Background(), "redis://"+mr.Addr()); err == nil {
		t.Fatal("expected ping failure after server close")
	}
}
