package continuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryTakeIsOneShot(t *testing.T) {
	store := NewMemory(0)
	nonce, err := store.Put(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Take(context.Background(), nonce)
	if err != nil || got != "tok-1" {
		t.Fatalf("take = %q, %v", got, err)
	}
	if _, err := store.Take(context.Background(), nonce); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second take: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryPeekDoesNotConsume(t *testing.T) {
	store := NewMemory(0)
	ctx := context.Background()
	nonce, err := store.Put(ctx, "tok-1")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 2; i++ {
		if got, err := store.Peek(ctx, nonce); err != nil || got != "tok-1" {
			t.Fatalf("peek %d = %q, %v", i, got, err)
		}
	}
	if got, err := store.Take(ctx, nonce); err != nil || got != "tok-1" {
		t.Fatalf("take after peek = %q, %v", got, err)
	}
	if _, err := store.Peek(ctx, nonce); !errors.Is(err, ErrNotFound) {
		t.Fatalf("peek after take: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	store := NewMemory(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	nonce, err := store.Put(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := store.Take(context.Background(), nonce); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryRejectsEmptyToken(t *testing.T) {
	if _, err := NewMemory(0).Put(context.Background(), ""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisFromClient(rdb, time.Minute), mr
}

func TestRedisPutTake(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	nonce, err := store.Put(ctx, "tok-redis")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := mr.TTL(keyPrefix + nonce); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
	if got, err := store.Peek(ctx, nonce); err != nil || got != "tok-redis" {
		t.Fatalf("peek = %q, %v", got, err)
	}
	got, err := store.Take(ctx, nonce)
	if err != nil || got != "tok-redis" {
		t.Fatalf("take = %q, %v", got, err)
	}
	if _, err := store.Take(ctx, nonce); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second take: expected ErrNotFound, got %v", err)
	}
}

func TestRedisExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	nonce, err := store.Put(context.Background(), "tok")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.Take(context.Background(), nonce); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()
	if _, err := store.Put(context.Background(), "tok"); err == nil {
		t.Fatal("expected error with redis down")
	}
}
