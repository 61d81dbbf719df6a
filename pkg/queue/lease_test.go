package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLease(t *testing.T) (*RedisLease, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedisLease(client, "test:lease")
	if err != nil {
		t.Fatalf("new lease: %v", err)
	}
	return l, srv
}

func TestLeaseIsExclusivePerID(t *testing.T) {
	l, _ := newTestLease(t)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "r1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "r1", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	other, err := l.Acquire(ctx, "r2", time.Minute)
	if err != nil {
		t.Fatalf("acquire other id: %v", err)
	}
	if err := other.Release(ctx); err != nil {
		t.Fatalf("release other: %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := l.Acquire(ctx, "r1", time.Minute)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = again.Release(ctx)
}

func TestLeaseExpiredCannotBeReleasedByOldHolder(t *testing.T) {
	l, srv := newTestLease(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "r1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	srv.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "r1", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := stale.Release(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := stale.Extend(ctx, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on extend, got %v", err)
	}
	if _, err := l.Acquire(ctx, "r1", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("stale release must not free the new holder's lease")
	}
	if err := fresh.Extend(ctx, time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ttl := srv.TTL("test:lease:r1"); ttl < 59*time.Minute {
		t.Fatalf("expected extended ttl, got %v", ttl)
	}
}
