package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"meetra/internal/util"
)

// ErrLeaseHeld is returned when another worker owns the lease.
var ErrLeaseHeld = errors.New("lease held by another worker")

// ErrLeaseLost is returned when a lease expired before Release or Extend.
var ErrLeaseLost = errors.New("lease lost")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease hands out per-id exclusive leases backed by SET NX PX.
type RedisLease struct {
	client *redis.Client
	prefix string
}

// Lease is one held lease. Only the holder's token can release or extend it.
type Lease struct {
	owner *RedisLease
	key   string
	token string
}

func NewRedisLease(client *redis.Client, prefix string) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "lease:resume"
	}
	return &RedisLease{client: client, prefix: prefix}, nil
}

// Acquire takes the lease for id or returns ErrLeaseHeld.
func (l *RedisLease) Acquire(ctx context.Context, id string, ttl time.Duration) (*Lease, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("lease id required")
	}
	if ttl <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}
	key := l.prefix + ":" + id
	token := util.NewID()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{owner: l, key: key, token: token}, nil
}

// Release deletes the lease if it is still ours.
func (ls *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, ls.owner.client, []string{ls.key}, ls.token).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", ls.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Extend resets the lease TTL if it is still ours.
func (ls *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, ls.owner.client, []string{ls.key}, ls.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", ls.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
