// Package redisguard provides a Redis-backed dispatch.Guard shared by all replicas.
package redisguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

// releaseScript deletes the claim only if it still belongs to the caller.
// KEYS[1] = claim key
// ARGV[1] = decision fingerprint
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Guard implements dispatch.Guard with SET NX PX.
type Guard struct {
	client redis.UniversalClient
	prefix string
}

// New creates a guard backed by the Redis server at addr.
func New(addr, password string, db int) *Guard {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(rdb)
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient) *Guard {
	return &Guard{client: client, prefix: "floodgate:dispatch:"}
}

// Ping checks connectivity, used as a startup readiness check.
func (g *Guard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (g *Guard) Close() error {
	return g.client.Close()
}

func (g *Guard) key(location string) string {
	return g.prefix + evidence.LocationKey(location)
}

// Acquire claims location for window. When the location is already claimed
// the current holder's fingerprint is returned.
func (g *Guard) Acquire(ctx context.Context, location, fingerprint string, window time.Duration) (bool, string, error) {
	k := g.key(location)
	for range acquireTries {
		ok, err := g.client.SetNX(ctx, k, fingerprint, window).Result()
		if err != nil {
			return false, "", fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return true, "", nil
		}

		holder, err := g.client.Get(ctx, k).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// expired between SETNX and GET
			continue
		case err != nil:
			return false, "", fmt.Errorf("redis get: %w", err)
		}
		return false, holder, nil
	}
	return false, "", errClaimChurn
}

// acquireTries bounds the SETNX/GET loop when claims keep expiring under us.
const acquireTries = 2

var errClaimChurn = errors.New("dispatch claim expired while reading holder; retry")

// Release drops the claim if fingerprint still holds it.
func (g *Guard) Release(ctx context.Context, location, fingerprint string) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.key(location)}, fingerprint).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
