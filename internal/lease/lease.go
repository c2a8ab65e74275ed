// Package lease keeps a second scheduler process from running the same job
// at the same time. The Redis lease is optional; Noop always grants.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a lease survives a crashed holder.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "pagewatch:lease:"

// ErrNotHeld is returned by Release when the lease expired or was taken over.
var ErrNotHeld = errors.New("lease not held")

// Release gives up a granted lease.
type Release func(ctx context.Context) error

// Leaser grants named, exclusive, expiring leases.
type Leaser interface {
	// TryAcquire never blocks. ok is false when another holder owns name.
	TryAcquire(ctx context.Context, name string) (release Release, ok bool, err error)
}

// Noop grants every request.
type Noop struct{}

// TryAcquire always succeeds.
func (Noop) TryAcquire(context.Context, string) (Release, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Redis implements Leaser with SET NX PX and a token-checked delete.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps client. ttl <= 0 uses DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}, nil
}

// TryAcquire sets the lease key if it is free.
func (r *Redis) TryAcquire(ctx context.Context, name string) (Release, bool, error) {
	key := keyPrefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lease %s: %w", name, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}, true, nil
}
