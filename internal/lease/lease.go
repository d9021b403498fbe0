// Package lease provides a Redis-backed mutual exclusion lease shared by every
// process pointed at the same Redis.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease guards one named critical section. Holders are identified by a random
// token so an expired holder cannot release a lease someone else now owns.
type Lease struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// New returns a lease on key that expires after ttl unless released first.
func New(client redis.Cmdable, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Lease{client: client, key: "lease:" + key, ttl: ttl}
}

// Acquire takes the lease if it is free. ok is false when another holder has it.
func (l *Lease) Acquire(ctx context.Context) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release gives the lease back if token still holds it.
func (l *Lease) Release(ctx context.Context, token string) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// ErrNotHeld is returned by Release when the lease expired or changed hands.
var ErrNotHeld = errors.New("lease not held")

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
