package leader

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only while identity still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// releaseScript drops the lease only while identity holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaseStore implements LeaseStore on Redis. The lease key expires on
// its own, so a crashed holder frees the lease after one duration; the epoch
// counter never resets, keeping fencing tokens monotonic.
type RedisLeaseStore struct {
	client   *redis.Client
	key      string
	epochKey string
}

// NewRedisLeaseStore connects to addr and scopes the lease under name.
func NewRedisLeaseStore(addr, password string, db int, name string) *RedisLeaseStore {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewRedisLeaseStoreWithClient(client, name)
}

// NewRedisLeaseStoreWithClient wires an existing client, used by tests.
func NewRedisLeaseStoreWithClient(client *redis.Client, name string) *RedisLeaseStore {
	return &RedisLeaseStore{
		client:   client,
		key:      "rynxs:leader:" + name,
		epochKey: "rynxs:leader:" + name + ":epoch",
	}
}

func (r *RedisLeaseStore) Acquire(ctx context.Context, identity string, duration time.Duration) (Lease, error) {
	ok, err := r.client.SetNX(ctx, r.key, identity, duration).Result()
	if err != nil {
		return Lease{}, &LeaseError{Op: "acquire", Err: err}
	}
	if ok {
		epoch, err := r.client.Incr(ctx, r.epochKey).Result()
		if err != nil {
			return Lease{}, &LeaseError{Op: "acquire-epoch", Err: err}
		}
		return Lease{Holder: identity, Epoch: epoch}, nil
	}

	holder, err := r.client.Get(ctx, r.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, &LeaseError{Op: "acquire-get", Err: err}
	}
	if holder == identity {
		return r.Renew(ctx, identity, duration)
	}
	return Lease{}, ErrLeaseHeld
}

func (r *RedisLeaseStore) Renew(ctx context.Context, identity string, duration time.Duration) (Lease, error) {
	ok, err := renewScript.Run(ctx, r.client, []string{r.key}, identity, duration.Milliseconds()).Int()
	if err != nil {
		return Lease{}, &LeaseError{Op: "renew", Err: err}
	}
	if ok != 1 {
		return Lease{}, ErrNotLeader
	}
	epoch, err := r.client.Get(ctx, r.epochKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, &LeaseError{Op: "renew-epoch", Err: err}
	}
	return Lease{Holder: identity, Epoch: epoch}, nil
}

func (r *RedisLeaseStore) Release(ctx context.Context, identity string) error {
	if _, err := releaseScript.Run(ctx, r.client, []string{r.key}, identity).Result(); err != nil {
		return &LeaseError{Op: "release", Err: err}
	}
	return nil
}

func (r *RedisLeaseStore) Holder(ctx context.Context) (string, error) {
	holder, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", &LeaseError{Op: "holder", Err: err}
	}
	return holder, nil
}
