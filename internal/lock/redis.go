package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("engine lock not acquired")

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a single-key lease shared by every process that edits the
// engine database on this host.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	retry  time.Duration
}

func New(url, key string, ttl time.Duration) (*RedisLock, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	client := redis.NewClient(opt)
	return &RedisLock{client: client, key: key, ttl: ttl, retry: 250 * time.Millisecond}, nil
}

func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Lock blocks until the lease is taken or ctx ends.
func (l *RedisLock) Lock(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func(ctx context.Context) error {
				return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}
