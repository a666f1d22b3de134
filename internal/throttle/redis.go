package throttle

import (
	"context"
	"time"

	"github.com/infodancer/smtpd/internal/envelope"
	"github.com/redis/go-redis/v9"
)

// RedisStore backs the throttle engine with shared Redis counters, for
// deployments running more than one smtpd process behind the same
// listener set where in-process MemoryStore state can't be shared. The rate
// counter uses INCR+EXPIRE (reset on first hit in a window); the
// concurrency cap uses INCR/DECR with a safety TTL so a crashed session
// can't leak a permanently-held slot.
type RedisStore struct {
	Client *redis.Client

	// ConcurrentTTL bounds how long a concurrency slot can be held before
	// Redis expires it even if release is never called (e.g. process
	// crash). Defaults to 1 hour if zero.
	ConcurrentTTL time.Duration
}

// NewRedisStore returns a Store backed by client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (r *RedisStore) concurrentTTL() time.Duration {
	if r.ConcurrentTTL > 0 {
		return r.ConcurrentTTL
	}
	return time.Hour
}

func (r *RedisStore) Admit(rule Rule, e *envelope.Envelope) (bool, func(), error) {
	ctx := context.Background()
	key := "throttle:" + rule.compositeKey(e)

	if rule.Rate > 0 && rule.Window > 0 {
		rateKey := key + ":rate"
		count, err := r.Client.Incr(ctx, rateKey).Result()
		if err != nil {
			return false, nil, err
		}
		if count == 1 {
			if err := r.Client.Expire(ctx, rateKey, rule.Window).Err(); err != nil {
				return false, nil, err
			}
		}
		if count > int64(rule.Rate) {
			return false, nil, nil
		}
	}

	if rule.MaxConcurrent > 0 {
		concKey := key + ":conc"
		count, err := r.Client.Incr(ctx, concKey).Result()
		if err != nil {
			return false, nil, err
		}
		if count == 1 {
			_ = r.Client.Expire(ctx, concKey, r.concurrentTTL()).Err()
		}
		if count > int64(rule.MaxConcurrent) {
			r.Client.Decr(ctx, concKey)
			return false, nil, nil
		}
		release := func() {
			r.Client.Decr(context.Background(), concKey)
		}
		return true, release, nil
	}

	return true, nil, nil
}

var _ Store = (*RedisStore)(nil)
