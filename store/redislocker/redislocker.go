/*
Package redislocker provides a ledger.Locker shared between processes.

PURPOSE:
  The in-process KeyedMutex only serializes writers inside one binary.
  When several server instances mutate the same ledger, they take their
  per-campaign locks here instead, backed by Redis via bsm/redislock.

LOCK LIFETIME:
  Each key is obtained with a TTL so a crashed holder cannot block a
  campaign forever. Operations are bounded by the engine's operation
  timeout, which must stay below TTL. Version preconditions still reject
  a write if a lock expired underneath it.

ORDERING:
  Keys are sorted with ledger.LockKeys and acquired one by one. A failure
  releases everything already held.

SEE ALSO:
  - ledger/locker.go: Locker interface and the in-process implementation
*/
package redislocker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/billing-ledger/ledger"
)

const (
	DefaultTTL     = 30 * time.Second
	DefaultBackoff = 50 * time.Millisecond
	DefaultPrefix  = "billing-ledger:lock:"
)

type Locker struct {
	client *redislock.Client
	logger *logrus.Logger

	TTL     time.Duration
	Backoff time.Duration
	Prefix  string
}

// New wraps an existing Redis client.
func New(rdb redis.UniversalClient, logger *logrus.Logger) *Locker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Locker{
		client:  redislock.New(rdb),
		logger:  logger,
		TTL:     DefaultTTL,
		Backoff: DefaultBackoff,
		Prefix:  DefaultPrefix,
	}
}

// Connect dials addr and pings it once.
func Connect(ctx context.Context, addr string, logger *logrus.Logger) (*Locker, redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 20,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect redis at %s: %w", addr, err)
	}
	return New(rdb, logger), rdb, nil
}

// Lock obtains every key or none. It retries until ctx is done.
func (l *Locker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = ledger.LockKeys(keys)
	held := make([]*redislock.Lock, 0, len(keys))

	release := func() {
		// Release with a fresh context so an expired ctx still frees the keys.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(releaseCtx); err != nil {
				l.releaseFailed(held[i].Key(), err)
			}
		}
	}

	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(l.Backoff)}
	for _, key := range keys {
		lock, err := l.client.Obtain(ctx, l.Prefix+key, l.TTL, opts)
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) && ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, ledger.Transient("lock "+key, err)
		}
		held = append(held, lock)
	}
	return release, nil
}

// releaseFailed logs a lock that could not be released. It expires with
// its TTL; a lock that already expired is not reported.
func (l *Locker) releaseFailed(key string, err error) {
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return
	}
	l.logger.WithFields(logrus.Fields{
		"component": "redislocker",
		"key":       key,
	}).WithError(err).Warn("failed to release redis lock")
}
