// Package lock implements the distributed lock spec §4.C's concurrency
// invariant and §6 require: a fixed Redis key, a TTL-based lease, a random
// holder token, and heartbeating while held. Grounded on the teacher's
// internal/realtime/bus/redis_bus.go for how a *redis.Client gets
// constructed and pinged, generalized from a pub/sub bus to a lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
)

// ErrNotHeld names the condition where the caller's token no longer
// matches the lock's current holder (lease already expired or stolen by a
// racing process). Release and Heartbeat do not return it: Release is then
// a no-op and Heartbeat reports false.
var ErrNotHeld = errors.New("lock not held")

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

const heartbeatScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// Lock is a single distributed-lock client bound to one key.
type Lock struct {
	rdb *redis.Client
	log *logger.Logger
	key string
	ttl time.Duration
}

func New(rdb *redis.Client, log *logger.Logger, key string, ttl time.Duration) *Lock {
	return &Lock{rdb: rdb, log: log.With("component", "lock", "key", key), key: key, ttl: ttl}
}

// Handle is a held lease: a token plus the means to heartbeat or release
// it. The caller (pipeline.Pipeline) must release it on every exit path,
// including cancellation, per spec §9 "Resource scoping".
type Handle struct {
	token string
}

func (h Handle) Token() string { return h.token }

// Acquire attempts a single non-blocking SET NX PX. It returns ok=false,
// not an error, when another process already holds the lock — spec §4.F
// step 1 treats that as "busy", not a failure.
func (l *Lock) Acquire(ctx context.Context) (Handle, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return Handle{}, false, fmt.Errorf("lock acquire: %w", err)
	}
	if !ok {
		return Handle{}, false, nil
	}
	return Handle{token: token}, true, nil
}

// Heartbeat extends the lease if, and only if, the caller still holds it.
// A lease-holder that observes ok=false must abort its cycle before any
// further state-mutating step (spec §4.C concurrency invariant).
func (l *Lock) Heartbeat(ctx context.Context, h Handle) (bool, error) {
	res, err := l.rdb.Eval(ctx, heartbeatScript, []string{l.key}, h.token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("lock heartbeat: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release drops the lock iff it is still held by h. Releasing a lock that
// expired out from under the caller is a no-op, not an error — idempotent
// on every exit path per spec §9.
func (l *Lock) Release(ctx context.Context, h Handle) error {
	_, err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, h.token).Result()
	if err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

// StartHeartbeat runs Heartbeat on interval until ctx is cancelled or a
// heartbeat reports the lease was lost, in which case lost fires once.
func (l *Lock) StartHeartbeat(ctx context.Context, h Handle, interval time.Duration, lost func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Heartbeat(ctx, h)
				if err != nil {
					l.log.Warn("heartbeat error", "error", err)
					continue
				}
				if !ok {
					l.log.Error("lease lost", "token", h.token)
					lost()
					return
				}
			}
		}
	}()
}
