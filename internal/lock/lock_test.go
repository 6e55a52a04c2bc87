package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
)

func newTestLock(t *testing.T) (*Lock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log, _ := logger.New("development")
	return New(rdb, log, "stager:lock", 30*time.Second), mr
}

func TestLock_AcquireIsExclusive(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	h1, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}

	_, ok, err = l.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Fatalf("expected second acquire to report busy while the first holder is live")
	}

	if err := l.Release(ctx, h1); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, ok, err = l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after release, ok=%v err=%v", ok, err)
	}
}

func TestLock_ReleaseByWrongTokenIsNoop(t *testing.T) {
	l, mr := newTestLock(t)
	ctx := context.Background()

	if _, ok, err := l.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if err := l.Release(ctx, Handle{}); err != nil {
		t.Fatalf("release with a stale/empty token should be a no-op, not an error: %v", err)
	}
	if !mr.Exists("stager:lock") {
		t.Fatalf("expected the real holder's lock to remain held after a foreign release attempt")
	}
}

func TestLock_HeartbeatExtendsOnlyForHolder(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	h, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	ok, err = l.Heartbeat(ctx, h)
	if err != nil || !ok {
		t.Fatalf("expected heartbeat to succeed for the true holder, ok=%v err=%v", ok, err)
	}

	ok, err = l.Heartbeat(ctx, Handle{})
	if err != nil {
		t.Fatalf("heartbeat for a non-holder errored instead of reporting false: %v", err)
	}
	if ok {
		t.Fatalf("expected heartbeat to fail for a token that doesn't hold the lock")
	}
}
