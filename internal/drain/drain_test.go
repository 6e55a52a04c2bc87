package drain

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
)

func newTestDrainer(t *testing.T, useScript bool) (*Drainer, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log, _ := logger.New("development")
	return New(rdb, log, useScript, 2*time.Second), rdb, mr
}

func TestDrain_ScriptDrainsAndClears(t *testing.T) {
	d, rdb, _ := newTestDrainer(t, true)
	ctx := context.Background()
	if err := rdb.RPush(ctx, "gps:history:global", `{"deviceId":"d1"}`, `{"deviceId":"d2"}`).Err(); err != nil {
		t.Fatalf("seed list: %v", err)
	}

	res, err := d.Drain(ctx, "gps:history:global")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if !res.Cleared {
		t.Fatalf("expected Cleared=true for a non-empty drain")
	}

	n, err := rdb.LLen(ctx, "gps:history:global").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the key to be empty after drain, got length %d", n)
	}
}

func TestDrain_RenameFallbackDrainsAndClears(t *testing.T) {
	d, rdb, _ := newTestDrainer(t, false)
	ctx := context.Background()
	if err := rdb.RPush(ctx, "mobile:history:global", `{"userId":"u1"}`).Err(); err != nil {
		t.Fatalf("seed list: %v", err)
	}

	res, err := d.Drain(ctx, "mobile:history:global")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	if !res.Cleared {
		t.Fatalf("expected Cleared=true for a non-empty drain")
	}

	n, err := rdb.LLen(ctx, "mobile:history:global").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the key to be empty after drain, got length %d", n)
	}
}

func TestDrain_EmptyKeyIsNotAnError(t *testing.T) {
	d, _, _ := newTestDrainer(t, true)
	res, err := d.Drain(context.Background(), "gps:history:global")
	if err != nil {
		t.Fatalf("drain on missing key: %v", err)
	}
	if res.Cleared {
		t.Fatalf("expected Cleared=false when the key never existed")
	}
	if len(res.Records) != 0 {
		t.Fatalf("expected no records, got %d", len(res.Records))
	}
}

func TestDrainAll_DrainsBothStreams(t *testing.T) {
	d, rdb, _ := newTestDrainer(t, true)
	ctx := context.Background()
	if err := rdb.RPush(ctx, "gps:history:global", `{"a":1}`).Err(); err != nil {
		t.Fatalf("seed gps: %v", err)
	}
	if err := rdb.RPush(ctx, "mobile:history:global", `{"b":2}`).Err(); err != nil {
		t.Fatalf("seed mobile: %v", err)
	}

	keys := map[model.StreamType]string{
		model.StreamGPS:    "gps:history:global",
		model.StreamMobile: "mobile:history:global",
	}
	res, err := d.DrainAll(ctx, keys)
	if err != nil {
		t.Fatalf("drain all: %v", err)
	}
	if !res.Success || len(res.GPS.Records) != 1 || len(res.Mobile.Records) != 1 {
		t.Fatalf("unexpected drainAll result: %+v", res)
	}
}
