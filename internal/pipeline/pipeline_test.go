package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yungbote/telemetry-stager/internal/drain"
	"github.com/yungbote/telemetry-stager/internal/lock"
	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/objectstore"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
	"github.com/yungbote/telemetry-stager/internal/spool"
	"github.com/yungbote/telemetry-stager/internal/warehouse"
)

// flakyAdapter wraps a SimulationAdapter, failing the first N uploads for a
// given stream with a transient objectstore error before delegating.
// Exercises spec §8 seed scenario 2 without fabricating a real bucket.
type flakyAdapter struct {
	*objectstore.SimulationAdapter
	mu       sync.Mutex
	failLeft map[model.StreamType]int
}

func newFlakyAdapter(cfg objectstore.Config) *flakyAdapter {
	return &flakyAdapter{SimulationAdapter: objectstore.NewSimulationAdapter(cfg), failLeft: map[model.StreamType]int{}}
}

func (a *flakyAdapter) Upload(ctx context.Context, streamType model.StreamType, processingID string, records []byte, meta objectstore.UploadMetadata) (objectstore.UploadResult, error) {
	a.mu.Lock()
	if a.failLeft[streamType] > 0 {
		a.failLeft[streamType]--
		a.mu.Unlock()
		return objectstore.UploadResult{}, &objectstore.Error{Class: objectstore.FailureTransient, Err: errString("simulated stage_transient failure")}
	}
	a.mu.Unlock()
	return a.SimulationAdapter.Upload(ctx, streamType, processingID, records, meta)
}

type errString string

func (e errString) Error() string { return string(e) }

func newTestPipeline(t *testing.T, store objectstore.Adapter, client warehouse.Client) (*Pipeline, *redis.Client, *spool.Spool) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log, _ := logger.New("development")
	l := lock.New(rdb, log, "test:lock", 30*time.Second)
	d := drain.New(rdb, log, true, 2*time.Second)
	sp := spool.New(t.TempDir(), 3, time.Millisecond)
	loader := warehouse.NewLoader(client, warehouse.NewInMemoryLedger(), time.Millisecond, time.Second)

	streams := model.StreamConfigs("gps:history:global", "mobile:history:global", "gps-data/", "mobile-data/", "gps_records", "mobile_records")

	pl := New(Config{
		Log:              log,
		Lock:             l,
		Drainer:          d,
		Streams:          streams,
		Store:            store,
		Loader:           loader,
		Spool:            sp,
		CleanupProcessed: true,
	})
	return pl, rdb, sp
}

func gpsRecord(deviceID string, lat, lng float64) string {
	b, _ := json.Marshal(map[string]any{
		"deviceId":  deviceID,
		"lat":       lat,
		"lng":       lng,
		"timestamp": time.Now().UnixMilli(),
	})
	return string(b)
}

func mobileRecord(userID string) string {
	b, _ := json.Marshal(map[string]any{
		"deviceId":  "dev-" + userID,
		"userId":    userID,
		"name":      "Test User",
		"email":     "user@example.com",
		"lat":       -12.0464,
		"lng":       -77.0428,
		"timestamp": time.Now().UnixMilli(),
	})
	return string(b)
}

// Seed scenario 1: Happy path GPS.
func TestPipeline_HappyPathGPS(t *testing.T) {
	store := objectstore.NewSimulationAdapter(objectstore.Config{Bucket: "test", GPSPrefix: "gps-data/", MobilePrefix: "mobile-data/"})
	client := warehouse.NewSimulationClient()
	pl, rdb, sp := newTestPipeline(t, store, client)
	ctx := context.Background()

	if err := rdb.RPush(ctx, "gps:history:global",
		gpsRecord("A", -12.0464, -77.0428),
		gpsRecord("B", -12.05, -77.05),
	).Err(); err != nil {
		t.Fatalf("seed gps list: %v", err)
	}

	outcome := pl.RunCycle(ctx)
	if !outcome.Success {
		t.Fatalf("expected success, got reason %q", outcome.Reason)
	}
	gpsResult, ok := outcome.PerTypeResults[model.StreamGPS]
	if !ok {
		t.Fatalf("expected a GPS result")
	}
	if gpsResult.RecordsProcessed != 2 || gpsResult.RecordsLoaded != 2 {
		t.Fatalf("expected 2 processed and loaded, got processed=%d loaded=%d", gpsResult.RecordsProcessed, gpsResult.RecordsLoaded)
	}
	if gpsResult.StagedObject == nil {
		t.Fatalf("expected a staged object reference")
	}

	n, err := rdb.LLen(ctx, "gps:history:global").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected redis list empty, got length %d", n)
	}

	pending, err := sp.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no spool entries, got %d", len(pending))
	}
}

// Seed scenario 2: stage transient failure then recovery.
func TestPipeline_StageTransientFailureThenRecovery(t *testing.T) {
	store := newFlakyAdapter(objectstore.Config{Bucket: "test", GPSPrefix: "gps-data/", MobilePrefix: "mobile-data/"})
	store.failLeft[model.StreamGPS] = 1
	client := warehouse.NewSimulationClient()
	pl, rdb, sp := newTestPipeline(t, store, client)
	ctx := context.Background()

	if err := rdb.RPush(ctx, "gps:history:global", gpsRecord("A", -12.0464, -77.0428)).Err(); err != nil {
		t.Fatalf("seed gps list: %v", err)
	}

	outcome := pl.RunCycle(ctx)
	if !outcome.Success {
		t.Fatalf("expected the cycle itself to succeed even though staging failed, reason %q", outcome.Reason)
	}
	n, err := rdb.LLen(ctx, "gps:history:global").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected redis empty after drain regardless of stage outcome, got %d", n)
	}

	pending, err := sp.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly one spool entry, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Fatalf("expected retryCount=1, got %d", pending[0].RetryCount)
	}
	gpsResult := outcome.PerTypeResults[model.StreamGPS]
	if gpsResult.StagedObject != nil {
		t.Fatalf("expected no staged object on first cycle")
	}

	// Second cycle: stage now succeeds, spool replay runs before new drains.
	second := pl.RunCycle(ctx)
	if !second.Success {
		t.Fatalf("expected second cycle to succeed, reason %q", second.Reason)
	}
	pendingAfter, err := sp.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches after replay: %v", err)
	}
	if len(pendingAfter) != 0 {
		t.Fatalf("expected spool empty after successful replay, got %d", len(pendingAfter))
	}
}

// Seed scenario 3: load transient failure then recovery via the sweeper's
// underlying mechanism (re-invoking the loader for an orphaned object).
func TestPipeline_LoadTransientFailureThenRecovery(t *testing.T) {
	store := objectstore.NewSimulationAdapter(objectstore.Config{Bucket: "test", GPSPrefix: "gps-data/", MobilePrefix: "mobile-data/"})
	client := warehouse.NewSimulationClient()
	client.FailNext = map[model.StreamType]warehouse.FailureKind{model.StreamMobile: warehouse.FailureTransientJob}
	pl, rdb, sp := newTestPipeline(t, store, client)
	ctx := context.Background()

	if err := rdb.RPush(ctx, "mobile:history:global", mobileRecord("u1")).Err(); err != nil {
		t.Fatalf("seed mobile list: %v", err)
	}

	outcome := pl.RunCycle(ctx)
	if !outcome.Success {
		t.Fatalf("expected cycle success even though load failed, reason %q", outcome.Reason)
	}
	mobileResult := outcome.PerTypeResults[model.StreamMobile]
	if mobileResult.StagedObject == nil {
		t.Fatalf("expected staged object to remain present after a load failure")
	}
	if mobileResult.Success {
		t.Fatalf("expected the per-stream result to record the load failure")
	}
	pending, err := sp.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("a load failure must not spool the batch, got %d pending", len(pending))
	}

	exists, err := store.Exists(ctx, mobileResult.StagedObject.Key)
	if err != nil || !exists {
		t.Fatalf("expected staged object to still exist, err=%v exists=%v", err, exists)
	}

	// Recovery: the loader succeeds on retry (SimulationClient's FailNext
	// was already consumed), mirroring what the sweeper does for orphans.
	loader := warehouse.NewLoader(client, warehouse.NewInMemoryLedger(), time.Millisecond, time.Second)
	res, err := loader.Load(ctx, warehouse.LoadRequest{
		StagedObjectKey: mobileResult.StagedObject.Key,
		StreamType:      model.StreamMobile,
		RecordCount:     mobileResult.StagedObject.RecordCount,
		ProcessingID:    mobileResult.StagedObject.ProcessingID,
	})
	if err != nil {
		t.Fatalf("expected retry load to succeed: %v", err)
	}
	if res.RecordsLoaded != 1 {
		t.Fatalf("expected 1 record loaded, got %d", res.RecordsLoaded)
	}
}

// Seed scenario 4: multiple pending backups replay oldest-first.
func TestPipeline_MultiplePendingBackupsFIFOOrder(t *testing.T) {
	store := objectstore.NewSimulationAdapter(objectstore.Config{Bucket: "test", GPSPrefix: "gps-data/", MobilePrefix: "mobile-data/"})
	client := warehouse.NewSimulationClient()
	pl, _, sp := newTestPipeline(t, store, client)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	// Created newest-first by API call order; FIFO replay must still
	// process them oldest-created-first.
	for i := 2; i >= 0; i-- {
		entry, err := sp.Write(model.StreamGPS, []json.RawMessage{json.RawMessage(gpsRecord("dev", -12.0, -77.0))}, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("spool write %d: %v", i, err)
		}
		ids = append(ids, entry.ID)
	}

	// The cycle replays entries in PendingBatches order: oldest-created first.
	before, err := sp.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches before cycle: %v", err)
	}
	if len(before) != 3 || before[0].ID != ids[2] || before[1].ID != ids[1] || before[2].ID != ids[0] {
		t.Fatalf("expected replay order oldest-first %v, got %+v", []string{ids[2], ids[1], ids[0]}, before)
	}

	outcome := pl.RunCycle(ctx)
	if !outcome.Success {
		t.Fatalf("expected success, reason %q", outcome.Reason)
	}

	pending, err := sp.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected all entries to complete, got %d still pending", len(pending))
	}
}

// P4: a spool entry that keeps failing to re-stage never exceeds maxRetries.
func TestPipeline_RetryBoundIsRespected(t *testing.T) {
	store := newFlakyAdapter(objectstore.Config{Bucket: "test", GPSPrefix: "gps-data/", MobilePrefix: "mobile-data/"})
	store.failLeft[model.StreamGPS] = 1000 // never succeeds within this test
	client := warehouse.NewSimulationClient()
	pl, _, sp := newTestPipeline(t, store, client)
	ctx := context.Background()

	entry, err := sp.Write(model.StreamGPS, []json.RawMessage{json.RawMessage(gpsRecord("dev", -12.0, -77.0))}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("spool write: %v", err)
	}

	for i := 0; i < entry.MaxRetries+2; i++ {
		pl.RunCycle(ctx)
	}

	// PendingBatches only ever returns entries with retry budget remaining
	// (Retryable()); once the budget is exhausted the entry moves to
	// failed and drops out of this list permanently, so an empty result
	// here after more cycles than maxRetries confirms the entry did not
	// keep retrying past its bound.
	pending, err := sp.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected the entry to have exhausted its retry budget and dropped off pending, got %d still pending", len(pending))
	}
}

// An empty batch never produces a staged object or spool entry.
func TestPipeline_EmptyBatchProducesNothing(t *testing.T) {
	store := objectstore.NewSimulationAdapter(objectstore.Config{Bucket: "test", GPSPrefix: "gps-data/", MobilePrefix: "mobile-data/"})
	client := warehouse.NewSimulationClient()
	pl, _, sp := newTestPipeline(t, store, client)
	ctx := context.Background()

	outcome := pl.RunCycle(ctx)
	if outcome.Reason != "empty" {
		t.Fatalf("expected reason empty, got %q", outcome.Reason)
	}
	pending, err := sp.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no spool entries from an empty cycle, got %d", len(pending))
	}
}
