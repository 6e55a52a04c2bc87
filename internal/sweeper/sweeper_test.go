package sweeper

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/objectstore"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
	"github.com/yungbote/telemetry-stager/internal/spool"
	"github.com/yungbote/telemetry-stager/internal/warehouse"
)

func newTestSweeper(t *testing.T, store objectstore.Adapter, loader *warehouse.Loader) *Sweeper {
	t.Helper()
	log, _ := logger.New("development")
	dir, err := os.MkdirTemp("", "sweeper-spool")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sp := spool.New(dir, 3, time.Millisecond)

	streams := map[model.StreamType]model.StreamConfig{
		model.StreamGPS:    {RedisKey: "gps:history:global", StagingPrefix: "gps-data/", WarehouseTable: "gps_records"},
		model.StreamMobile: {RedisKey: "mobile:history:global", StagingPrefix: "mobile-data/", WarehouseTable: "mobile_records"},
	}
	return New(Config{Log: log, Store: store, Loader: loader, Spool: sp, Streams: streams, MinAge: time.Millisecond})
}

func testObjectstoreConfig() objectstore.Config {
	return objectstore.Config{Mode: objectstore.ModeGCSEmulator, Bucket: "test-bucket", GPSPrefix: "gps-data/", MobilePrefix: "mobile-data/"}
}

func TestSweeper_ReloadsOrphanedStagedObject(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewSimulationAdapter(testObjectstoreConfig())
	client := warehouse.NewSimulationClient()
	ledger := warehouse.NewInMemoryLedger()
	loader := warehouse.NewLoader(client, ledger, time.Millisecond, time.Second)

	uploadRes, err := store.Upload(ctx, model.StreamGPS, "proc-1", []byte(`{"a":1}`+"\n"), objectstore.UploadMetadata{RecordCount: 1})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	// No load attempted yet; this object is orphaned once it ages past MinAge.
	time.Sleep(5 * time.Millisecond)

	sweeperInstance := newTestSweeper(t, store, loader)
	res := sweeperInstance.Run(ctx)

	if res.Orphaned != 1 || res.Reloaded != 1 {
		t.Fatalf("expected exactly one orphan reloaded, got %+v", res)
	}

	done, err := loader.HasSuccessfulLoad(ctx, uploadRes.Key)
	if err != nil || !done {
		t.Fatalf("expected a successful load to now be recorded: done=%v err=%v", done, err)
	}
}

func TestSweeper_SkipsAlreadyLoadedObjects(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewSimulationAdapter(testObjectstoreConfig())
	client := warehouse.NewSimulationClient()
	ledger := warehouse.NewInMemoryLedger()
	loader := warehouse.NewLoader(client, ledger, time.Millisecond, time.Second)

	uploadRes, err := store.Upload(ctx, model.StreamMobile, "proc-2", []byte(`{"b":2}`+"\n"), objectstore.UploadMetadata{RecordCount: 1})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := loader.Load(ctx, warehouse.LoadRequest{StagedObjectKey: uploadRes.Key, StreamType: model.StreamMobile, RecordCount: 1, ProcessingID: "proc-2"}); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sweeperInstance := newTestSweeper(t, store, loader)
	res := sweeperInstance.Run(ctx)

	if res.Orphaned != 0 || res.Reloaded != 0 {
		t.Fatalf("expected no orphans for an already-loaded object, got %+v", res)
	}
}

func TestSweeper_SurfacesPendingSpoolCount(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewSimulationAdapter(testObjectstoreConfig())
	client := warehouse.NewSimulationClient()
	ledger := warehouse.NewInMemoryLedger()
	loader := warehouse.NewLoader(client, ledger, time.Millisecond, time.Second)

	sweeperInstance := newTestSweeper(t, store, loader)
	if _, err := sweeperInstance.spool.Write(model.StreamGPS, rawRecords(), time.Now()); err != nil {
		t.Fatalf("spool write: %v", err)
	}

	res := sweeperInstance.Run(ctx)
	if res.PendingSpool != 1 {
		t.Fatalf("expected 1 pending spool entry, got %d", res.PendingSpool)
	}
}

func rawRecords() []json.RawMessage {
	return []json.RawMessage{json.RawMessage(`{"deviceId":"d1","lat":1,"lng":1}`)}
}
