package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/telemetry-stager/internal/model"
)

func TestLoader_SuccessRecordsLoaded(t *testing.T) {
	client := NewSimulationClient()
	ledger := NewInMemoryLedger()
	loader := NewLoader(client, ledger, time.Millisecond, time.Second)

	res, err := loader.Load(context.Background(), LoadRequest{
		StagedObjectKey: "gps-data/2026-07-30/proc-1.jsonl",
		StreamType:      model.StreamGPS,
		RecordCount:     10,
		ProcessingID:    "proc-1",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.RecordsLoaded != 10 {
		t.Fatalf("expected 10 records loaded, got %d", res.RecordsLoaded)
	}

	ok, err := ledger.HasSuccessfulLoad(context.Background(), "gps-data/2026-07-30/proc-1.jsonl")
	if err != nil || !ok {
		t.Fatalf("expected ledger to record the successful load, ok=%v err=%v", ok, err)
	}
}

func TestLoader_AlreadyLoadedShortCircuits(t *testing.T) {
	client := NewSimulationClient()
	ledger := NewInMemoryLedger()
	loader := NewLoader(client, ledger, time.Millisecond, time.Second)
	key := "gps-data/2026-07-30/proc-2.jsonl"

	if _, err := loader.Load(context.Background(), LoadRequest{StagedObjectKey: key, StreamType: model.StreamGPS, RecordCount: 5, ProcessingID: "proc-2"}); err != nil {
		t.Fatalf("first load: %v", err)
	}

	res, err := loader.Load(context.Background(), LoadRequest{StagedObjectKey: key, StreamType: model.StreamGPS, RecordCount: 5, ProcessingID: "proc-2"})
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !res.AlreadyLoaded {
		t.Fatalf("expected the second load against the same staged object key to short-circuit as already loaded")
	}
}

func TestLoader_TransientFailureReturnsRetryableKind(t *testing.T) {
	client := NewSimulationClient()
	client.FailNext = map[model.StreamType]FailureKind{model.StreamGPS: FailureQuota}
	ledger := NewInMemoryLedger()
	loader := NewLoader(client, ledger, time.Millisecond, time.Second)

	_, err := loader.Load(context.Background(), LoadRequest{
		StagedObjectKey: "gps-data/2026-07-30/proc-3.jsonl",
		StreamType:      model.StreamGPS,
		RecordCount:     3,
		ProcessingID:    "proc-3",
	})
	if err == nil {
		t.Fatalf("expected a failure")
	}
	var werr *Error
	if !errors.As(err, &werr) {
		t.Fatalf("expected *warehouse.Error, got %T", err)
	}
	if werr.Kind != FailureQuota {
		t.Fatalf("expected quota failure kind, got %s", werr.Kind)
	}
}
