package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/telemetry-stager/internal/model"
)

func TestSimulationAdapter_UploadIsIdempotent(t *testing.T) {
	a := NewSimulationAdapter(Config{GPSPrefix: "gps-data/", MobilePrefix: "mobile-data/"})
	ctx := context.Background()
	meta := UploadMetadata{RecordCount: 2, Source: model.SourceAtomicExtraction, ExtractedAt: time.Now()}

	first, err := a.Upload(ctx, model.StreamGPS, "proc-1", []byte(`{"a":1}`+"\n"), meta)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if first.AlreadyExisted {
		t.Fatalf("first upload should not report already existed")
	}

	second, err := a.Upload(ctx, model.StreamGPS, "proc-1", []byte(`{"a":1}`+"\n"), meta)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if !second.AlreadyExisted {
		t.Fatalf("re-uploading the same payload under the same key should report already_existed")
	}
	if second.Key != first.Key {
		t.Fatalf("expected deterministic key, got %q then %q", first.Key, second.Key)
	}
}

func TestSimulationAdapter_ListFiltersByAge(t *testing.T) {
	a := NewSimulationAdapter(Config{GPSPrefix: "gps-data/"})
	ctx := context.Background()
	meta := UploadMetadata{RecordCount: 1, ExtractedAt: time.Now()}
	if _, err := a.Upload(ctx, model.StreamGPS, "proc-2", []byte(`{}`), meta); err != nil {
		t.Fatalf("upload: %v", err)
	}

	refs, err := a.List(ctx, "gps-data/", ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected 1 object, got %d", len(refs))
	}

	stale, err := a.List(ctx, "gps-data/", ListFilter{OlderThan: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("list with filter: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected object freshly uploaded to be excluded by an older-than filter in the past, got %d", len(stale))
	}
}

func TestSimulationAdapter_DeleteThenExists(t *testing.T) {
	a := NewSimulationAdapter(Config{GPSPrefix: "gps-data/"})
	ctx := context.Background()
	res, err := a.Upload(ctx, model.StreamGPS, "proc-3", []byte(`{}`), UploadMetadata{ExtractedAt: time.Now()})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ok, _ := a.Exists(ctx, res.Key); !ok {
		t.Fatalf("expected object to exist after upload")
	}
	if err := a.Delete(ctx, res.Key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := a.Exists(ctx, res.Key); ok {
		t.Fatalf("expected object to be gone after delete")
	}
}
