package spool

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/yungbote/telemetry-stager/internal/model"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	dir, err := os.MkdirTemp("", "spool-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return New(dir, 3, 5*time.Second)
}

func payload(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`)
	}
	return out
}

func TestSpool_WriteThenPendingBatches(t *testing.T) {
	s := newTestSpool(t)
	now := time.Now().UTC()

	if _, err := s.Write(model.StreamGPS, payload(2), now); err != nil {
		t.Fatalf("write: %v", err)
	}

	pending, err := s.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(pending))
	}
}

func TestSpool_WriteRejectsEmptyPayload(t *testing.T) {
	s := newTestSpool(t)
	_, err := s.Write(model.StreamGPS, nil, time.Now())
	if err == nil {
		t.Fatalf("expected invalid_input error for empty payload")
	}
	if as, ok := err.(*Error); !ok || as.Class != ErrorInvalidInput {
		t.Fatalf("expected invalid_input classed error, got %v", err)
	}
}

func TestSpool_FIFOOrderingOldestFirst(t *testing.T) {
	s := newTestSpool(t)
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	if _, err := s.Write(model.StreamGPS, payload(1), newer); err != nil {
		t.Fatalf("write newer: %v", err)
	}
	if _, err := s.Write(model.StreamGPS, payload(1), older); err != nil {
		t.Fatalf("write older: %v", err)
	}

	pending, err := s.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}
	if !pending[0].CreatedAt.Equal(older) {
		t.Fatalf("expected oldest entry first, got createdAt=%v", pending[0].CreatedAt)
	}
}

func TestSpool_RetryThenExhaustBudget(t *testing.T) {
	s := newTestSpool(t)
	now := time.Now().UTC()
	entry, err := s.Write(model.StreamGPS, payload(1), now)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	entry.MaxRetries = 1

	entry, err = s.MarkProcessing(entry, now)
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	entry, err = s.MarkFailedOrRetry(entry, "load_transient", "boom", now)
	if err != nil {
		t.Fatalf("mark failed or retry: %v", err)
	}
	if entry.State != model.BatchFailed {
		t.Fatalf("expected entry to exhaust its single retry and land in failed, got %s", entry.State)
	}
}

func TestSpool_CorruptionIsQuarantinedNotDropped(t *testing.T) {
	s := newTestSpool(t)
	entry, err := s.Write(model.StreamGPS, payload(1), time.Now().UTC())
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	path := s.path(entry)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	raw[len(raw)-4] = '1' // corrupt the payload bytes without breaking JSON structure enough to still parse as a different checksum
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("rewrite corrupted file: %v", err)
	}

	pending, err := s.PendingBatches()
	if err != nil {
		t.Fatalf("pending batches: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected corrupted entry to be excluded, got %d pending", len(pending))
	}

	remaining, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	found := false
	for _, de := range remaining {
		if containsSuffix(de.Name(), ".corrupt.") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the corrupted file to be quarantined with a .corrupt. suffix, entries: %v", remaining)
	}
}

func containsSuffix(name, marker string) bool {
	for i := 0; i+len(marker) <= len(name); i++ {
		if name[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
