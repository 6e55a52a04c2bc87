package objectstore

import (
	"context"
	"hash/crc32"
	"sync"
	"time"

	"github.com/yungbote/telemetry-stager/internal/model"
)

// SimulationAdapter is an in-process Adapter used when the pipeline runs in
// simulation mode (spec §6 Simulation) or under test, where no real bucket
// is reachable. It honors the same deterministic keying and idempotency
// contract as GCSAdapter so callers can't tell the difference in behavior.
type SimulationAdapter struct {
	cfg Config

	mu    sync.Mutex
	store map[string]simObject
}

type simObject struct {
	body     []byte
	meta     UploadMetadata
	stream   model.StreamType
	procID   string
	checksum uint32
	updated  time.Time
}

func NewSimulationAdapter(cfg Config) *SimulationAdapter {
	return &SimulationAdapter{cfg: cfg, store: make(map[string]simObject)}
}

func (a *SimulationAdapter) Upload(_ context.Context, streamType model.StreamType, processingID string, records []byte, meta UploadMetadata) (UploadResult, error) {
	prefix := prefixFor(a.cfg, streamType)
	key := model.StageKey(prefix, processingID, meta.ExtractedAt)
	sum := crc32.ChecksumIEEE(records)

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.store[key]; ok && existing.checksum == sum {
		return UploadResult{Key: key, Size: int64(len(existing.body)), AlreadyExisted: true}, nil
	}
	a.store[key] = simObject{
		body:     append([]byte(nil), records...),
		meta:     meta,
		stream:   streamType,
		procID:   processingID,
		checksum: sum,
		updated:  time.Now(),
	}
	return UploadResult{Key: key, Size: int64(len(records))}, nil
}

func (a *SimulationAdapter) List(_ context.Context, prefix string, filter ListFilter) ([]ObjectRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ObjectRef
	for key, obj := range a.store {
		if !hasPrefix(key, prefix) {
			continue
		}
		if !filter.OlderThan.IsZero() && obj.updated.After(filter.OlderThan) {
			continue
		}
		out = append(out, ObjectRef{
			Key:          key,
			Size:         int64(len(obj.body)),
			UpdatedAt:    obj.updated,
			StreamType:   obj.stream,
			RecordCount:  obj.meta.RecordCount,
			Source:       obj.meta.Source,
			ProcessingID: obj.procID,
			BackupID:     obj.meta.BackupID,
		})
	}
	return out, nil
}

func (a *SimulationAdapter) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.store, key)
	return nil
}

func (a *SimulationAdapter) Exists(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.store[key]
	return ok, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

var _ Adapter = (*SimulationAdapter)(nil)
var _ Adapter = (*GCSAdapter)(nil)
