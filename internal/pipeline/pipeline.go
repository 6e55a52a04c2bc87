// Package pipeline implements the stage machine of spec §4.F: a single
// runCycle() that acquires the distributed lock, drains both streams,
// replays the backup spool, then stages and loads each stream's batch in
// a fixed GPS-then-Mobile order. Grounded on the teacher's
// internal/jobs/orchestrator engine.go — that engine drives a resumable,
// possibly-multi-process sequence of named stages with retry/backoff and
// child-job polling; runCycle() is the same "ordered stage sequence with
// per-stage error handling" shape collapsed to one process, one pass, no
// cross-process yielding, because spec §5 makes the distributed lock (not
// a persisted stage cursor) the cross-process coordination primitive.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yungbote/telemetry-stager/internal/drain"
	"github.com/yungbote/telemetry-stager/internal/lock"
	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/objectstore"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
	"github.com/yungbote/telemetry-stager/internal/spool"
	"github.com/yungbote/telemetry-stager/internal/telemetry"
	"github.com/yungbote/telemetry-stager/internal/warehouse"
)

// AlertSink receives out-of-band alerts for permanent stage failures
// (spec §4.F step 4b). Swallowing alert errors mirrors spec §4.H's "not in
// the critical path" posture for the ledger; an alert sink is equally
// auxiliary.
type AlertSink interface {
	Alert(ctx context.Context, kind, message string, fields map[string]any)
}

// MetricsSink receives the outcome of every cycle (spec §4.H).
type MetricsSink interface {
	RecordCycle(ctx context.Context, outcome model.CycleOutcome)
}

// Pipeline wires together every collaborator runCycle() needs.
type Pipeline struct {
	log *logger.Logger

	lock    *lock.Lock
	drainer *drain.Drainer
	streams map[model.StreamType]model.StreamConfig

	store   objectstore.Adapter
	loader  *warehouse.Loader
	spool   *spool.Spool
	metrics MetricsSink
	alerts  AlertSink

	cleanupProcessed bool
	orphanMinAge     time.Duration

	sf singleflight.Group
}

type Config struct {
	Log              *logger.Logger
	Lock             *lock.Lock
	Drainer          *drain.Drainer
	Streams          map[model.StreamType]model.StreamConfig
	Store            objectstore.Adapter
	Loader           *warehouse.Loader
	Spool            *spool.Spool
	Metrics          MetricsSink
	Alerts           AlertSink
	CleanupProcessed bool
	OrphanMinAge     time.Duration
}

func New(cfg Config) *Pipeline {
	orphanMinAge := cfg.OrphanMinAge
	if orphanMinAge <= 0 {
		orphanMinAge = 5 * time.Minute
	}
	return &Pipeline{
		log:              cfg.Log.With("component", "pipeline"),
		lock:             cfg.Lock,
		drainer:          cfg.Drainer,
		streams:          cfg.Streams,
		store:            cfg.Store,
		loader:           cfg.Loader,
		spool:            cfg.Spool,
		metrics:          cfg.Metrics,
		alerts:           cfg.Alerts,
		cleanupProcessed: cfg.CleanupProcessed,
		orphanMinAge:     orphanMinAge,
	}
}

// RunCycle implements spec §4.F's runCycle(). Concurrent callers within
// this process (e.g. a manual trigger racing the scheduler's own tick)
// collapse onto the single active cycle via singleflight instead of each
// separately round-tripping to Redis only to find the lock busy; the
// distributed lock still stands as the cross-process guard (spec §5
// "Shared-resource policy") this process-local collapse sits ahead of.
func (p *Pipeline) RunCycle(ctx context.Context) model.CycleOutcome {
	v, _, _ := p.sf.Do("cycle", func() (any, error) {
		return p.runCycle(ctx), nil
	})
	return v.(model.CycleOutcome)
}

func (p *Pipeline) runCycle(ctx context.Context) model.CycleOutcome {
	started := time.Now()
	outcome := model.CycleOutcome{
		StartedAt:        started,
		ExtractionCounts: map[model.StreamType]int{},
		PerTypeResults:   map[model.StreamType]model.TypeResult{},
	}

	// 1. Acquire lock.
	handle, ok, err := p.lock.Acquire(ctx)
	if err != nil {
		outcome.Reason = "lock_error"
		p.log.Error("lock acquire failed", "err", err)
		p.finish(ctx, &outcome, started)
		return outcome
	}
	if !ok {
		outcome.Reason = "busy"
		p.finish(ctx, &outcome, started)
		return outcome
	}
	defer func() { _ = p.lock.Release(ctx, handle) }()

	// 2. Drain.
	keys := make(map[model.StreamType]string, len(p.streams))
	for st, cfg := range p.streams {
		keys[st] = cfg.RedisKey
	}
	drained, err := p.drainer.DrainAll(ctx, keys)
	if err != nil {
		outcome.Reason = "drain_error"
		p.log.Error("drain failed", "err", err)
		p.finish(ctx, &outcome, started)
		return outcome
	}

	pending, pendingErr := p.spool.PendingBatches()
	if pendingErr != nil {
		p.log.Warn("pending batch listing failed", "err", pendingErr)
	}
	orphaned := p.hasOrphans(ctx)

	if len(drained.GPS.Records) == 0 && len(drained.Mobile.Records) == 0 && len(pending) == 0 && !orphaned {
		outcome.Reason = "empty"
		outcome.Success = true
		p.finish(ctx, &outcome, started)
		return outcome
	}

	// 3. Replay spool entries oldest-first, before touching the fresh drain
	// (spec §4.F Ordering: "spool replay precedes new drains").
	for _, entry := range pending {
		p.replaySpoolEntry(ctx, entry)
	}

	// 4. Per stream, GPS then Mobile (fixed tie-break, spec §4.F Ordering).
	byType := map[model.StreamType][]json.RawMessage{
		model.StreamGPS:    drained.GPS.Records,
		model.StreamMobile: drained.Mobile.Records,
	}
	for _, st := range model.AllStreamTypes() {
		recs := byType[st]
		outcome.ExtractionCounts[st] = len(recs)
		if len(recs) == 0 {
			continue
		}
		result := p.processStream(ctx, st, recs, model.SourceAtomicExtraction, "", nil)
		outcome.PerTypeResults[st] = result
		outcome.TotalRecords += result.RecordsProcessed
	}

	outcome.Success = true
	if outcome.Reason == "" {
		outcome.Reason = "ok"
	}
	p.finish(ctx, &outcome, started)
	return outcome
}

// processStream implements spec §4.F step 4: separate+validate, stage,
// then load. source/backupID let the spool-replay path (step 3) reuse the
// same logic with source="local_backup". existingEntry is non-nil only
// when called from replaySpoolEntry: a stage failure there must not spool
// a second copy of a batch that already has a pending entry circulating.
func (p *Pipeline) processStream(ctx context.Context, st model.StreamType, raw []json.RawMessage, source model.StagedObjectSource, backupID string, existingEntry *model.SpoolEntry) model.TypeResult {
	now := time.Now()
	separated := telemetry.Separate(st, raw, now)

	valid := validRecordsJSON(st, separated)
	result := model.TypeResult{StreamType: st, RecordsProcessed: len(valid), Stage: model.StageExtract}
	if len(valid) == 0 {
		result.Success = true
		return result
	}

	processingID := drain.NewProcessingID(st)
	ndjson := joinNDJSON(valid)
	meta := objectstore.UploadMetadata{RecordCount: len(valid), Source: source, BackupID: backupID, ExtractedAt: now}

	uploadRes, err := p.store.Upload(ctx, st, processingID, ndjson, meta)
	if err != nil {
		return p.onStageFailure(ctx, st, raw, err, result, existingEntry)
	}

	staged := &model.StagedObject{
		SchemaVersion: model.StagedObjectSchemaVersion,
		Key:           uploadRes.Key,
		StreamType:    st,
		RecordCount:   len(valid),
		Source:        source,
		ProcessingID:  processingID,
		BackupID:      backupID,
		ByteSize:      uploadRes.Size,
		UploadedAt:    now,
	}
	result.Stage = model.StageStage
	result.StagedObject = staged

	loadRes, err := p.loader.Load(ctx, warehouse.LoadRequest{
		StagedObjectKey: staged.Key,
		StreamType:      st,
		RecordCount:     len(valid),
		ProcessingID:    processingID,
	})
	if err != nil {
		// Staged object stays intact; the recovery sweeper retries later
		// (spec §4.F step 4c).
		result.Err = err.Error()
		p.log.Warn("load failed, staged object left intact for the sweeper", "stream", st, "key", staged.Key, "err", err)
		return result
	}

	result.Stage = model.StageComplete
	result.RecordsLoaded = loadRes.RecordsLoaded
	result.Success = true
	if p.cleanupProcessed {
		if err := p.store.Delete(ctx, staged.Key); err != nil {
			p.log.Warn("cleanup delete failed", "key", staged.Key, "err", err)
		}
	}
	return result
}

// onStageFailure handles a failed upload. For a fresh batch (existingEntry
// nil) it spools a brand-new entry. For a replay (existingEntry non-nil)
// the entry already exists and is retried/failed by the caller
// (replaySpoolEntry); onStageFailure only annotates the result, it must
// not write a second entry for the same batch.
func (p *Pipeline) onStageFailure(ctx context.Context, st model.StreamType, raw []json.RawMessage, stageErr error, result model.TypeResult, existingEntry *model.SpoolEntry) model.TypeResult {
	spoolID := ""
	if existingEntry != nil {
		spoolID = existingEntry.ID
	} else {
		entry, spoolErr := p.spool.Write(st, raw, time.Now())
		if spoolErr != nil {
			result.Err = spoolErr.Error()
			p.log.Error("spool write failed after stage failure", "stream", st, "err", spoolErr)
			return result
		}
		spoolID = entry.ID
	}
	result.Stage = model.StageStage
	result.BackupCreated = true
	result.SpoolID = spoolID
	result.Err = stageErr.Error()

	var osErr *objectstore.Error
	if errors.As(stageErr, &osErr) && osErr.Class == objectstore.FailurePermanent {
		result.PermanentStageFailure = true
		if p.alerts != nil {
			p.alerts.Alert(ctx, "permanent_stage_failure", stageErr.Error(), map[string]any{
				"streamType": st,
				"spoolId":    spoolID,
			})
		}
	}
	return result
}

// replaySpoolEntry implements spec §4.F step 3: attempt an upload of a
// spooled payload under a fresh staged key annotated local_backup. On
// success, mark completed and attempt a load in the same cycle; on
// failure, apply §4.E's retry policy.
func (p *Pipeline) replaySpoolEntry(ctx context.Context, entry model.SpoolEntry) {
	now := time.Now()
	entry, err := p.spool.MarkProcessing(entry, now)
	if err != nil {
		p.log.Error("spool mark processing failed", "spoolId", entry.ID, "err", err)
		return
	}

	result := p.processStream(ctx, entry.StreamType, entry.Payload, model.SourceLocalBackup, entry.ID, &entry)
	if result.PermanentStageFailure || result.BackupCreated {
		// Re-staging failed again; keep the original pending entry circulating
		// per the retry policy rather than losing it to a second spool write.
		if _, err := p.spool.MarkFailedOrRetry(entry, "stage_failed", result.Err, now); err != nil {
			p.log.Error("spool retry transition failed", "spoolId", entry.ID, "err", err)
		}
		return
	}
	if _, err := p.spool.MarkCompleted(entry, now); err != nil {
		p.log.Error("spool mark completed failed", "spoolId", entry.ID, "err", err)
	}
}

func (p *Pipeline) hasOrphans(ctx context.Context) bool {
	for st, cfg := range p.streams {
		refs, err := p.store.List(ctx, cfg.StagingPrefix, objectstore.ListFilter{OlderThan: time.Now().Add(-p.orphanMinAge)})
		if err != nil {
			continue
		}
		for _, ref := range refs {
			done, _ := p.loader.HasSuccessfulLoad(ctx, ref.Key)
			if !done {
				p.log.Debug("orphaned staged object detected", "stream", st, "key", ref.Key)
				return true
			}
		}
	}
	return false
}

func (p *Pipeline) finish(ctx context.Context, outcome *model.CycleOutcome, started time.Time) {
	outcome.ProcessingMS = time.Since(started).Milliseconds()
	if p.metrics != nil {
		p.metrics.RecordCycle(ctx, *outcome)
	}
}

// validRecordsJSON re-marshals the validated, normalized records so the
// staged object always carries the canonical post-normalization shape,
// never the raw producer payload.
func validRecordsJSON(st model.StreamType, separated telemetry.Separated) []json.RawMessage {
	var out []json.RawMessage
	switch st {
	case model.StreamMobile:
		for _, r := range separated.Mobile {
			if b, err := json.Marshal(r); err == nil {
				out = append(out, b)
			}
		}
	default:
		for _, r := range separated.GPS {
			if b, err := json.Marshal(r); err == nil {
				out = append(out, b)
			}
		}
	}
	return out
}

func joinNDJSON(records []json.RawMessage) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		buf.Write(r)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
