// Package ledger implements the metrics ledger of spec §4.H: in-memory
// per-stream outcome counters, durable snapshots on an interval and on
// shutdown, and bounded ring buffers for retry times and alerts. Grounded
// on the teacher's internal/domain/jobs.JobRun ledger-row conventions for
// the snapshot table, and on its rollback package's bounded-history ring
// buffer idiom (see internal/hybrid, built on the same idea).
package ledger

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/pkg/dbctx"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
)

// Counters is one stream's accumulated outcome tally (spec §4.H).
type Counters struct {
	Total        int64
	Successful   int64
	Failed       int64
	TotalRecords int64
	TotalTimeMS  int64
}

// RetryObservation is one ring-buffer entry for last-N retry times.
type RetryObservation struct {
	At       time.Time
	Stream   model.StreamType
	DurationMS int64
}

// AlertObservation is one ring-buffer entry for alert events.
type AlertObservation struct {
	At      time.Time
	Kind    string
	Message string
}

const ringCapacity = 100

// Ledger is the process-local metrics ledger. Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	counters map[model.StreamType]*Counters
	retries  []RetryObservation
	alerts   map[string][]AlertObservation

	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, log *logger.Logger) *Ledger {
	return &Ledger{
		counters: make(map[model.StreamType]*Counters),
		alerts:   make(map[string][]AlertObservation),
		db:       db,
		log:      log.With("component", "ledger"),
	}
}

// RecordCycle implements the ledger's deltas-on-every-transition contract:
// one CycleOutcome updates every stream's counters in one call (spec
// §4.F step 5 "emit the CycleOutcome to the metrics ledger").
func (l *Ledger) RecordCycle(_ context.Context, outcome model.CycleOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for st, result := range outcome.PerTypeResults {
		c := l.counterFor(st)
		c.Total++
		c.TotalRecords += int64(result.RecordsProcessed)
		c.TotalTimeMS += outcome.ProcessingMS
		if result.Success {
			c.Successful++
		} else {
			c.Failed++
		}
		l.pushRetry(st, outcome.ProcessingMS)
	}
}

// Alert implements pipeline.AlertSink — recorded into a bounded per-kind
// ring buffer rather than forwarded anywhere external; spec §4.H treats
// alert events as ledger state, not a notification channel.
func (l *Ledger) Alert(_ context.Context, kind, message string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := append(l.alerts[kind], AlertObservation{At: time.Now(), Kind: kind, Message: message})
	if len(buf) > ringCapacity {
		buf = buf[len(buf)-ringCapacity:]
	}
	l.alerts[kind] = buf
}

func (l *Ledger) counterFor(st model.StreamType) *Counters {
	c, ok := l.counters[st]
	if !ok {
		c = &Counters{}
		l.counters[st] = c
	}
	return c
}

func (l *Ledger) pushRetry(st model.StreamType, durationMS int64) {
	l.retries = append(l.retries, RetryObservation{At: time.Now(), Stream: st, DurationMS: durationMS})
	if len(l.retries) > ringCapacity {
		l.retries = l.retries[len(l.retries)-ringCapacity:]
	}
}

// Summary is one stream's public view (spec §4.H "summary views").
type Summary struct {
	StreamType     model.StreamType
	Total          int64
	SuccessRate    float64
	AverageTimeMS  float64
	RecordsLoaded  int64
}

// Summaries builds spec §4.H's per-stream summary views.
func (l *Ledger) Summaries() map[model.StreamType]Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[model.StreamType]Summary, len(l.counters))
	for st, c := range l.counters {
		s := Summary{StreamType: st, Total: c.Total, RecordsLoaded: c.TotalRecords}
		if c.Total > 0 {
			s.SuccessRate = float64(c.Successful) / float64(c.Total)
			s.AverageTimeMS = float64(c.TotalTimeMS) / float64(c.Total)
		}
		out[st] = s
	}
	return out
}

// HealthView buckets the ledger's current state into spec §9's
// healthy/degraded/unhealthy classification, derived from each stream's
// cumulative success rate since the ledger was created. Spool depth is not
// considered.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

func (l *Ledger) HealthView() map[model.StreamType]HealthStatus {
	out := make(map[model.StreamType]HealthStatus)
	for st, s := range l.Summaries() {
		switch {
		case s.Total == 0 || s.SuccessRate >= 0.95:
			out[st] = HealthHealthy
		case s.SuccessRate >= 0.75:
			out[st] = HealthDegraded
		default:
			out[st] = HealthUnhealthy
		}
	}
	return out
}

// SnapshotRow is the durable row written by Snapshot (spec §4.H "durable
// snapshot at configurable intervals and on clean shutdown").
type SnapshotRow struct {
	StreamType    string    `gorm:"column:stream_type;primaryKey"`
	TakenAt       time.Time `gorm:"column:taken_at;primaryKey"`
	Total         int64     `gorm:"column:total"`
	Successful    int64     `gorm:"column:successful"`
	Failed        int64     `gorm:"column:failed"`
	TotalRecords  int64     `gorm:"column:total_records"`
	TotalTimeMS   int64     `gorm:"column:total_time_ms"`
}

func (SnapshotRow) TableName() string { return "ledger_snapshot" }

func (l *Ledger) AutoMigrate() error {
	if l.db == nil {
		return nil
	}
	return l.db.AutoMigrate(&SnapshotRow{})
}

// Snapshot persists the current counters. Ledger failures never fail the
// caller's cycle (spec §4.H "not in the critical path: failures of the
// ledger are logged and swallowed").
func (l *Ledger) Snapshot(ctx context.Context) {
	if l.db == nil {
		return
	}
	l.mu.Lock()
	rows := make([]SnapshotRow, 0, len(l.counters))
	now := time.Now()
	for st, c := range l.counters {
		rows = append(rows, SnapshotRow{
			StreamType:   string(st),
			TakenAt:      now,
			Total:        c.Total,
			Successful:   c.Successful,
			Failed:       c.Failed,
			TotalRecords: c.TotalRecords,
			TotalTimeMS:  c.TotalTimeMS,
		})
	}
	l.mu.Unlock()

	dc := dbctx.Context{Ctx: ctx}
	for _, row := range rows {
		if err := dc.DB(l.db).Create(&row).Error; err != nil {
			l.log.Warn("ledger snapshot write failed", "stream", row.StreamType, "err", err)
		}
	}
}

// RunSnapshotLoop snapshots on an interval until ctx is cancelled, then
// takes one final snapshot on clean shutdown.
func (l *Ledger) RunSnapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Snapshot(context.Background())
			return
		case <-ticker.C:
			l.Snapshot(ctx)
		}
	}
}
