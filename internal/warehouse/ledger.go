package warehouse

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/telemetry-stager/internal/pkg/dbctx"
)

// JobRow is the persisted shape of JobRecord, grounded on the teacher's
// domain/jobs.JobRun (same column conventions: snake_case columns,
// indexed status, nullable completed_at). Dropped gorm.io/datatypes
// (see DESIGN.md) in favor of a plain string column, since the only
// free-form payload here is a one-line failure detail, not a document.
type JobRow struct {
	JobID           string    `gorm:"column:job_id;primaryKey"`
	StagedObjectKey string    `gorm:"column:staged_object_key;not null;index"`
	StreamType      string    `gorm:"column:stream_type;not null;index"`
	ProcessingID    string    `gorm:"column:processing_id;index"`
	Status          string    `gorm:"column:status;not null;index"`
	RecordsLoaded   int       `gorm:"column:records_loaded;not null;default:0"`
	FailureKind     string    `gorm:"column:failure_kind"`
	Error           string    `gorm:"column:error"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;index"`
	CompletedAt     *time.Time `gorm:"column:completed_at;index"`
}

func (JobRow) TableName() string { return "warehouse_job" }

// GormLedger is the production Ledger, grounded on the teacher's gorm +
// postgres usage throughout its domain/jobs package; each method builds a
// dbctx.Context from the caller's ctx.
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger { return &GormLedger{db: db} }

func (l *GormLedger) RecordAttempt(ctx context.Context, rec JobRecord) error {
	row := JobRow{
		JobID:           rec.JobID,
		StagedObjectKey: rec.StagedObjectKey,
		StreamType:      string(rec.StreamType),
		ProcessingID:    rec.ProcessingID,
		Status:          string(rec.Status),
		RecordsLoaded:   rec.RecordsLoaded,
		FailureKind:     string(rec.FailureKind),
		Error:           rec.Error,
		CreatedAt:       rec.CreatedAt,
		CompletedAt:     rec.CompletedAt,
	}
	dc := dbctx.Context{Ctx: ctx}
	return dc.DB(l.db).Save(&row).Error
}

func (l *GormLedger) HasSuccessfulLoad(ctx context.Context, stagedObjectKey string) (bool, error) {
	dc := dbctx.Context{Ctx: ctx}
	var count int64
	err := dc.DB(l.db).Model(&JobRow{}).
		Where("staged_object_key = ? AND status = ?", stagedObjectKey, string(JobStatusSucceeded)).
		Count(&count).Error
	return count > 0, err
}

func (l *GormLedger) AutoMigrate() error {
	return l.db.AutoMigrate(&JobRow{})
}

var _ Ledger = (*GormLedger)(nil)
