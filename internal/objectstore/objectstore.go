// Package objectstore implements the object-store adapter of spec §4.A:
// newline-delimited JSON upload under a deterministic key, list-by-prefix
// with metadata, delete, exists. Grounded on the teacher's
// internal/platform/gcp bucket.go/storage_mode.go/creds.go — generalized
// from the teacher's avatar/material bucket categories to the pipeline's
// gps/mobile stream prefixes, and from raw io.Reader uploads to
// newline-delimited JSON record batches.
package objectstore

import (
	"context"
	"time"

	"github.com/yungbote/telemetry-stager/internal/model"
)

// FailureClass distinguishes retryable from non-retryable upload failures
// (spec §4.A: "Failure modes signaled distinctly").
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

// Error wraps an object-store failure with its class so callers (the
// stage machine) can decide whether to spool-and-retry or spool-and-alert.
type Error struct {
	Class FailureClass
	Err   error
}

func (e *Error) Error() string { return string(e.Class) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// UploadResult is upload()'s return value (spec §4.A).
type UploadResult struct {
	Key            string
	Size           int64
	AlreadyExisted bool // spec §4.F idempotency: re-staging the same id is observed as already_exists, treated as success.
}

// ObjectRef is one entry returned by list() (spec §4.A, §3 metadata).
type ObjectRef struct {
	Key         string
	Size        int64
	UpdatedAt   time.Time
	StreamType  model.StreamType
	RecordCount int
	Source      model.StagedObjectSource
	ProcessingID string
	BackupID    string
}

// ListFilter narrows list() results; zero value lists everything under
// the prefix.
type ListFilter struct {
	OlderThan time.Time // spec §4.G: "filters to objects older than a minimum age"
}

// Adapter is the object-store collaborator spec §4.A exposes.
type Adapter interface {
	Upload(ctx context.Context, streamType model.StreamType, processingID string, records []byte, meta UploadMetadata) (UploadResult, error)
	List(ctx context.Context, prefix string, filter ListFilter) ([]ObjectRef, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// UploadMetadata is attached to the object at upload time (spec §3
// StagedObject metadata).
type UploadMetadata struct {
	RecordCount int
	Source      model.StagedObjectSource
	BackupID    string
	ExtractedAt time.Time
}
