// Package warehouse implements spec §4.B: submitting a load job for a
// staged object and polling it to completion. Grounded on the teacher's
// internal/domain/jobs.JobRun (job_run.go) for the ledger row shape, and
// on the project name salvaged from original_source/ —
// "gps-mumlima-bigquery-service" — for the submit-then-poll job
// semantics a BigQuery load job actually has.
package warehouse

import (
	"context"
	"time"

	"github.com/yungbote/telemetry-stager/internal/model"
)

// FailureKind is spec §4.B's closed failure-mode set.
type FailureKind string

const (
	FailureTransientJob FailureKind = "transient_job"
	FailureSchema       FailureKind = "schema"
	FailureQuota        FailureKind = "quota"
)

// Error wraps a load failure with its kind so callers can tell retryable
// kinds (transient_job, quota) from permanent ones (schema). A failed load
// is never spooled; the staged object stays for the recovery sweeper.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// LoadRequest is load()'s input (spec §4.B).
type LoadRequest struct {
	StagedObjectKey string
	StreamType      model.StreamType
	RecordCount     int
	ProcessingID    string
}

// LoadResult is load()'s output (spec §4.B).
type LoadResult struct {
	JobID          string
	RecordsLoaded  int
	AlreadyLoaded  bool // the loader's ledger already held a successful load for this key, so no job was submitted
}

// Client is the loader's transport. A plain Go interface rather than a
// generated gRPC/protobuf client: the warehouse backend here has no real
// .proto to generate against, and hand-writing message structs to front a
// fake client would be fabricating a dependency. See DESIGN.md.
type Client interface {
	// SubmitJob starts an ingestion job for the staged object and returns
	// a job id the caller polls.
	SubmitJob(ctx context.Context, req LoadRequest) (jobID string, err error)
	// PollJob checks the job's current status once; the Loader calls it
	// again on an interval while the status is still running.
	PollJob(ctx context.Context, jobID string) (PollResult, error)
}

// PollResult is what PollJob resolves to.
type PollResult struct {
	Status        JobStatus
	RecordsLoaded int
	FailureKind   FailureKind
	FailureDetail string
}

type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Loader drives Client through submit-then-poll and maps the outcome to
// spec §4.B's {jobId, recordsLoaded} contract.
type Loader struct {
	client     Client
	pollEvery  time.Duration
	maxWait    time.Duration
	ledger     Ledger
}

// Ledger persists a record of every load attempt (spec §4.G's "no
// corresponding successful load record" check reads this).
type Ledger interface {
	RecordAttempt(ctx context.Context, rec JobRecord) error
	HasSuccessfulLoad(ctx context.Context, stagedObjectKey string) (bool, error)
}

// JobRecord is one row the Ledger persists, grounded on the teacher's
// JobRun (ID/Status/Stage/Attempts/Error/CreatedAt shape).
type JobRecord struct {
	JobID           string
	StagedObjectKey string
	StreamType      model.StreamType
	ProcessingID    string
	Status          JobStatus
	RecordsLoaded   int
	FailureKind     FailureKind
	Error           string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

func NewLoader(client Client, ledger Ledger, pollEvery, maxWait time.Duration) *Loader {
	return &Loader{client: client, ledger: ledger, pollEvery: pollEvery, maxWait: maxWait}
}

// Load implements spec §4.B's load(). It does not delete the staged
// object — that decision belongs to the pipeline stage machine (§4.F
// step 4c).
func (l *Loader) Load(ctx context.Context, req LoadRequest) (LoadResult, error) {
	if done, err := l.ledger.HasSuccessfulLoad(ctx, req.StagedObjectKey); err == nil && done {
		return LoadResult{AlreadyLoaded: true, RecordsLoaded: req.RecordCount}, nil
	}

	jobID, err := l.client.SubmitJob(ctx, req)
	now := time.Now()
	if err != nil {
		_ = l.ledger.RecordAttempt(ctx, JobRecord{
			StagedObjectKey: req.StagedObjectKey,
			StreamType:      req.StreamType,
			ProcessingID:    req.ProcessingID,
			Status:          JobStatusFailed,
			Error:           err.Error(),
			CreatedAt:       now,
		})
		return LoadResult{}, &Error{Kind: FailureTransientJob, Err: err}
	}

	pollCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	result, err := l.poll(pollCtx, jobID)
	rec := JobRecord{
		JobID:           jobID,
		StagedObjectKey: req.StagedObjectKey,
		StreamType:      req.StreamType,
		ProcessingID:    req.ProcessingID,
		CreatedAt:       now,
	}
	completed := time.Now()
	rec.CompletedAt = &completed

	if err != nil {
		rec.Status = JobStatusFailed
		rec.Error = err.Error()
		_ = l.ledger.RecordAttempt(ctx, rec)
		return LoadResult{JobID: jobID}, &Error{Kind: FailureTransientJob, Err: err}
	}

	switch result.Status {
	case JobStatusSucceeded:
		rec.Status = JobStatusSucceeded
		rec.RecordsLoaded = result.RecordsLoaded
		_ = l.ledger.RecordAttempt(ctx, rec)
		return LoadResult{JobID: jobID, RecordsLoaded: result.RecordsLoaded}, nil
	default:
		rec.Status = JobStatusFailed
		rec.FailureKind = result.FailureKind
		rec.Error = result.FailureDetail
		_ = l.ledger.RecordAttempt(ctx, rec)
		kind := result.FailureKind
		if kind == "" {
			kind = FailureTransientJob
		}
		return LoadResult{JobID: jobID}, &Error{Kind: kind, Err: errString(result.FailureDetail)}
	}
}

// HasSuccessfulLoad exposes the ledger's dedup check (spec §4.G uses this
// to tell an orphaned staged object from one already loaded).
func (l *Loader) HasSuccessfulLoad(ctx context.Context, stagedObjectKey string) (bool, error) {
	return l.ledger.HasSuccessfulLoad(ctx, stagedObjectKey)
}

func (l *Loader) poll(ctx context.Context, jobID string) (PollResult, error) {
	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()
	for {
		res, err := l.client.PollJob(ctx, jobID)
		if err != nil {
			return PollResult{}, err
		}
		if res.Status != JobStatusRunning {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
