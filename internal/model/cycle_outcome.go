package model

import "time"

// StageMarker locates precisely where a per-type cycle result got to
// (spec §3 CycleOutcome, §7 "User-visible failure").
type StageMarker string

const (
	StageExtract  StageMarker = "extract"
	StageStage    StageMarker = "stage"
	StageLoad     StageMarker = "load"
	StageComplete StageMarker = "complete"
)

// TypeResult is one stream's contribution to a CycleOutcome.
type TypeResult struct {
	StreamType      StreamType    `json:"streamType"`
	Stage           StageMarker   `json:"stage"`
	RecordsProcessed int          `json:"recordsProcessed"`
	RecordsLoaded   int           `json:"recordsLoaded"`
	StagedObject    *StagedObject `json:"stagedObject,omitempty"`
	SpoolID         string        `json:"spoolId,omitempty"`
	BackupCreated   bool          `json:"backupCreated"`
	PermanentStageFailure bool    `json:"permanentStageFailure,omitempty"`
	Err             string        `json:"error,omitempty"`
	Success         bool          `json:"success"`
}

// CycleOutcome is produced by the stage machine per invocation (spec §3).
type CycleOutcome struct {
	Success         bool                       `json:"success"`
	Reason          string                     `json:"reason,omitempty"`
	TotalRecords    int                        `json:"totalRecords"`
	ExtractionCounts map[StreamType]int        `json:"extractionCounts,omitempty"`
	PerTypeResults  map[StreamType]TypeResult  `json:"perTypeResults,omitempty"`
	ProcessingMS    int64                      `json:"processingMs"`
	StartedAt       time.Time                  `json:"startedAt"`
}
