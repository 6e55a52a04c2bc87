package model

import "time"

// StagedObjectSource distinguishes a freshly-drained batch from one
// replayed out of the spool (spec §3 StagedObject metadata).
type StagedObjectSource string

const (
	SourceAtomicExtraction StagedObjectSource = "atomic_extraction"
	SourceLocalBackup      StagedObjectSource = "local_backup"
)

// StagedObjectSchemaVersion lets the on-disk/at-rest metadata shape evolve
// without breaking objects staged under an older version, the way
// other_examples' archive record types carry a schema_version field.
const StagedObjectSchemaVersion = 1

// StagedObject is the immutable blob described in spec §3: keyed by
// <prefix>/<date>/<processingId>.jsonl, metadata attached at upload time.
type StagedObject struct {
	SchemaVersion  int                `json:"schemaVersion"`
	Key            string             `json:"key"`
	StreamType     StreamType         `json:"streamType"`
	RecordCount    int                `json:"recordCount"`
	Source         StagedObjectSource `json:"source"`
	ProcessingID   string             `json:"processingId"`
	BackupID       string             `json:"backupId,omitempty"`
	ByteSize       int64              `json:"byteSize"`
	UploadedAt     time.Time          `json:"uploadedAt"`
}

// StageKey derives the deterministic key from spec §3/§4.A:
// <prefix>/YYYY-MM-DD/<id>.jsonl, date from the batch extraction time.
func StageKey(prefix, processingID string, extractedAt time.Time) string {
	date := extractedAt.UTC().Format("2006-01-02")
	trimmed := prefix
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] != '/' {
		trimmed += "/"
	}
	return trimmed + date + "/" + processingID + ".jsonl"
}
