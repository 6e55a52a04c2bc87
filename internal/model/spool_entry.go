package model

import (
	"encoding/json"
	"time"
)

// ErrorObservation is one entry in a SpoolEntry's bounded error history.
type ErrorObservation struct {
	At      time.Time `json:"at"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// MaxErrorHistory bounds SpoolEntry.Errors (spec §3: "a sliding history of
// error observations (bounded)").
const MaxErrorHistory = 10

// SpoolEntry is the durable record for a batch that could not be uploaded
// directly (spec §3, §4.E). The spool exclusively owns entries on disk;
// this struct is the in-memory projection of one spool file.
type SpoolEntry struct {
	ID            string            `json:"id"`
	StreamType    StreamType        `json:"streamType"`
	CreatedAt     time.Time         `json:"createdAt"`
	State         BatchState        `json:"state"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	Errors        []ErrorObservation `json:"errors,omitempty"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty"`
	ProcessedAt   *time.Time        `json:"processedAt,omitempty"`
	FinalError    string            `json:"finalError,omitempty"`
	Checksum      uint32            `json:"checksum"`
	Payload       []json.RawMessage `json:"payload"`
}

// AppendError pushes an observation onto the bounded history, dropping the
// oldest entry once MaxErrorHistory is reached.
func (e *SpoolEntry) AppendError(code, message string, at time.Time) {
	e.Errors = append(e.Errors, ErrorObservation{At: at, Code: code, Message: message})
	if len(e.Errors) > MaxErrorHistory {
		e.Errors = e.Errors[len(e.Errors)-MaxErrorHistory:]
	}
}

// Retryable reports whether the entry is eligible for pendingBatches()
// selection (spec §4.E Selection policy): pending state, budget remaining.
func (e SpoolEntry) Retryable() bool {
	return e.State == BatchPending && e.RetryCount < e.MaxRetries
}
