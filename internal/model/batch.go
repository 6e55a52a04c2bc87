package model

import (
	"encoding/json"
	"hash/crc32"
	"time"
)

// Batch is an ordered sequence of raw records drawn atomically from one
// Redis list (spec §3). Once constructed it is never mutated; state
// transitions produce new BatchState records that reference it by
// ProcessingID, not by mutating the Batch itself.
type Batch struct {
	ProcessingID string
	StreamType   StreamType
	ExtractedAt  time.Time
	Records      []json.RawMessage
	Checksum     uint32
	ByteSize     int
}

// NewBatch computes the checksum and byte size from records and stamps the
// extraction time; callers supply the processing id (drain.go mints one
// per stream per cycle).
func NewBatch(processingID string, streamType StreamType, extractedAt time.Time, records []json.RawMessage) Batch {
	size := 0
	h := crc32.NewIEEE()
	for _, r := range records {
		size += len(r)
		_, _ = h.Write(r)
		_, _ = h.Write([]byte{'\n'})
	}
	return Batch{
		ProcessingID: processingID,
		StreamType:   streamType,
		ExtractedAt:  extractedAt,
		Records:      records,
		Checksum:     h.Sum32(),
		ByteSize:     size,
	}
}

func (b Batch) Count() int { return len(b.Records) }

func (b Batch) Empty() bool { return len(b.Records) == 0 }

// BatchState is the closed transition model from spec §3:
// pending -> processing -> {completed, failed}, with processing -> pending
// permitted while retries remain.
type BatchState string

const (
	BatchPending    BatchState = "pending"
	BatchProcessing BatchState = "processing"
	BatchCompleted  BatchState = "completed"
	BatchFailed     BatchState = "failed"
)

// ValidTransition reports whether moving from `from` to `to` is one of the
// four transitions spec §3 enumerates.
func ValidTransition(from, to BatchState) bool {
	switch {
	case from == BatchPending && to == BatchProcessing:
		return true
	case from == BatchProcessing && to == BatchCompleted:
		return true
	case from == BatchProcessing && to == BatchPending:
		return true
	case from == BatchProcessing && to == BatchFailed:
		return true
	default:
		return false
	}
}
