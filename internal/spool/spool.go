// Package spool implements the durable backup spool of spec §4.E: one
// file per entry in a configured directory, atomic write-temp-then-rename,
// FIFO-by-creation-timestamp retry selection, checksum-verified reads with
// quarantine on corruption. Grounded on the teacher's
// internal/jobs/orchestrator state-persistence idiom (OrchestratorState in
// state.go: a versioned JSON snapshot that is the sole source of truth,
// reloaded verbatim on resume) — generalized here from one snapshot file
// per workflow to one file per spooled batch.
package spool

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/telemetry-stager/internal/model"
)

// ErrorClass is spec §4.E's closed error-class set.
type ErrorClass string

const (
	ErrorInvalidInput    ErrorClass = "invalid_input"
	ErrorIO              ErrorClass = "io_error"
	ErrorCorruption      ErrorClass = "corruption"
	ErrorBudgetExhausted ErrorClass = "budget_exhausted"
)

// Error wraps a spool failure with its class.
type Error struct {
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string { return string(e.Class) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Spool owns a directory of spool-entry files.
type Spool struct {
	dir        string
	maxRetries int
	baseDelay  time.Duration
}

func New(dir string, maxRetries int, baseDelay time.Duration) *Spool {
	return &Spool{dir: dir, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Write creates a new pending entry for a batch that could not be uploaded
// directly, computing the content checksum spec §4.E's Integrity section
// requires. Returns invalid_input if the payload is empty — an empty batch
// is a caller bug, not a transient condition worth spooling.
//
// The direct upload that failed and produced this entry counts as the
// first attempt: RetryCount starts at 1, not 0, so a replay budget of
// maxRetries covers maxRetries total attempts (this write plus
// maxRetries-1 replays), matching spec §8 seed scenario 2's expectation
// of `retryCount=1` immediately after the first failed direct stage.
func (s *Spool) Write(streamType model.StreamType, payload []json.RawMessage, now time.Time) (model.SpoolEntry, error) {
	if len(payload) == 0 {
		return model.SpoolEntry{}, &Error{Class: ErrorInvalidInput, Err: errors.New("empty payload")}
	}
	entry := model.SpoolEntry{
		ID:         uuid.NewString(),
		StreamType: streamType,
		CreatedAt:  now,
		State:      model.BatchPending,
		RetryCount: 1,
		MaxRetries: s.maxRetries,
		Checksum:   checksumOf(payload),
		Payload:    payload,
	}
	if err := s.persist(entry); err != nil {
		return model.SpoolEntry{}, &Error{Class: ErrorIO, Err: err}
	}
	return entry, nil
}

func checksumOf(payload []json.RawMessage) uint32 {
	h := crc32.NewIEEE()
	for _, r := range payload {
		h.Write(r)
		h.Write([]byte{'\n'})
	}
	return h.Sum32()
}

// fileName implements spec §4.E's naming convention:
// backup_<type>_<iso-timestamp>_<nonce>.json.
func fileName(streamType model.StreamType, createdAt time.Time, id string) string {
	ts := createdAt.UTC().Format("20060102T150405.000000000Z")
	nonce := id
	if len(nonce) > 8 {
		nonce = nonce[:8]
	}
	return fmt.Sprintf("backup_%s_%s_%s.json", streamType, ts, nonce)
}

func (s *Spool) path(entry model.SpoolEntry) string {
	return filepath.Join(s.dir, fileName(entry.StreamType, entry.CreatedAt, entry.ID))
}

// persist writes entry atomically: serialize to a temp file in the same
// directory, fsync, then rename over the final path. Rename within one
// directory is atomic on the filesystems this pipeline targets (spec §4.E
// "Writes are atomic at the file level").
func (s *Spool) persist(entry model.SpoolEntry) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ensure spool dir: %w", err)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal spool entry: %w", err)
	}
	final := s.path(entry)
	tmp := final + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp spool file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp spool file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp spool file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename spool file into place: %w", err)
	}
	return nil
}

// read loads one entry and verifies its checksum. A mismatch quarantines
// the file (renamed aside with a .corrupt suffix) rather than silently
// dropping it, per spec §4.E Integrity.
func (s *Spool) read(path string) (model.SpoolEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.SpoolEntry{}, &Error{Class: ErrorIO, Err: err}
	}
	var entry model.SpoolEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.quarantine(path)
		return model.SpoolEntry{}, &Error{Class: ErrorCorruption, Err: fmt.Errorf("unmarshal %s: %w", path, err)}
	}
	if checksumOf(entry.Payload) != entry.Checksum {
		s.quarantine(path)
		return model.SpoolEntry{}, &Error{Class: ErrorCorruption, Err: fmt.Errorf("checksum mismatch in %s", path)}
	}
	return entry, nil
}

func (s *Spool) quarantine(path string) {
	_ = os.Rename(path, path+".corrupt."+uuid.NewString())
}

// PendingBatches implements spec §4.E's pendingBatches(): pending entries
// with retry budget remaining, oldest-first.
func (s *Spool) PendingBatches() ([]model.SpoolEntry, error) {
	entries, err := s.listEntryFiles()
	if err != nil {
		return nil, &Error{Class: ErrorIO, Err: err}
	}
	var out []model.SpoolEntry
	for _, path := range entries {
		entry, err := s.read(path)
		if err != nil {
			var spErr *Error
			if errors.As(err, &spErr) && spErr.Class == ErrorCorruption {
				continue // quarantined, skip
			}
			return nil, err
		}
		if entry.Retryable() {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Spool) listEntryFiles() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "backup_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, filepath.Join(s.dir, name))
	}
	return out, nil
}

// MarkProcessing transitions pending -> processing, incrementing
// retryCount and stamping lastAttempt (spec §4.E State machine).
func (s *Spool) MarkProcessing(entry model.SpoolEntry, now time.Time) (model.SpoolEntry, error) {
	if !model.ValidTransition(entry.State, model.BatchProcessing) {
		return entry, fmt.Errorf("invalid transition %s -> processing", entry.State)
	}
	entry.State = model.BatchProcessing
	entry.RetryCount++
	entry.LastAttemptAt = &now
	if err := s.persist(entry); err != nil {
		return entry, &Error{Class: ErrorIO, Err: err}
	}
	return entry, nil
}

// MarkCompleted transitions processing -> completed (spec §4.E).
func (s *Spool) MarkCompleted(entry model.SpoolEntry, now time.Time) (model.SpoolEntry, error) {
	if !model.ValidTransition(entry.State, model.BatchCompleted) {
		return entry, fmt.Errorf("invalid transition %s -> completed", entry.State)
	}
	entry.State = model.BatchCompleted
	entry.ProcessedAt = &now
	if err := s.persist(entry); err != nil {
		return entry, &Error{Class: ErrorIO, Err: err}
	}
	return entry, nil
}

// MarkFailedOrRetry implements spec §4.E's Retry policy: on failure the
// entry goes back to pending if budget remains, else to failed. The spool
// itself never sleeps — the baseDelay·2^(retryCount-1) backoff is the
// scheduler's responsibility (spec §4.E, §5).
func (s *Spool) MarkFailedOrRetry(entry model.SpoolEntry, code, message string, now time.Time) (model.SpoolEntry, error) {
	entry.AppendError(code, message, now)
	if entry.RetryCount < entry.MaxRetries {
		if !model.ValidTransition(entry.State, model.BatchPending) {
			return entry, fmt.Errorf("invalid transition %s -> pending", entry.State)
		}
		entry.State = model.BatchPending
		if err := s.persist(entry); err != nil {
			return entry, &Error{Class: ErrorIO, Err: err}
		}
		return entry, nil
	}
	if !model.ValidTransition(entry.State, model.BatchFailed) {
		return entry, fmt.Errorf("invalid transition %s -> failed", entry.State)
	}
	entry.State = model.BatchFailed
	entry.FinalError = message
	if err := s.persist(entry); err != nil {
		return entry, &Error{Class: ErrorBudgetExhausted, Err: err}
	}
	return entry, nil
}

// NextDelay computes spec §4.E's exponential backoff for an entry about to
// be retried: baseDelay · 2^(retryCount-1).
func (s *Spool) NextDelay(entry model.SpoolEntry) time.Duration {
	if entry.RetryCount <= 0 {
		return s.baseDelay
	}
	d := s.baseDelay
	for i := 0; i < entry.RetryCount-1; i++ {
		d *= 2
	}
	return d
}
