package warehouse

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/telemetry-stager/internal/model"
)

// SimulationClient is an in-process Client for spec §6 Simulation mode and
// for tests: SubmitJob returns immediately, PollJob reports success on the
// first poll. Grounded on the submit-then-poll BigQuery load job shape the
// salvaged original project name implies, stripped to its simplest
// always-succeeds form.
type SimulationClient struct {
	mu   sync.Mutex
	jobs map[string]LoadRequest

	// FailNext, if set, makes the next PollJob for a given stream report
	// a failed job of this kind (SubmitJob never fails) — used by pipeline tests exercising
	// spec §8's transient-failure scenarios.
	FailNext map[model.StreamType]FailureKind
}

func NewSimulationClient() *SimulationClient {
	return &SimulationClient{jobs: make(map[string]LoadRequest)}
}

func (c *SimulationClient) SubmitJob(_ context.Context, req LoadRequest) (string, error) {
	jobID := uuid.NewString()
	c.mu.Lock()
	c.jobs[jobID] = req
	c.mu.Unlock()
	return jobID, nil
}

func (c *SimulationClient) PollJob(_ context.Context, jobID string) (PollResult, error) {
	c.mu.Lock()
	req, ok := c.jobs[jobID]
	var kind FailureKind
	if c.FailNext != nil {
		kind = c.FailNext[req.StreamType]
		delete(c.FailNext, req.StreamType)
	}
	c.mu.Unlock()
	if !ok {
		return PollResult{}, &Error{Kind: FailureSchema, Err: errString("unknown job id")}
	}
	if kind != "" {
		return PollResult{Status: JobStatusFailed, FailureKind: kind, FailureDetail: "simulated " + string(kind) + " failure"}, nil
	}
	return PollResult{Status: JobStatusSucceeded, RecordsLoaded: req.RecordCount}, nil
}

var _ Client = (*SimulationClient)(nil)

// InMemoryLedger is a Ledger for tests and simulation mode, avoiding a
// live postgres dependency when GormLedger isn't wired.
type InMemoryLedger struct {
	mu      sync.Mutex
	records []JobRecord
}

func NewInMemoryLedger() *InMemoryLedger { return &InMemoryLedger{} }

func (l *InMemoryLedger) RecordAttempt(_ context.Context, rec JobRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *InMemoryLedger) HasSuccessfulLoad(_ context.Context, stagedObjectKey string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.StagedObjectKey == stagedObjectKey && r.Status == JobStatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

var _ Ledger = (*InMemoryLedger)(nil)
