package hybrid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/telemetry-stager/internal/pkg/dbctx"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
)

// FlowResult is one flow's contribution to a comparison (spec §4.I
// "Comparison"). ProcessingMS and RecordsProcessed feed the rollback
// triggers; Err is nil on success.
type FlowResult struct {
	Success          bool
	ProcessingMS     int64
	RecordsProcessed int
	Err              error
}

// FlowRunner is either the new pipeline or the legacy direct path. This is
// a plain Go interface, not a generated client — the legacy direct path
// has no concrete implementation in this repository (spec's own open
// question: "whether the legacy direct path requires the same atomic
// drain as the new path; the source is ambiguous"); integrators supply
// their own FlowRunner, and this package ships a Simulation one for
// wiring and tests (see adapter.go).
type FlowRunner interface {
	RunCycle(ctx context.Context) FlowResult
}

// RollbackConfig holds the thresholds of spec §4.I / §6.
type RollbackConfig struct {
	ConsecutiveFailures int
	ErrorRateThreshold  float64
	ErrorRateWindow     int
	PerfRatioThreshold  float64
	Cooldown            time.Duration
	Tolerance           int
}

func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{
		ConsecutiveFailures: 3,
		ErrorRateThreshold:  0.1,
		ErrorRateWindow:     100,
		PerfRatioThreshold:  2.0,
		Cooldown:            15 * time.Minute,
		Tolerance:           0,
	}
}

type sample struct {
	success bool
	ms      int64
	at      time.Time
}

// Event is one immutable rollback demotion, kept in a bounded in-memory
// history and (if a db is configured) persisted to rollback_event.
type Event struct {
	ID        string
	From      Phase
	To        Phase
	Reason    string
	At        time.Time
}

const historyCapacity = 100

// Controller is the process-local hybrid controller. Safe for concurrent
// use; the ledger's own "shared singleton, mutex-serialized" posture
// (spec §5 "Shared-resource policy") applies here too.
type Controller struct {
	mu sync.Mutex

	phase Phase
	cfg   RollbackConfig

	newFlow    FlowRunner
	legacyFlow FlowRunner

	consecutiveFailures int
	newWindow           []sample
	legacyWindow         []sample

	cooldownUntil time.Time
	history       []Event

	db  *gorm.DB
	log *logger.Logger
}

type Config struct {
	InitialPhase Phase
	NewFlow      FlowRunner
	LegacyFlow   FlowRunner
	Rollback     RollbackConfig
	DB           *gorm.DB
	Log          *logger.Logger
}

func New(cfg Config) (*Controller, error) {
	if !ValidPhase(cfg.InitialPhase) {
		return nil, fmt.Errorf("config_invalid: unknown phase %q", cfg.InitialPhase)
	}
	rb := cfg.Rollback
	if rb.ErrorRateWindow <= 0 {
		rb = DefaultRollbackConfig()
	}
	return &Controller{
		phase:      cfg.InitialPhase,
		cfg:        rb,
		newFlow:    cfg.NewFlow,
		legacyFlow: cfg.LegacyFlow,
		db:         cfg.DB,
		log:        cfg.Log.With("component", "hybrid"),
	}, nil
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SetPhase implements spec §6's admin setPhase(phase), subject to spec
// §4.I's "during [cooldown] no further rollback or promotion is
// considered": while in cooldown, only a further demotion to legacy is
// accepted.
func (c *Controller) SetPhase(p Phase) error {
	if !ValidPhase(p) {
		return fmt.Errorf("config_invalid: unknown phase %q", p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.cooldownUntil) && p != PhaseLegacy {
		return fmt.Errorf("rollback cooldown active until %s: only legacy is accepted", c.cooldownUntil.Format(time.RFC3339))
	}
	c.phase = p
	return nil
}

// inCooldown reports whether a rollback's cooldown window is still active
// (spec §4.I: "during [cooldown] no further rollback or promotion is
// considered").
func (c *Controller) inCooldown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.cooldownUntil)
}

// History returns a copy of the bounded rollback event history.
func (c *Controller) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.history))
	copy(out, c.history)
	return out
}

// Comparison is the per-cycle comparison record of spec §4.I.
type Comparison struct {
	New              FlowResult
	Legacy           FlowResult
	ConsistentRecords bool
	ConsistentSuccess bool
	Consistent        bool
}

// RunCycle implements spec §4.I's phase-selected flow dispatch.
func (c *Controller) RunCycle(ctx context.Context) (FlowResult, *Comparison) {
	phase := c.Phase()
	switch phase {
	case PhaseLegacy:
		return c.legacyFlow.RunCycle(ctx), nil

	case PhaseNew:
		res := c.newFlow.RunCycle(ctx)
		c.recordNew(res)
		return res, nil

	case PhaseMigration:
		res := c.newFlow.RunCycle(ctx)
		c.recordNew(res)
		if !res.Success {
			return c.legacyFlow.RunCycle(ctx), nil
		}
		return res, nil

	case PhaseHybrid:
		// A rollback's action is "demote phase one step, disable the new
		// flow" (spec §4.I); while the resulting cooldown is active the
		// new flow stays disabled and legacy alone is the mutating path,
		// exactly as if phase were still legacy (seed scenario 5: "subsequent
		// cycles use the legacy flow until cooldown elapses"). Only once
		// cooldown lapses does hybrid resume its normal dual-flow comparison.
		if c.inCooldown() {
			return c.legacyFlow.RunCycle(ctx), nil
		}

		// Primary (new) mutates; secondary (legacy) is expected to be a
		// dry-run adapter supplied by the integrator (spec §9 "Hybrid
		// comparison semantics"). Neither flow shares mutable state with
		// the other, so they run concurrently under errgroup rather than
		// serially doubling the cycle's wall-clock cost.
		var newRes, legacyRes FlowResult
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			newRes = c.newFlow.RunCycle(gctx)
			return nil
		})
		g.Go(func() error {
			legacyRes = c.legacyFlow.RunCycle(gctx)
			return nil
		})
		_ = g.Wait() // FlowRunner reports failure via FlowResult.Err, not a Go error
		c.recordNew(newRes)
		c.recordLegacy(legacyRes)
		cmp := c.compare(newRes, legacyRes)
		return newRes, &cmp
	}
	return FlowResult{}, nil
}

func (c *Controller) compare(newRes, legacyRes FlowResult) Comparison {
	diff := newRes.RecordsProcessed - legacyRes.RecordsProcessed
	if diff < 0 {
		diff = -diff
	}
	cmp := Comparison{New: newRes, Legacy: legacyRes}
	cmp.ConsistentRecords = diff <= c.cfg.Tolerance
	cmp.ConsistentSuccess = newRes.Success == legacyRes.Success
	cmp.Consistent = cmp.ConsistentRecords && cmp.ConsistentSuccess
	if !cmp.Consistent && c.log != nil {
		c.log.Warn("hybrid comparison discrepancy",
			"newRecords", newRes.RecordsProcessed, "legacyRecords", legacyRes.RecordsProcessed,
			"newSuccess", newRes.Success, "legacySuccess", legacyRes.Success)
	}
	return cmp
}

func (c *Controller) recordNew(res FlowResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newWindow = pushSample(c.newWindow, sample{success: res.Success, ms: res.ProcessingMS, at: time.Now()}, c.cfg.ErrorRateWindow)
	if res.Success {
		c.consecutiveFailures = 0
	} else {
		c.consecutiveFailures++
	}
	c.maybeRollback()
}

func (c *Controller) recordLegacy(res FlowResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.legacyWindow = pushSample(c.legacyWindow, sample{success: res.Success, ms: res.ProcessingMS, at: time.Now()}, c.cfg.ErrorRateWindow)
}

func pushSample(window []sample, s sample, limit int) []sample {
	window = append(window, s)
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window
}

// maybeRollback implements spec §4.I's three rollback triggers. Caller
// must hold c.mu. No rollback is considered while in cooldown (P7).
func (c *Controller) maybeRollback() {
	if time.Now().Before(c.cooldownUntil) {
		return
	}
	if c.phase != PhaseNew && c.phase != PhaseMigration && c.phase != PhaseHybrid {
		return
	}

	reason := ""
	switch {
	case c.consecutiveFailures >= c.cfg.ConsecutiveFailures:
		reason = "consecutive_failures"
	case len(c.newWindow) >= c.cfg.ErrorRateWindow && errorRate(c.newWindow) > c.cfg.ErrorRateThreshold:
		reason = "error_rate"
	case len(c.legacyWindow) > 0 && len(c.newWindow) > 0 && perfRatio(c.newWindow, c.legacyWindow) > c.cfg.PerfRatioThreshold:
		reason = "perf_ratio"
	}
	if reason == "" {
		return
	}
	c.rollback(reason)
}

func (c *Controller) rollback(reason string) {
	from := c.phase
	to := demote(from)
	c.phase = to
	c.consecutiveFailures = 0
	c.newWindow = nil
	c.cooldownUntil = time.Now().Add(c.cfg.Cooldown)

	ev := Event{ID: uuid.NewString(), From: from, To: to, Reason: reason, At: time.Now()}
	c.history = append(c.history, ev)
	if len(c.history) > historyCapacity {
		c.history = c.history[len(c.history)-historyCapacity:]
	}
	if c.log != nil {
		c.log.Error("hybrid rollback triggered", "from", from, "to", to, "reason", reason)
	}
	c.persist(ev)
}

func errorRate(window []sample) float64 {
	if len(window) == 0 {
		return 0
	}
	failures := 0
	for _, s := range window {
		if !s.success {
			failures++
		}
	}
	return float64(failures) / float64(len(window))
}

func meanMS(window []sample) float64 {
	if len(window) == 0 {
		return 0
	}
	var total int64
	for _, s := range window {
		total += s.ms
	}
	return float64(total) / float64(len(window))
}

func perfRatio(newWindow, legacyWindow []sample) float64 {
	legacyMean := meanMS(legacyWindow)
	if legacyMean <= 0 {
		return 0
	}
	return meanMS(newWindow) / legacyMean
}

// RollbackEventRow is the durable table backing persist, column-named the
// way the teacher's RollbackEvent domain row is (from/to/reason/created_at).
type RollbackEventRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	FromPhase string    `gorm:"column:from_phase"`
	ToPhase   string    `gorm:"column:to_phase"`
	Reason    string    `gorm:"column:reason"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

func (RollbackEventRow) TableName() string { return "rollback_event" }

func (c *Controller) AutoMigrate() error {
	if c.db == nil {
		return nil
	}
	return c.db.AutoMigrate(&RollbackEventRow{})
}

// persist never fails the rollback itself; a write failure only loses the
// audit row, not the phase demotion, matching the ledger's "not in the
// critical path" posture for auxiliary state.
func (c *Controller) persist(ev Event) {
	if c.db == nil {
		return
	}
	row := RollbackEventRow{ID: ev.ID, FromPhase: string(ev.From), ToPhase: string(ev.To), Reason: ev.Reason, CreatedAt: ev.At}
	dc := dbctx.Context{Ctx: context.Background()}
	if err := dc.DB(c.db).Create(&row).Error; err != nil && c.log != nil {
		c.log.Warn("rollback event persist failed", "err", err)
	}
}
