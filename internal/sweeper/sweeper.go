// Package sweeper implements the recovery sweeper of spec §4.G: a
// periodic pass that finds staged objects that were never successfully
// loaded (orphans left by §4.F step 4c, when a load fails after a
// successful stage) and re-invokes the warehouse loader for each, plus a
// read-only view of the spool's still-pending entries. Grounded on the
// same object-store listing pattern internal/pipeline's hasOrphans uses,
// generalized into its own periodic pass rather than a per-cycle
// side-check.
package sweeper

import (
	"context"
	"time"

	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/objectstore"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
	"github.com/yungbote/telemetry-stager/internal/spool"
	"github.com/yungbote/telemetry-stager/internal/warehouse"
)

// Result summarizes one sweep (spec §6 runRecovery()).
type Result struct {
	Scanned        int
	Orphaned       int
	Reloaded       int
	ReloadFailures int
	PendingSpool   int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Sweeper holds the collaborators a sweep needs.
type Sweeper struct {
	log *logger.Logger

	store   objectstore.Adapter
	loader  *warehouse.Loader
	spool   *spool.Spool
	streams map[model.StreamType]model.StreamConfig

	minAge time.Duration
}

type Config struct {
	Log     *logger.Logger
	Store   objectstore.Adapter
	Loader  *warehouse.Loader
	Spool   *spool.Spool
	Streams map[model.StreamType]model.StreamConfig
	MinAge  time.Duration
}

func New(cfg Config) *Sweeper {
	minAge := cfg.MinAge
	if minAge <= 0 {
		minAge = 5 * time.Minute
	}
	return &Sweeper{
		log:     cfg.Log.With("component", "sweeper"),
		store:   cfg.Store,
		loader:  cfg.Loader,
		spool:   cfg.Spool,
		streams: cfg.Streams,
		minAge:  minAge,
	}
}

// Run implements spec §4.G's single pass: list each stream's staging
// prefix filtered to objects older than minAge, re-invoke the loader for
// every object without a successful load record, and surface the spool's
// pending entries.
func (s *Sweeper) Run(ctx context.Context) Result {
	res := Result{StartedAt: time.Now()}
	cutoff := time.Now().Add(-s.minAge)

	for st, cfg := range s.streams {
		refs, err := s.store.List(ctx, cfg.StagingPrefix, objectstore.ListFilter{OlderThan: cutoff})
		if err != nil {
			s.log.Warn("sweeper list failed", "stream", st, "prefix", cfg.StagingPrefix, "err", err)
			continue
		}
		for _, ref := range refs {
			res.Scanned++
			done, err := s.loader.HasSuccessfulLoad(ctx, ref.Key)
			if err != nil {
				s.log.Warn("sweeper ledger check failed", "key", ref.Key, "err", err)
				continue
			}
			if done {
				continue
			}
			res.Orphaned++
			s.reload(ctx, ref, &res)
		}
	}

	pending, err := s.spool.PendingBatches()
	if err != nil {
		s.log.Warn("sweeper pending batch listing failed", "err", err)
	}
	res.PendingSpool = len(pending)

	res.FinishedAt = time.Now()
	return res
}

func (s *Sweeper) reload(ctx context.Context, ref objectstore.ObjectRef, res *Result) {
	_, err := s.loader.Load(ctx, warehouse.LoadRequest{
		StagedObjectKey: ref.Key,
		StreamType:      ref.StreamType,
		RecordCount:     ref.RecordCount,
		ProcessingID:    ref.ProcessingID,
	})
	if err != nil {
		res.ReloadFailures++
		s.log.Warn("sweeper reload failed, orphan remains for the next sweep", "key", ref.Key, "err", err)
		return
	}
	res.Reloaded++
}

// RunLoop runs Run on an interval until ctx is cancelled.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := s.Run(ctx)
			if res.Orphaned > 0 || res.PendingSpool > 0 {
				s.log.Info("sweep complete", "scanned", res.Scanned, "orphaned", res.Orphaned,
					"reloaded", res.Reloaded, "reloadFailures", res.ReloadFailures, "pendingSpool", res.PendingSpool)
			}
		}
	}
}
