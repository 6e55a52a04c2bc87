// Command stager runs the telemetry staging pipeline: drain Redis,
// separate and validate records, stage them to the object store, load
// them into the warehouse, and retry anything that didn't make it.
// Wiring mirrors the teacher's cmd/main.go + internal/app.New: one
// composition root that builds every collaborator and hands the result
// to a run loop, rather than scattering global state across packages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/telemetry-stager/internal/config"
	"github.com/yungbote/telemetry-stager/internal/db"
	"github.com/yungbote/telemetry-stager/internal/drain"
	"github.com/yungbote/telemetry-stager/internal/hybrid"
	"github.com/yungbote/telemetry-stager/internal/ledger"
	"github.com/yungbote/telemetry-stager/internal/lock"
	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/objectstore"
	"github.com/yungbote/telemetry-stager/internal/pipeline"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
	"github.com/yungbote/telemetry-stager/internal/spool"
	"github.com/yungbote/telemetry-stager/internal/sweeper"
	"github.com/yungbote/telemetry-stager/internal/warehouse"
)

func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.LoadConfig(log)
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := wire(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize pipeline", "err", err)
		os.Exit(1)
	}
	defer app.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	app.Run(ctx)
	log.Info("stager exiting")
}

// app bundles everything the run loop needs. Its fields are unexported,
// so only code in package main reaches the controller, sweeper and ledger
// held here.
type app struct {
	log       *logger.Logger
	hybrid    *hybrid.Controller
	sweep     *sweeper.Sweeper
	metrics   *ledger.Ledger
	cfg       config.Config
	rdb       *redis.Client
	closeFns  []func()
}

func (a *app) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
}

// Run drives the scheduler of spec §5: one cycle at a time, a
// configurable inter-cycle interval, background loops for the recovery
// sweeper and the metrics snapshot.
func (a *app) Run(ctx context.Context) {
	go a.sweep.RunLoop(ctx, 2*a.cfg.InterCycleInterval)
	go a.metrics.RunSnapshotLoop(ctx, 5*time.Minute)

	ticker := time.NewTicker(a.cfg.InterCycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, cmp := a.hybrid.RunCycle(ctx)
			a.log.Info("cycle complete", "success", result.Success, "records", result.RecordsProcessed, "ms", result.ProcessingMS)
			if cmp != nil && !cmp.Consistent {
				a.log.Warn("hybrid comparison discrepancy recorded", "newRecords", cmp.New.RecordsProcessed, "legacyRecords", cmp.Legacy.RecordsProcessed)
			}
		}
	}
}

func wire(ctx context.Context, cfg config.Config, log *logger.Logger) (*app, error) {
	a := &app{log: log, cfg: cfg}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DialTimeout: 5 * time.Second})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.rdb = rdb
	a.closeFns = append(a.closeFns, func() { _ = rdb.Close() })

	var gdb *gorm.DB
	if !cfg.Simulation {
		opened, err := db.Open(log)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		gdb = opened
	}

	l := lock.New(rdb, log, cfg.LockKey, cfg.LockTTL)
	drainer := drain.New(rdb, log, cfg.AtomicEnabled, 5*time.Second)
	streams := model.StreamConfigs(cfg.GPSKey, cfg.MobileKey, cfg.StagingGPSPrefix, cfg.StagingMobilePrefix, cfg.WarehouseGPSTable, cfg.WarehouseMobileTable)

	store, err := buildObjectStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		a.closeFns = append(a.closeFns, func() { _ = closer.Close() })
	}

	loader, loaderClose, err := buildLoader(ctx, cfg, gdb, log)
	if err != nil {
		return nil, err
	}
	if loaderClose != nil {
		a.closeFns = append(a.closeFns, loaderClose)
	}

	sp := spool.New(cfg.SpoolDir, cfg.SpoolMaxRetries, cfg.SpoolBaseDelayMs)
	metricsLedger := ledger.New(gdb, log)
	if err := metricsLedger.AutoMigrate(); err != nil {
		log.Warn("ledger automigrate failed", "err", err)
	}

	pl := pipeline.New(pipeline.Config{
		Log:              log,
		Lock:             l,
		Drainer:          drainer,
		Streams:          streams,
		Store:            store,
		Loader:           loader,
		Spool:            sp,
		Metrics:          metricsLedger,
		Alerts:           metricsLedger,
		CleanupProcessed: cfg.CleanupProcessed,
	})

	sw := sweeper.New(sweeper.Config{
		Log:     log,
		Store:   store,
		Loader:  loader,
		Spool:   sp,
		Streams: streams,
	})

	hc, err := hybrid.New(hybrid.Config{
		InitialPhase: cfg.Phase,
		NewFlow:      hybrid.PipelineFlow{Pipeline: pl},
		LegacyFlow:   hybrid.SimulationLegacyFlow{},
		Rollback: hybrid.RollbackConfig{
			ConsecutiveFailures: cfg.RollbackConsecutive,
			ErrorRateThreshold:  cfg.RollbackErrorRate,
			ErrorRateWindow:     100,
			PerfRatioThreshold:  cfg.RollbackPerfRatio,
			Cooldown:            time.Duration(cfg.RollbackCooldownMin) * time.Minute,
		},
		DB:  gdb,
		Log: log,
	})
	if err != nil {
		return nil, fmt.Errorf("init hybrid controller: %w", err)
	}
	if err := hc.AutoMigrate(); err != nil {
		log.Warn("hybrid automigrate failed", "err", err)
	}

	a.hybrid = hc
	a.sweep = sw
	a.metrics = metricsLedger
	return a, nil
}
