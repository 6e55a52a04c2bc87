package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/telemetry-stager/internal/config"
	"github.com/yungbote/telemetry-stager/internal/objectstore"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
	"github.com/yungbote/telemetry-stager/internal/warehouse"
)

// buildObjectStore picks the Simulation adapter (spec §6 `simulation=true`)
// or resolves and validates the real GCS mode the way
// internal/objectstore.ResolveMode/Validate expect.
func buildObjectStore(ctx context.Context, cfg config.Config, log *logger.Logger) (objectstore.Adapter, error) {
	osCfg := objectstore.Config{
		Bucket:       cfg.StagingBucket,
		GPSPrefix:    cfg.StagingGPSPrefix,
		MobilePrefix: cfg.StagingMobilePrefix,
	}
	if cfg.Simulation {
		return objectstore.NewSimulationAdapter(osCfg), nil
	}

	mode, emulatorHost := objectstore.ResolveMode()
	osCfg.Mode = mode
	osCfg.EmulatorHost = emulatorHost
	if err := objectstore.Validate(osCfg); err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
	}
	return objectstore.NewGCSAdapter(ctx, osCfg, log)
}

// buildLoader picks the Simulation client+ledger or a real BigQuery
// client backed by the Gorm ledger, depending on cfg.Simulation. The
// returned close func (nil in simulation mode) shuts down the BigQuery
// client's underlying gRPC connection.
func buildLoader(ctx context.Context, cfg config.Config, gdb *gorm.DB, log *logger.Logger) (*warehouse.Loader, func(), error) {
	if cfg.Simulation {
		loader := warehouse.NewLoader(warehouse.NewSimulationClient(), warehouse.NewInMemoryLedger(), 100*time.Millisecond, 30*time.Second)
		return loader, nil, nil
	}

	projectID := strings.TrimSpace(os.Getenv("BIGQUERY_PROJECT_ID"))
	if projectID == "" {
		return nil, nil, fmt.Errorf("config_invalid: BIGQUERY_PROJECT_ID is required outside simulation mode")
	}
	client, err := warehouse.NewBigQueryClient(ctx, warehouse.BigQueryConfig{
		ProjectID:    projectID,
		Dataset:      cfg.WarehouseDataset,
		Bucket:       cfg.StagingBucket,
		GPSTable:     cfg.WarehouseGPSTable,
		MobileTable:  cfg.WarehouseMobileTable,
		EmulatorHost: strings.TrimSpace(os.Getenv("BIGQUERY_EMULATOR_HOST")),
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("init bigquery client: %w", err)
	}

	ledgerStore := warehouse.NewGormLedger(gdb)
	if err := ledgerStore.AutoMigrate(); err != nil {
		return nil, nil, fmt.Errorf("warehouse ledger automigrate: %w", err)
	}

	loader := warehouse.NewLoader(client, ledgerStore, 5*time.Second, 10*time.Minute)
	return loader, func() { _ = client.Close() }, nil
}
