// Package config assembles the pipeline's configuration from environment
// variables (and an optional YAML overlay), the way internal/app.LoadConfig
// did for the teacher's JWT settings — one LoadConfig entry point backed by
// envutil helpers. A missing or unparsable variable falls back to its
// default without a log line.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/telemetry-stager/internal/envutil"
	"github.com/yungbote/telemetry-stager/internal/hybrid"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
)

// Config is the fixed set of recognized options from spec §6.
type Config struct {
	RedisAddr string
	LockKey   string
	LockTTL   time.Duration

	GPSKey    string
	MobileKey string

	StagingBucket       string
	StagingGPSPrefix    string
	StagingMobilePrefix string

	WarehouseDataset    string
	WarehouseGPSTable   string
	WarehouseMobileTable string

	SpoolDir            string
	SpoolMaxRetries     int
	SpoolRetentionHours int
	SpoolBaseDelayMs    time.Duration

	CleanupProcessed bool

	Phase hybrid.Phase

	RollbackConsecutive int
	RollbackErrorRate   float64
	RollbackPerfRatio   float64
	RollbackCooldownMin int

	AtomicEnabled bool
	Simulation    bool

	// InterCycleInterval is the scheduler's pause between cycles (§5).
	InterCycleInterval time.Duration
}

// fileOverlay is the subset of Config that may be supplied by an optional
// YAML file (spool.*, warehouse.*, staging.* mirror spec §6's dotted
// names); env vars always win over the file, the file always wins over
// built-in defaults.
type fileOverlay struct {
	RedisAddr string `yaml:"redisAddr"`
	LockKey   string `yaml:"lockKey"`
	Staging   struct {
		Bucket       string `yaml:"bucket"`
		GPSPrefix    string `yaml:"gpsPrefix"`
		MobilePrefix string `yaml:"mobilePrefix"`
	} `yaml:"staging"`
	Warehouse struct {
		Dataset    string `yaml:"dataset"`
		GPSTable   string `yaml:"gpsTable"`
		MobileTable string `yaml:"mobileTable"`
	} `yaml:"warehouse"`
	Spool struct {
		Dir string `yaml:"dir"`
	} `yaml:"spool"`
}

// LoadConfig reads stager.yaml (if STAGER_CONFIG_FILE points at one) as a
// base layer, then applies environment overrides. The only log line it
// writes records that an overlay file was loaded; values that fall back to
// their built-in default are not logged.
func LoadConfig(log *logger.Logger) (Config, error) {
	var overlay fileOverlay
	if path := strings.TrimSpace(os.Getenv("STAGER_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &overlay); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		log.Info("loaded config overlay", "path", path)
	}

	cfg := Config{
		RedisAddr: envutil.String("REDIS_ADDR", firstNonEmpty(overlay.RedisAddr, "localhost:6379")),
		LockKey:   envutil.String("LOCK_KEY", firstNonEmpty(overlay.LockKey, "stager:lock")),
		LockTTL:   envutil.DurationMillis("LOCK_TTL_MS", 60*time.Second),

		GPSKey:    envutil.String("GPS_KEY", "gps:history:global"),
		MobileKey: envutil.String("MOBILE_KEY", "mobile:history:global"),

		StagingBucket:       envutil.String("STAGING_BUCKET", overlay.Staging.Bucket),
		StagingGPSPrefix:    envutil.String("STAGING_GPS_PREFIX", firstNonEmpty(overlay.Staging.GPSPrefix, "gps-data/")),
		StagingMobilePrefix: envutil.String("STAGING_MOBILE_PREFIX", firstNonEmpty(overlay.Staging.MobilePrefix, "mobile-data/")),

		WarehouseDataset:     envutil.String("WAREHOUSE_DATASET", overlay.Warehouse.Dataset),
		WarehouseGPSTable:    envutil.String("WAREHOUSE_GPS_TABLE", firstNonEmpty(overlay.Warehouse.GPSTable, "gps_records")),
		WarehouseMobileTable: envutil.String("WAREHOUSE_MOBILE_TABLE", firstNonEmpty(overlay.Warehouse.MobileTable, "mobile_records")),

		SpoolDir:            envutil.String("SPOOL_DIR", firstNonEmpty(overlay.Spool.Dir, "./spool")),
		SpoolMaxRetries:     envutil.Int("SPOOL_MAX_RETRIES", 3),
		SpoolRetentionHours: envutil.Int("SPOOL_RETENTION_HOURS", 24),
		SpoolBaseDelayMs:    envutil.DurationMillis("SPOOL_BASE_DELAY_MS", 5*time.Second),

		CleanupProcessed: envutil.Bool("CLEANUP_PROCESSED", true),

		Phase: hybrid.Phase(envutil.String("PHASE", string(hybrid.PhaseLegacy))),

		RollbackConsecutive: envutil.Int("ROLLBACK_CONSECUTIVE", 3),
		RollbackErrorRate:   envutil.Float("ROLLBACK_ERROR_RATE", 0.1),
		RollbackPerfRatio:   envutil.Float("ROLLBACK_PERF_RATIO", 2.0),
		RollbackCooldownMin: envutil.Int("ROLLBACK_COOLDOWN_MIN", 15),

		AtomicEnabled: envutil.Bool("ATOMIC_ENABLED", true),
		Simulation:    envutil.Bool("SIMULATION", false),

		InterCycleInterval: envutil.DurationMillis("INTER_CYCLE_INTERVAL_MS", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !hybrid.ValidPhase(c.Phase) {
		return fmt.Errorf("config_invalid: unknown phase %q", c.Phase)
	}
	if c.SpoolMaxRetries <= 0 {
		return fmt.Errorf("config_invalid: spool.maxRetries must be positive")
	}
	if !c.Simulation && strings.TrimSpace(c.StagingBucket) == "" {
		return fmt.Errorf("config_invalid: staging.bucket is required outside simulation mode")
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
