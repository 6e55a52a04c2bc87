// Package db opens the Postgres connection backing the warehouse ledger,
// metrics snapshots and rollback history. Grounded on the teacher's
// internal/db.NewPostgresService — same DSN shape, same gorm.Config, same
// "ignore record-not-found" logger tuning that matters for polling
// workers, generalized from the teacher's fixed schema to this module's
// own AutoMigrate callers.
package db

import (
	"fmt"
	golog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/telemetry-stager/internal/envutil"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
)

// Open connects to Postgres using POSTGRES_{HOST,PORT,USER,PASSWORD,NAME}.
func Open(log *logger.Logger) (*gorm.DB, error) {
	host := envutil.String("POSTGRES_HOST", "localhost")
	port := envutil.String("POSTGRES_PORT", "5432")
	user := envutil.String("POSTGRES_USER", "postgres")
	password := envutil.String("POSTGRES_PASSWORD", "")
	name := envutil.String("POSTGRES_NAME", "telemetry_stager")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	gormLog := gormlogger.New(
		golog.New(os.Stdout, "\r\n", golog.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Info("connecting to postgres", "host", host, "name", name)
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return gdb, nil
}
