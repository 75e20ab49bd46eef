package repos

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/geoflow/orchestrator/internal/config"
	"github.com/geoflow/orchestrator/internal/logger"
)

// Connect opens the Postgres connection pool and runs AutoMigrateAll,
// mirroring the teacher's NewPostgresService/AutoMigrateAll split, but
// collapsed into a single entry point since this module has no other
// caller of the raw *gorm.DB.
func Connect(cfg config.PostgresConfig, log_ *logger.Logger) (*gorm.DB, error) {
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log_.Info("connecting to postgres")
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS pgcrypto`).Error; err != nil {
		return nil, fmt.Errorf("enable pgcrypto extension: %w", err)
	}

	if err := AutoMigrateAll(db); err != nil {
		return nil, err
	}
	log_.Info("postgres ready")
	return db, nil
}
