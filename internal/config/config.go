// Package config assembles process-wide configuration from the
// environment, following the teacher's per-subsystem LoadConfig()
// pattern (internal/app/config.go, internal/temporalx/config.go).
package config

import (
	"fmt"
	"time"

	"github.com/geoflow/orchestrator/internal/logger"
	"github.com/geoflow/orchestrator/internal/utils"
)

type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KernelConfig holds the orchestration-kernel knobs named in spec.md §6.
type KernelConfig struct {
	TaskRetryBudgetDefault int
	TaskHeartbeatTimeout   time.Duration
	TaskHeartbeatEvery     time.Duration
	JanitorInterval        time.Duration
	MinPollInterval        time.Duration
	MaxPollInterval        time.Duration
	WorkerConcurrency      int
	JobDeadlineDefault     time.Duration
	MaxStageResultBytes    int
	BrokerMaxDeliveries    int64
	BrokerVisibilityWindow time.Duration
}

type Config struct {
	Postgres PostgresConfig
	Redis    RedisConfig
	Kernel   KernelConfig

	LogMode   string
	HTTPPort  string
	JWTSecret string
}

func Load(log *logger.Logger) Config {
	return Config{
		Postgres: PostgresConfig{
			Host:     utils.GetEnv("POSTGRES_HOST", "localhost", log),
			Port:     utils.GetEnv("POSTGRES_PORT", "5432", log),
			User:     utils.GetEnv("POSTGRES_USER", "postgres", log),
			Password: utils.GetEnv("POSTGRES_PASSWORD", "", log),
			Name:     utils.GetEnv("POSTGRES_NAME", "geoflow", log),
			SSLMode:  utils.GetEnv("POSTGRES_SSLMODE", "disable", log),
		},
		Redis: RedisConfig{
			Addr:     utils.GetEnv("REDIS_ADDR", "localhost:6379", log),
			Password: utils.GetEnv("REDIS_PASSWORD", "", log),
			DB:       utils.GetEnvAsInt("REDIS_DB", 0, log),
		},
		Kernel: KernelConfig{
			TaskRetryBudgetDefault: utils.GetEnvAsInt("TASK_RETRY_BUDGET_DEFAULT", 3, log),
			TaskHeartbeatTimeout:   utils.GetEnvAsDuration("TASK_HEARTBEAT_TIMEOUT", 5*time.Minute, log),
			TaskHeartbeatEvery:     utils.GetEnvAsDuration("TASK_HEARTBEAT_EVERY", 30*time.Second, log),
			JanitorInterval:        utils.GetEnvAsDuration("JANITOR_INTERVAL", 30*time.Second, log),
			MinPollInterval:        utils.GetEnvAsDuration("MIN_POLL_INTERVAL", 2*time.Second, log),
			MaxPollInterval:        utils.GetEnvAsDuration("MAX_POLL_INTERVAL", 10*time.Second, log),
			WorkerConcurrency:      utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, log),
			JobDeadlineDefault:     utils.GetEnvAsDuration("JOB_DEADLINE_DEFAULT", 24*time.Hour, log),
			MaxStageResultBytes:    utils.GetEnvAsInt("MAX_STAGE_RESULT_BYTES", 256*1024, log),
			BrokerMaxDeliveries:    int64(utils.GetEnvAsInt("BROKER_MAX_DELIVERIES", 5, log)),
			BrokerVisibilityWindow: utils.GetEnvAsDuration("BROKER_VISIBILITY_WINDOW", 30*time.Second, log),
		},
		LogMode:   utils.GetEnv("LOG_MODE", "development", log),
		HTTPPort:  utils.GetEnv("PORT", "8080", log),
		JWTSecret: utils.GetEnv("JWT_SECRET_KEY", "devsecret", log),
	}
}
