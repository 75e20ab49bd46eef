// Command geoflowd runs the geoflow orchestration kernel. A single
// binary serves every role (HTTP submission surface, dispatcher,
// task-executor workers, janitor sweep); which roles an instance runs
// is controlled by RUN_* environment flags, mirroring the teacher's
// cmd/main.go RUN_SERVER/RUN_WORKER split so the same image can be
// deployed as an API pod, a worker pod, or an all-in-one dev process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/geoflow/orchestrator/internal/blobstore"
	"github.com/geoflow/orchestrator/internal/broker"
	"github.com/geoflow/orchestrator/internal/config"
	"github.com/geoflow/orchestrator/internal/controller"
	"github.com/geoflow/orchestrator/internal/dispatcher"
	"github.com/geoflow/orchestrator/internal/executor"
	"github.com/geoflow/orchestrator/internal/httpapi"
	"github.com/geoflow/orchestrator/internal/httpapi/auth"
	"github.com/geoflow/orchestrator/internal/janitor"
	"github.com/geoflow/orchestrator/internal/jobtypes"
	"github.com/geoflow/orchestrator/internal/logger"
	"github.com/geoflow/orchestrator/internal/observability"
	"github.com/geoflow/orchestrator/internal/registry"
	"github.com/geoflow/orchestrator/internal/repos"
	"github.com/geoflow/orchestrator/internal/tasktypes"
	"github.com/geoflow/orchestrator/internal/utils"
	"github.com/geoflow/orchestrator/internal/validators"
)

// app bundles every wired component, following the teacher's
// internal/app.App shape (one struct, one New, one Close) scaled down
// to this process's dependency graph.
type app struct {
	log        *logger.Logger
	cfg        config.Config
	httpServer *http.Server
	dispatcher *dispatcher.Dispatcher
	executor   *executor.Executor
	janitor    *janitor.Sweeper
	shutdownTP func(context.Context) error
	cancel     context.CancelFunc
}

func newApp() (*app, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log := logger.New(logMode)

	log.Info("loading configuration...")
	cfg := config.Load(log)

	ctx := context.Background()
	shutdownTP := observability.Init(ctx, log, observability.Config{
		ServiceName: "geoflowd",
		Environment: utils.GetEnv("APP_ENV", "development", log),
	})

	db, err := repos.Connect(cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	rb, err := broker.Connect(cfg.Redis, cfg.Kernel, log)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	var blobStat validators.BlobStat
	if envTrue("GCS_BLOB_VALIDATION_ENABLED", false) {
		gcsClient, err := blobstore.NewGCSClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		blobStat = gcsClient
	}

	jobReg := registry.NewRegistry()
	if err := jobtypes.RegisterAll(jobReg, jobtypes.Deps{
		BlobStat:   blobStat,
		RowQuerier: repos.GormRowQuerier{DB: db},
	}); err != nil {
		return nil, fmt.Errorf("register job types: %w", err)
	}

	taskReg := tasktypes.NewRegistry()
	if err := tasktypes.RegisterAll(taskReg); err != nil {
		return nil, fmt.Errorf("register task types: %w", err)
	}

	jobRepo := repos.NewJobRepo(db, log)
	taskRepo := repos.NewTaskRepo(db, log)
	reqRepo := repos.NewAPIRequestRepo(db, log)

	ctrl := controller.New(jobRepo, taskRepo, reqRepo, rb, jobReg, log)
	jobDeadlineDefault := cfg.Kernel.JobDeadlineDefault
	ctrl.JobDeadline = func(jobType string) *time.Duration {
		if jobDeadlineDefault <= 0 {
			return nil
		}
		d := jobDeadlineDefault
		return &d
	}

	disp := dispatcher.New(ctrl, rb, utils.GetEnv("DISPATCHER_CONSUMER_NAME", hostnameOrDefault(), log), log)

	exec := &executor.Executor{
		Tasks:          taskRepo,
		Broker:         rb,
		Consumer:       rb,
		Handlers:       taskReg,
		Log:            log,
		HeartbeatEvery: cfg.Kernel.TaskHeartbeatEvery,
		RetryBudget:    cfg.Kernel.TaskRetryBudgetDefault,
		BackoffBase:    time.Second,
		BackoffMax:     5 * time.Minute,
	}

	runRepo := repos.NewJanitorRunRepo(db, log)

	sweep := &janitor.Sweeper{
		Jobs:              jobRepo,
		Tasks:             taskRepo,
		Runs:              runRepo,
		Broker:            rb,
		Interval:          cfg.Kernel.JanitorInterval,
		Log:               log,
		HeartbeatTimeout:  cfg.Kernel.TaskHeartbeatTimeout,
		TaskRetryBudget:   cfg.Kernel.TaskRetryBudgetDefault,
		StuckQueuedJobAge: cfg.Kernel.MinPollInterval,
		OrphanedTaskAge:   cfg.Kernel.MaxPollInterval,
	}

	authMW := auth.New(cfg.JWTSecret, log)
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Jobs:        httpapi.NewJobsHandler(ctrl),
		Auth:        authMW,
		CORSOrigins: corsOrigins(log),
	})

	return &app{
		log: log,
		cfg: cfg,
		httpServer: &http.Server{
			Addr:    ":" + cfg.HTTPPort,
			Handler: router,
		},
		dispatcher: disp,
		executor:   exec,
		janitor:    sweep,
		shutdownTP: shutdownTP,
	}, nil
}

// start launches the background components gated by the given run
// flags and returns the cancel func to stop them.
func (a *app) start(ctx context.Context, runDispatcher, runWorker, runJanitor bool) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if runDispatcher {
		go func() {
			if err := a.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("dispatcher stopped", "error", err)
			}
		}()
	}
	if runWorker {
		concurrency := a.cfg.Kernel.WorkerConcurrency
		if concurrency < 1 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			consumerName := fmt.Sprintf("%s-%d", hostnameOrDefault(), i)
			go func(name string) {
				if err := a.executor.Run(ctx, "geoflowd-executors", name); err != nil && ctx.Err() == nil {
					a.log.Error("executor worker stopped", "consumer", name, "error", err)
				}
			}(consumerName)
		}
	}
	if runJanitor {
		go a.janitor.Run(ctx)
	}
}

func (a *app) close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.shutdownTP != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTP(shutdownCtx); err != nil {
			a.log.Warn("otel shutdown failed", "error", err)
		}
	}
	if a.log != nil {
		a.log.Sync()
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "geoflowd"
	}
	return h
}

func corsOrigins(log *logger.Logger) []string {
	raw := utils.GetEnv("CORS_ALLOWED_ORIGINS", "*", log)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	a, err := newApp()
	if err != nil {
		fmt.Printf("failed to initialize geoflowd: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	runServer := envTrue("RUN_SERVER", true)
	runWorker := envTrue("RUN_WORKER", true)
	runDispatcher := envTrue("RUN_DISPATCHER", true)
	runJanitor := envTrue("RUN_JANITOR", true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.start(ctx, runDispatcher, runWorker, runJanitor)

	if !runServer {
		<-ctx.Done()
		return
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http server shutdown failed", "error", err)
		}
	}()

	a.log.Info("server listening", "port", a.cfg.HTTPPort)
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.log.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
