package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Proton-105/fuel-control/internal/aggregate"
	"github.com/Proton-105/fuel-control/internal/database"
	"github.com/Proton-105/fuel-control/internal/engine"
	apperrors "github.com/Proton-105/fuel-control/internal/errors"
	"github.com/Proton-105/fuel-control/internal/health"
	"github.com/Proton-105/fuel-control/internal/jobs"
	"github.com/Proton-105/fuel-control/internal/jobs/handlers"
	"github.com/Proton-105/fuel-control/internal/ledger"
	"github.com/Proton-105/fuel-control/internal/lifecycle"
	"github.com/Proton-105/fuel-control/internal/realtime"
	"github.com/Proton-105/fuel-control/internal/repository"
	"github.com/Proton-105/fuel-control/internal/timer"
	"github.com/Proton-105/fuel-control/pkg/clock"
	"github.com/Proton-105/fuel-control/pkg/config"
	"github.com/Proton-105/fuel-control/pkg/graceful"
	"github.com/Proton-105/fuel-control/pkg/logger"
	"github.com/Proton-105/fuel-control/pkg/metrics"
	redispkg "github.com/Proton-105/fuel-control/pkg/redis"

	_ "github.com/lib/pq"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, v, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.New(*cfg)
	slog.SetDefault(log)
	defer logger.Flush(2 * time.Second)

	log.Info("starting fuel control engine", slog.String("env", cfg.AppEnv))

	config.Watch(v, log, func(config.Config) {
		log.Warn("engine settings apply on next restart")
	})

	timer.RegisterTransitionRecorder(metrics.RecordTimerTransition)

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if err := database.NewMigrator(db, log).ApplyDir(ctx, cfg.Database.MigrationsDir); err != nil {
		log.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := redispkg.New(ctx, cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}

	clk := clock.Real{}
	feed := realtime.NewFeed(redisClient.Client, uuid.NewString(), log)

	storage := timer.NewRedisStorage(redisClient.Client, log)
	machine := timer.NewMachine(storage, feed, clk, log, cfg.Engine.DebounceWindow)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queue := jobs.NewManager(redisOpt, log)
	worker := jobs.NewWorker(redisOpt, map[string]int{
		jobs.QueueCritical: 6,
		jobs.QueueDefault:  3,
		jobs.QueueLow:      1,
	}, log)

	profileRepo := repository.NewProfileRepository(db, log)
	txRepo := repository.NewTransactionRepository(db, log)

	persistHandler := handlers.NewLedgerPersistHandler(
		profileRepo, txRepo, apperrors.NewCircuitBreaker(), feed, log,
	)
	worker.RegisterHandler(jobs.TaskTypeLedgerPersist, persistHandler)
	worker.RegisterHandler(jobs.TaskTypeLedgerUnpersist, persistHandler)

	ledgerSvc := ledger.NewService(profileRepo, txRepo, queue, clk, log)
	agg := aggregate.New(clk)
	pruner := aggregate.NewPruner(agg, log, cfg.Engine.KeepAggregateDays)

	control := engine.New(machine, ledgerSvc, agg, clk, log, cfg.Engine.TickInterval)

	// Pull the authoritative rows before the first tick can bill anything.
	if err := control.Resync(ctx); err != nil {
		log.Error("initial sync failed, starting with local defaults", slog.Any("error", err))
	}

	checker := health.NewChecker(log)
	checker.AddCheck("postgres", health.NewDBChecker(db))
	checker.AddCheck("redis", health.NewRedisChecker(redisClient.Client))
	probes := lifecycle.NewProbes(checker, log)

	server := graceful.NewServer(log, &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           logger.Middleware(newMux(control, checker, probes)),
		ReadHeaderTimeout: 5 * time.Second,
	}, cfg.HTTP.ShutdownTimeout)

	if err := pruner.Start(); err != nil {
		log.Error("failed to start aggregate pruner", slog.Any("error", err))
	}

	go func() {
		if err := worker.Run(); err != nil {
			log.Error("jobs worker stopped", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		if err := feed.Listen(ctx, control); err != nil {
			log.Error("realtime feed stopped", slog.Any("error", err))
		}
	}()
	go func() {
		_ = control.Run(ctx)
	}()
	go logNotices(ctx, log, control)
	go func() {
		if err := server.ListenAndServe(ctx); err != nil {
			log.Error("http server stopped", slog.Any("error", err))
		}
	}()

	<-ctx.Done()

	shutdown := lifecycle.NewShutdown(log)
	shutdown.Register("jobs-worker", func(context.Context) error {
		worker.Shutdown()
		return nil
	})
	shutdown.Register("jobs-manager", func(context.Context) error { return queue.Close() })
	shutdown.Register("realtime-feed", func(context.Context) error { return feed.Close() })
	shutdown.Register("aggregate-pruner", func(context.Context) error {
		pruner.Stop()
		return nil
	})
	shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	shutdown.Register("database", func(context.Context) error { return db.Close() })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := shutdown.Execute(shutdownCtx); err != nil {
		log.Error("shutdown finished with errors", slog.Any("error", err))
	}
	log.Info("fuel control engine stopped")
}

func newMux(control *engine.ControlCenter, checker *health.Checker, probes *lifecycle.Probes) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		results := checker.Check(r.Context())
		status := http.StatusOK
		for _, result := range results {
			if result != "OK" {
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, results)
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := probes.Readiness(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	mux.HandleFunc("/api/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"pilots": control.Snapshot(),
			"today":  control.DisplayBreakdownToday(),
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// logNotices surfaces engine events. The desktop clients render and voice
// them; the server log is the audit trail.
func logNotices(ctx context.Context, log *slog.Logger, control *engine.ControlCenter) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-control.Notices():
			log.Warn("engine notice",
				slog.String("kind", string(notice.Kind)),
				slog.String("pilot_id", string(notice.PilotID)),
				slog.String("message", notice.Message),
				slog.Bool("audible", notice.Audible),
			)
		}
	}
}
