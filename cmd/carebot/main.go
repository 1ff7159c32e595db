package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carelink-health/carelink/pkg/audit"
	"github.com/carelink-health/carelink/pkg/common/config"
	"github.com/carelink-health/carelink/pkg/common/database"
	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/carelink-health/carelink/pkg/engine"
	"github.com/carelink-health/carelink/pkg/escalate"
	"github.com/carelink-health/carelink/pkg/matcher"
	"github.com/carelink-health/carelink/pkg/measure"
	"github.com/carelink-health/carelink/pkg/obligation"
	"github.com/carelink-health/carelink/pkg/roster"
	"github.com/carelink-health/carelink/pkg/schedule"
	"github.com/carelink-health/carelink/pkg/status"
	"github.com/carelink-health/carelink/pkg/sweeper"
	"github.com/carelink-health/carelink/pkg/threshold"
	"github.com/carelink-health/carelink/pkg/transport"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init("carebot")
	cfg := config.Load()

	if cfg.TelegramToken == "" {
		logger.Log.Fatal("TELEGRAM_TOKEN is not set")
	}

	clock, err := schedule.NewSystemClock(cfg.Timezone)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid timezone")
	}

	patients, err := roster.Load(cfg.RosterPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load roster")
	}

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	repo := obligation.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate obligation tables")
	}

	measures, err := measure.NewRegistry(nil)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to build measurement registry")
	}
	confirms, err := matcher.New(nil)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to compile confirmation patterns")
	}
	monitor := threshold.NewMonitor(patients.Thresholds)

	tg := transport.NewTelegram(cfg, patients)
	dedupe := escalate.NewRedisDeduper(database.GetRedis())
	dispatcher := escalate.NewDispatcher(tg, repo, dedupe, patients, measures, clock)

	var auditor engine.Auditor = audit.Nop{}
	if !cfg.AuditDisabled {
		producer := audit.NewProducer(cfg.KafkaBrokers, cfg.AuditTopic)
		defer producer.Close()
		auditor = producer
	}

	sched := schedule.NewScheduler(clock)
	defer sched.Stop()

	core := engine.New(engine.Deps{
		Store:     repo,
		Transport: tg,
		Scheduler: sched,
		Dispatch:  dispatcher,
		Audit:     auditor,
		Clock:     clock,
		Roster:    patients,
		Measures:  measures,
		Confirms:  confirms,
		Monitor:   monitor,
	}, engine.Policy{
		RetryDelay:  cfg.RetryDelay,
		MaxAttempts: cfg.MaxAttempts,
		GraceWindow: cfg.GraceWindow,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := core.Start(ctx); err != nil {
		logger.Log.WithError(err).Fatal("failed to start reminder engine")
	}

	sweep := sweeper.New(repo, core, dispatcher, clock, cfg.SweepInterval, cfg.RetryWindow())
	go sweep.Run(ctx)

	go tg.Poll(ctx, core)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	status.NewHandler(repo, clock).Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("carebot started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start status server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down carebot...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("carebot stopped")
}
