package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/auth"
	"practice-dialer/internal/cache"
	"practice-dialer/internal/calls"
	"practice-dialer/internal/config"
	"practice-dialer/internal/credits"
	"practice-dialer/internal/directory"
	"practice-dialer/internal/dispatch"
	"practice-dialer/internal/freeze"
	"practice-dialer/internal/hours"
	"practice-dialer/internal/httpapi"
	"practice-dialer/internal/metrics"
	"practice-dialer/internal/pricing"
	"practice-dialer/internal/reporting"
	"practice-dialer/internal/scheduler"
	"practice-dialer/internal/telephony"
	"practice-dialer/internal/webhook"
	"practice-dialer/pkg/logger"
	"practice-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(cfg.Scheduling.Timezone)
	if err != nil {
		log.Error("timezone load failed", "tz", cfg.Scheduling.Timezone, "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// storage
	callRepo := calls.NewPostgresRepo(db)
	auditRepo := audit.NewPostgresRepo(db)
	auditSvc := audit.NewService(auditRepo)

	// ledger
	prices := pricing.NewService(pricing.NewMemoryRepo())
	prices.MaxBillableSeconds = cfg.Scheduling.MaxBillableSeconds

	ledger := credits.NewService(credits.NewPostgresRepo(db), callRepo)
	ledger.DefaultProjectedSeconds = cfg.Scheduling.ProjectedSeconds
	ledger.MinimumLastCallSeconds = cfg.Scheduling.MinimumLastCallSeconds
	ledger.Metrics = m
	ledger.Logger = log

	// outbound calls
	provider := telephony.NewElevenLabsProvider(cfg.ElevenLabs)
	dispatcher := dispatch.New(provider, callRepo, cfg.ElevenLabs.AgentID, cfg.ElevenLabs.AgentPhoneNumberID)
	dispatcher.Region = cfg.Scheduling.DefaultRegion
	dispatcher.Location = loc
	dispatcher.Metrics = m
	dispatcher.Logger = log

	dir := directory.NewCached(
		directory.NewHTTPClient(cfg.Directory.BaseURL, cfg.Directory.HTTPTimeout),
		cache.NewRedisStore(rdb, "dialer:directory:"),
		cfg.Directory.CacheTTL,
	)
	dir.Metrics = m

	sched := scheduler.New(callRepo, ledger, dir, hours.NewEngine(loc, cfg.Scheduling.HorizonDays), dispatcher)
	sched.MaxAttempts = cfg.Scheduling.MaxAttempts
	sched.ProjectedSeconds = cfg.Scheduling.ProjectedSeconds
	sched.Logger = log

	freezer := freeze.NewManager(callRepo, ledger, dispatcher, sched, auditSvc)
	freezer.BatchSize = cfg.Scheduling.UnfreezeBatchSize
	guard := freeze.NewRedisGuard(rdb)
	guard.Logger = log
	freezer.Guard = guard
	freezer.Metrics = m
	freezer.Logger = log
	ledger.Freezer = freezer

	// inbound webhooks
	processor := webhook.NewProcessor(callRepo, ledger, prices, sched, webhook.NewPostgresLogRepo(db), cfg.ElevenLabs.WebhookSecret)
	processor.Tolerance = cfg.ElevenLabs.SignatureTolerance
	processor.Metrics = m
	processor.Logger = log

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:      cfg,
		db:       db,
		registry: reg,
		authMW:   auth.RequireAccessToken(authManager),
		ledger:   ledger,
		webhooks: webhook.Handler{Processor: processor},
		api: httpapi.Handlers{
			Auth:      authManager,
			Credits:   ledger,
			Pricing:   prices,
			Scheduler: sched,
			Calls:     callRepo,
			Audit:     auditSvc,
			Reporting: reporting.NewService(reporting.NewStoreRepo(callRepo, auditRepo)),
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
