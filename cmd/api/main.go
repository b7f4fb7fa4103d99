package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"

	"github.com/promptsmith/backend/internal/auth"
	"github.com/promptsmith/backend/internal/builds"
	"github.com/promptsmith/backend/internal/config"
	"github.com/promptsmith/backend/internal/database"
	"github.com/promptsmith/backend/internal/execution"
	"github.com/promptsmith/backend/internal/handlers"
	"github.com/promptsmith/backend/internal/ledger"
	"github.com/promptsmith/backend/internal/logger"
	"github.com/promptsmith/backend/internal/metrics"
	"github.com/promptsmith/backend/internal/payments"
	"github.com/promptsmith/backend/internal/reconcile"
	"github.com/promptsmith/backend/internal/repository"
	"github.com/promptsmith/backend/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	pool, err := database.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool, log); err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	entRepo := repository.NewEntitlementRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	eventRepo := repository.NewPaymentEventRepo(pool)
	buildRepo := repository.NewBuildRepo(pool)

	ledgerSvc := ledger.NewService(entRepo, creditRepo, m, log)
	catalog := reconcile.NewCatalog(cfg.Catalog.Products)
	engine := reconcile.NewEngine(reconcile.NewPostgresStore(entRepo, eventRepo), catalog, m, log)

	var notifier builds.Notifier
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		notifier = builds.NewRedisNotifier(rdb, log)
		log.Info("Build notifications via Redis")
	} else {
		notifier = builds.NewLocalNotifier()
	}

	// Insert func is set after the River client is created (breaks init cycle).
	var insertMu sync.Mutex
	var insertFn builds.InsertGenerateTxFunc
	insertGenerate := func(ctx context.Context, tx pgx.Tx, args execution.GenerateBuildArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	buildSvc := builds.NewService(buildRepo, ledgerSvc, insertGenerate, notifier, m, builds.Options{
		RefundOnFailure: cfg.Builds.RefundOnFailure,
		PollMaxWait:     cfg.Builds.PollMaxWait,
		HistoryLimit:    cfg.Builds.HistoryLimit,
	}, log)

	generateWorker, err := execution.NewGenerateBuildWorker(buildSvc, cfg.Builds.GeneratorURL, log)
	if err != nil {
		return err
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, generateWorker)
	river.AddWorker(workers, execution.NewSweepStalledBuildsWorker(buildSvc, cfg.Builds.StallTimeout, log))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: log,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Builds.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.SweepPeriodicJob(time.Minute)},
	})
	if err != nil {
		return err
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.GenerateBuildArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, &river.InsertOpts{MaxAttempts: cfg.Builds.MaxAttempts})
		return err
	}
	insertMu.Unlock()

	tokens := auth.NewService(cfg.Auth.JWTSecret)
	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookSecret == "" {
		log.Warn("Stripe keys not configured; checkout, portal and webhooks will fail")
	}
	apiMux := router.New(router.Handlers{
		Ledger: ledger.NewHandler(ledgerSvc, log),
		Builds: builds.NewHandler(buildSvc, log),
		Payments: payments.NewHandler(
			payments.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.Currency),
			payments.NewVerifier(cfg.Stripe.WebhookSecret),
			catalog, ledgerSvc, engine, cfg.HTTP.PublicURL, log,
		),
	}, tokens)

	apiMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			handlers.WriteKind(w, http.StatusServiceUnavailable, "database_unavailable")
			return
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if m != nil {
		apiMux.Handle("GET /metrics", m.Handler())
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(m.Instrument(apiMux))

	if err := riverClient.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
		// Long polls and event streams end when the process is signalled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		log.Warn("River stop incomplete", "error", err)
	}
	return nil
}
