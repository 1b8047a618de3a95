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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/predict-engine/internal/auth"
	"github.com/atmx/predict-engine/internal/config"
	"github.com/atmx/predict-engine/internal/cpmm"
	"github.com/atmx/predict-engine/internal/events"
	"github.com/atmx/predict-engine/internal/idempotency"
	"github.com/atmx/predict-engine/internal/logging"
	"github.com/atmx/predict-engine/internal/metrics"
	"github.com/atmx/predict-engine/internal/payments"
	"github.com/atmx/predict-engine/internal/provider"
	"github.com/atmx/predict-engine/internal/provider/airtel"
	"github.com/atmx/predict-engine/internal/provider/mtn"
	"github.com/atmx/predict-engine/internal/ratelimit"
	"github.com/atmx/predict-engine/internal/reconcile"
	"github.com/atmx/predict-engine/internal/resolution"
	"github.com/atmx/predict-engine/internal/risk"
	"github.com/atmx/predict-engine/internal/settlement"
	"github.com/atmx/predict-engine/internal/store"
	"github.com/atmx/predict-engine/internal/trade"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("PREDICT_CONFIG"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.ServiceName, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Store ---
	var (
		st  store.Store
		rdb *redis.Client
	)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return err
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool, cfg.Database.TxRetries, logger)
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL, logger)
			logger.Info("Redis cache enabled")
		}
	} else {
		if cfg.IsProduction() {
			return errors.New("database.url is required in production")
		}
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Events ---
	var pub events.Publisher
	if cfg.Kafka.Enabled() {
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { producer.Close() })
		pub = producer
		logger.Info("kafka producer enabled", "brokers", cfg.Kafka.Brokers)
	}
	emitter := events.NewEmitter(pub, events.Topics{
		Trades:      cfg.Kafka.TradesTopic,
		Settlements: cfg.Kafka.SettlementsTopic,
		Markets:     cfg.Kafka.MarketsTopic,
	}, logger)

	// --- Rails ---
	registry := provider.NewRegistry()
	if cfg.Providers.MTN.Enabled {
		registry.Register(mtn.New(cfg.Providers.MTN, cfg.IsProduction(), nil, logger))
	}
	if cfg.Providers.Airtel.Enabled {
		registry.Register(airtel.New(cfg.Providers.Airtel, cfg.IsProduction(), nil, logger))
	}
	logger.Info("payment providers", "enabled", registry.Names())

	// --- Rate limits and idempotency ---
	var (
		guard                                         idempotency.Guard
		tradeLimiter, withdrawLimiter, depositLimiter ratelimit.Limiter
	)
	if rdb != nil {
		guard = idempotency.NewRedisGuard(rdb, cfg.Idempotency.LockTTL, cfg.Idempotency.ResultTTL, "")
		tradeLimiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.TradesPerMinute, time.Minute, "")
		withdrawLimiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.WithdrawalsPerMinute, time.Minute, "")
		depositLimiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.DepositsPerMinute, time.Minute, "")
	} else {
		guard = idempotency.NewMemoryGuard(cfg.Idempotency.LockTTL, cfg.Idempotency.ResultTTL)
		tradeLimiter = ratelimit.NewMemory(cfg.RateLimit.TradesPerMinute)
		withdrawLimiter = ratelimit.NewMemory(cfg.RateLimit.WithdrawalsPerMinute)
		depositLimiter = ratelimit.NewMemory(cfg.RateLimit.DepositsPerMinute)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(logger)
	go wsHub.Run(ctx)

	// --- Services ---
	limiter := risk.NewPositionLimiter(config.Dec(cfg.Risk.MaxPositionSize), config.Dec(cfg.Risk.MaxTotalExposure))
	tradeSvc := trade.NewService(st, cpmm.NewMarketMaker(config.Dec(cfg.Pricing.MaxSellFraction)), limiter,
		trade.WithHub(wsHub),
		trade.WithEvents(emitter),
		trade.WithLogger(logger),
		trade.WithDefaultLiquidity(config.Dec(cfg.Pricing.DefaultLiquidity)),
	)
	settler := settlement.NewService(st, settlement.WithEvents(emitter), settlement.WithLogger(logger))
	resolver := resolution.NewResolver(st,
		resolution.WithHub(wsHub),
		resolution.WithEvents(emitter),
		resolution.WithLogger(logger),
	)
	paymentSvc := payments.NewService(st, registry, settler, payments.ConfigFrom(cfg), payments.WithLogger(logger))
	paymentHandler := payments.NewHandler(paymentSvc, guard, withdrawLimiter, depositLimiter, logger)
	reconciler := reconcile.New(st, registry, settler, resolver,
		reconcile.WithBatchSize(cfg.Reconcile.BatchSize),
		reconcile.WithLogger(logger),
	)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + cfg.ServiceName + `"}`))
	})
	r.Handle(cfg.MetricsPath, metrics.Handler())

	// Provider callbacks authenticate by signature, not by user.
	paymentHandler.WebhookRoutes(r)

	r.Route("/internal", func(r chi.Router) {
		r.Method(http.MethodPost, "/reconcile", reconciler.Handler(cfg.Cron.Secret))
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireSecret(cfg.Cron.Secret))
			resolver.Routes(r, cfg.Resolution.DisputeWindow)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer))

			tradeSvc.Routes(r)
			r.With(
				ratelimit.Middleware(tradeLimiter, "trades", logger),
				idempotency.Middleware(guard, "POST /api/v1/trades", false, logger),
			).Post("/trades", tradeSvc.HandleTrade)

			paymentHandler.Routes(r)
		})
	})

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret not set, trusting " + auth.DevUserHeader + " header")
	}

	// --- Reconciliation loop ---
	if cfg.Cron.Interval > 0 {
		go reconciler.Loop(ctx, cfg.Cron.Interval)
		logger.Info("reconciliation loop enabled", "interval", cfg.Cron.Interval)
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("predict-engine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down predict-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}
