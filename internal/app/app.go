// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bissquit/sms-relay/internal/config"
	"github.com/bissquit/sms-relay/internal/delivery"
	"github.com/bissquit/sms-relay/internal/delivery/memory"
	deliverypostgres "github.com/bissquit/sms-relay/internal/delivery/postgres"
	"github.com/bissquit/sms-relay/internal/delivery/redisretry"
	"github.com/bissquit/sms-relay/internal/delivery/smsapi"
	"github.com/bissquit/sms-relay/internal/pkg/adminauth"
	"github.com/bissquit/sms-relay/internal/pkg/breaker"
	"github.com/bissquit/sms-relay/internal/pkg/ctxlog"
	"github.com/bissquit/sms-relay/internal/pkg/httputil"
	"github.com/bissquit/sms-relay/internal/pkg/metrics"
	"github.com/bissquit/sms-relay/internal/pkg/postgres"
	"github.com/bissquit/sms-relay/internal/version"
	"github.com/bissquit/sms-relay/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const metricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	orchestrator   *delivery.Orchestrator
	sweeper        *delivery.Sweeper
	retryScheduler *redisretry.Scheduler
	retryPoller    *delivery.PollingScheduler
}

// Option customises application wiring. Used by tests to replace the provider.
type Option func(*options)

type options struct {
	provider delivery.Provider
}

// WithProvider replaces the SMS gateway client.
func WithProvider(p delivery.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New creates a new application instance.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		metricsCancel: metricsCancel,
	}

	if cfg.Storage.Driver == config.StoragePostgres {
		if err := app.connectDatabase(); err != nil {
			metricsCancel()
			return nil, err
		}
		go collectMetrics(metricsCtx, func(context.Context) { metrics.RecordDBPoolMetrics(app.db) })
	}

	router, err := app.setupRouter(metricsCtx, o)
	if err != nil {
		app.closeClients()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = newServer(cfg.Server, cfg.Server.Port, router)
	app.server.ReadTimeout = cfg.Server.ReadTimeout
	app.server.WriteTimeout = cfg.Server.WriteTimeout
	app.server.IdleTimeout = cfg.Server.IdleTimeout

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	app.metricsServer = newServer(cfg.Server, cfg.Server.MetricsPort, metricsRouter)

	return app, nil
}

func (a *App) connectDatabase() error {
	cfg := a.config.Database

	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.URL, migrations.FS); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.db = db
	return nil
}

func newServer(cfg config.ServerConfig, port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, port),
		Handler:           h,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       time.Minute,
	}
}

// Run serves the API and metrics listeners until Shutdown is called.
func (a *App) Run() error {
	var g errgroup.Group
	g.Go(func() error { return a.serve("metrics", a.metricsServer) })
	g.Go(func() error { return a.serve("api", a.server) })
	return g.Wait()
}

func (a *App) serve(name string, srv *http.Server) error {
	a.logger.Info("listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// Shutdown stops background workers, drains both listeners and closes
// the database and Redis clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	a.metricsCancel()

	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.retryScheduler != nil {
		a.retryScheduler.Stop()
	}
	if a.retryPoller != nil {
		a.retryPoller.Stop()
	}

	var g errgroup.Group
	for name, srv := range map[string]*http.Server{"api": a.server, "metrics": a.metricsServer} {
		g.Go(func() error {
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown %s server: %w", name, err)
			}
			return nil
		})
	}

	return errors.Join(g.Wait(), a.closeClients())
}

func (a *App) closeClients() error {
	if a.db != nil {
		a.db.Close()
	}
	if a.redis == nil {
		return nil
	}
	if err := a.redis.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// collectMetrics runs fn immediately and then every metricsInterval.
func collectMetrics(ctx context.Context, fn func(context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *App) recordQueueMetrics(ctx context.Context) {
	stats, err := a.orchestrator.Stats(ctx)
	if err != nil {
		a.logger.Error("failed to collect queue stats", "error", err)
	} else {
		delivery.RecordQueueStats(stats)
	}

	if a.retryScheduler == nil {
		return
	}
	pending, err := a.retryScheduler.Pending(ctx)
	if err != nil {
		a.logger.Error("failed to count retry jobs", "error", err)
		return
	}
	metrics.RetryQueueDepth.Set(float64(pending))
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Orchestrator returns the queue orchestrator. Used in tests.
func (a *App) Orchestrator() *delivery.Orchestrator {
	return a.orchestrator
}

func (a *App) setupRouter(ctx context.Context, o options) (*chi.Mux, error) {
	cfg := a.config

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	var store delivery.Store
	if a.db != nil {
		store = deliverypostgres.NewStore(a.db)
	} else {
		slog.Warn("using in-memory storage: queue state is lost on restart")
		store = memory.NewStore()
	}

	provider := o.provider
	if provider == nil {
		client, err := smsapi.NewClient(smsapi.Config{
			BaseURL:           cfg.Provider.BaseURL,
			APIKey:            cfg.Provider.APIKey,
			From:              cfg.Provider.From,
			StatusCallbackURL: cfg.Provider.StatusCallbackURL,
			Timeout:           cfg.Provider.Timeout,
			RateLimit:         cfg.Provider.RateLimit,
			Burst:             cfg.Provider.Burst,
		})
		if err != nil {
			return nil, fmt.Errorf("create provider client: %w", err)
		}
		provider = client
	}

	providerBreaker := breaker.New("provider", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	},
		breaker.WithFailurePredicate(delivery.IsProviderFault),
		breaker.WithStateChange(func(name string, from, to breaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			delivery.RecordBreakerState(name, to)
		}),
	)
	delivery.RecordBreakerState(providerBreaker.Name(), providerBreaker.State())
	guarded := delivery.GuardProvider(provider, providerBreaker)

	var scheduler delivery.RetryScheduler
	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}

		a.retryScheduler = redisretry.New(a.redis, redisretry.Config{
			Key:          cfg.Redis.Key,
			PollInterval: cfg.Redis.PollInterval,
			BatchSize:    cfg.Redis.BatchSize,
			RetryDelay:   cfg.Redis.RetryDelay,
		}, nil)
		scheduler = a.retryScheduler
	} else {
		slog.Warn("redis is not configured: due retries are picked up by polling the store",
			"poll_interval", cfg.Retry.PollInterval)
		a.retryPoller = delivery.NewPollingScheduler(store, cfg.Retry.PollInterval, cfg.Sweeper.DueLaneLimit, nil)
		scheduler = a.retryPoller
	}

	a.orchestrator = delivery.NewOrchestrator(store, guarded, scheduler,
		delivery.WithRetryPolicy(cfg.RetryPolicy()),
		delivery.WithDefaults(cfg.EnqueueDefaults()),
		delivery.WithSendTimeout(cfg.Provider.SendTimeout),
		delivery.WithCallbackCache(cfg.Queue.CallbackCacheSize, cfg.Queue.CallbackCacheTTL),
		delivery.WithLogger(a.logger),
	)
	if a.retryScheduler != nil {
		a.retryScheduler.Bind(a.orchestrator)
	} else {
		a.retryPoller.Bind(a.orchestrator)
	}

	a.sweeper = delivery.NewSweeper(delivery.SweeperConfig{
		Interval:     cfg.Sweeper.Interval,
		BatchSize:    cfg.Sweeper.BatchSize,
		MaxBatches:   cfg.Sweeper.MaxBatches,
		BatchPause:   cfg.Sweeper.BatchPause,
		GracePeriod:  cfg.Sweeper.GracePeriod,
		Concurrency:  cfg.Sweeper.Concurrency,
		DueLaneLimit: cfg.Sweeper.DueLaneLimit,
	}, store, guarded, a.orchestrator, nil)

	if cfg.Sweeper.Enabled {
		a.sweeper.Start(ctx)
	}
	if a.retryScheduler != nil {
		a.retryScheduler.Start(ctx)
	}
	if a.retryPoller != nil {
		a.retryPoller.Start(ctx)
	}

	go collectMetrics(ctx, a.recordQueueMetrics)

	deliveryHandler := delivery.NewHandler(a.orchestrator, a.sweeper, providerBreaker, cfg.Webhook.Secret)

	if cfg.Webhook.Secret == "" {
		slog.Warn("webhook secret is not configured: delivery callbacks are not authenticated")
	}
	deliveryHandler.RegisterWebhookRoutes(r)

	var auth func(http.Handler) http.Handler
	if cfg.Auth.JWTSecret != "" {
		validator, err := adminauth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return nil, fmt.Errorf("create token validator: %w", err)
		}
		auth = httputil.AuthMiddleware(validator)
	} else {
		slog.Warn("auth.jwt_secret is not configured: operational API is not authenticated")
	}

	r.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		deliveryHandler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]func(context.Context) error, 2)
	if a.db != nil {
		checks["database"] = a.db.Ping
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}

	for name, check := range checks {
		if err := check(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", name, "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, name+" unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
