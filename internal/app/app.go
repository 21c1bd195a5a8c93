// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avolkhin/herald/internal/auth"
	"github.com/avolkhin/herald/internal/config"
	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/hub"
	"github.com/avolkhin/herald/internal/notify"
	"github.com/avolkhin/herald/internal/notify/email"
	"github.com/avolkhin/herald/internal/notify/inapp"
	notifypostgres "github.com/avolkhin/herald/internal/notify/postgres"
	"github.com/avolkhin/herald/internal/notify/webhook"
	"github.com/avolkhin/herald/internal/pkg/cache"
	"github.com/avolkhin/herald/internal/pkg/ctxlog"
	"github.com/avolkhin/herald/internal/pkg/httputil"
	"github.com/avolkhin/herald/internal/pkg/metrics"
	"github.com/avolkhin/herald/internal/pkg/postgres"
	"github.com/avolkhin/herald/internal/queue"
	queuepostgres "github.com/avolkhin/herald/internal/queue/postgres"
	"github.com/avolkhin/herald/internal/version"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	cache         *cache.Redis
	hub           *hub.Hub
	worker        *queue.Worker
	janitor       *queue.Janitor
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Database.Migrate {
		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	var redisCache *cache.Redis
	if cfg.Redis.Enabled {
		redisCache, err = cache.ConnectRedis(connectCtx, cache.RedisConfig{
			URL:             cfg.Redis.URL,
			ConnectAttempts: cfg.Redis.ConnectAttempts,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		cache:    redisCache,
		hub:      hub.New(),
		bgCancel: bgCancel,
	}

	router, err := app.setupRouter()
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	go app.collectDBMetrics(bgCtx)
	go app.sweepStaleConnections(bgCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the background processors and the HTTP servers.
func (a *App) Run() error {
	a.worker.Start()
	a.janitor.Start()

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop the delivery processors before the servers so in-flight items
	// finish or land back in the queue for the next start.
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.closeResources()

	return errors.Join(errs...)
}

func (a *App) closeResources() {
	a.bgCancel()
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("failed to close redis", "error", err)
		}
	}
	a.db.Close()
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// sweepStaleConnections evicts websocket connections that stopped
// answering pings, so the hub registry does not accrete dead entries.
func (a *App) sweepStaleConnections(ctx context.Context) {
	ticker := time.NewTicker(a.config.Hub.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.hub.CleanupStale(a.config.Hub.MaxIdle)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Hub returns the fanout hub instance. Used in tests.
func (a *App) Hub() *hub.Hub {
	return a.hub
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	tokens, err := auth.NewTokenManager(auth.Config{
		Secret:        a.config.JWT.Secret,
		TokenDuration: a.config.JWT.TokenDuration,
		Issuer:        a.config.JWT.Issuer,
	})
	if err != nil {
		return nil, fmt.Errorf("create token manager: %w", err)
	}

	notifyRepo := notifypostgres.NewRepository(a.db)
	queueRepo := queuepostgres.NewRepository(a.db)

	var queueCache cache.Cache
	if a.cache != nil {
		queueCache = a.cache
	}
	queueService := queue.NewService(queueRepo, notifyRepo, queueCache, queue.Config{
		MaxRetries:     a.config.Queue.MaxRetries,
		RetryDelayBase: a.config.Queue.RetryDelayBase,
		StuckTimeout:   a.config.Queue.StuckTimeout,
		StatsTTL:       a.config.Queue.StatsTTL,
	})

	senders, err := a.buildSenders()
	if err != nil {
		return nil, err
	}
	dispatcher := notify.NewDispatcher(notifyRepo, nil, senders...)
	notifyService := notify.NewService(notifyRepo, queueService, a.hub, dispatcher)

	a.worker = queue.NewWorker(queueService, dispatcher, queue.WorkerConfig{
		BatchSize:    a.config.Queue.BatchSize,
		PollInterval: a.config.Queue.PollInterval,
		NumWorkers:   a.config.Queue.NumWorkers,
	})
	a.janitor = queue.NewJanitor(queueService, queue.JanitorConfig{
		Interval:  a.config.Queue.JanitorInterval,
		Retention: a.config.Queue.Retention,
	})

	notifyHandler := notify.NewHandler(notifyService)
	queueHandler := queue.NewHandler(queueService)
	hubAdminHandler := hub.NewAdminHandler(a.hub)
	authHandler := auth.NewHandler(tokens)
	wsHandler := hub.NewHandler(a.hub, notifyService, tokens)

	// The websocket endpoint authenticates inside the upgrade handshake
	// because browsers cannot set headers on websocket requests.
	r.Get("/ws", wsHandler.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(tokens))

			notifyHandler.RegisterRoutes(r)

			r.Route("/admin", func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleAdmin))

				queueHandler.RegisterRoutes(r)
				hubAdminHandler.RegisterRoutes(r)
				notifyHandler.RegisterAdminRoutes(r)
				authHandler.RegisterAdminRoutes(r)
			})
		})
	})

	return r, nil
}

// buildSenders assembles the delivery channels. In-app is always on; the
// provider-backed channels join only when configured, so a send on a
// disabled channel fails fast instead of vanishing.
func (a *App) buildSenders() ([]notify.Sender, error) {
	senders := []notify.Sender{inapp.NewSender(a.hub)}

	if a.config.Email.Enabled {
		emailSender, err := email.NewSender(email.Config{
			Enabled:     true,
			Host:        a.config.Email.Host,
			Port:        a.config.Email.Port,
			User:        a.config.Email.User,
			Password:    a.config.Email.Password,
			FromAddress: a.config.Email.FromAddress,
		})
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}
		senders = append(senders, emailSender)
	}

	if a.config.SMS.Enabled {
		smsSender, err := webhook.NewSender(webhook.Config{
			Channel:    domain.ChannelSMS,
			Endpoint:   a.config.SMS.Endpoint,
			AuthToken:  a.config.SMS.AuthToken,
			Timeout:    a.config.SMS.Timeout,
			RatePerSec: a.config.SMS.RatePerSec,
			Burst:      a.config.SMS.Burst,
		})
		if err != nil {
			return nil, fmt.Errorf("create sms sender: %w", err)
		}
		senders = append(senders, smsSender)
	}

	if a.config.Push.Enabled {
		pushSender, err := webhook.NewSender(webhook.Config{
			Channel:    domain.ChannelPush,
			Endpoint:   a.config.Push.Endpoint,
			AuthToken:  a.config.Push.AuthToken,
			Timeout:    a.config.Push.Timeout,
			RatePerSec: a.config.Push.RatePerSec,
			Burst:      a.config.Push.Burst,
		})
		if err != nil {
			return nil, fmt.Errorf("create push sender: %w", err)
		}
		senders = append(senders, pushSender)
	}

	slog.Info("delivery channels configured",
		"email_enabled", a.config.Email.Enabled,
		"sms_enabled", a.config.SMS.Enabled,
		"push_enabled", a.config.Push.Enabled,
	)

	return senders, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
