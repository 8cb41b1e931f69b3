// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-aggregator/internal/aggregator"
	"github.com/JakeFAU/realtime-job-aggregator/internal/api"
	"github.com/JakeFAU/realtime-job-aggregator/internal/browser"
	"github.com/JakeFAU/realtime-job-aggregator/internal/cache"
	"github.com/JakeFAU/realtime-job-aggregator/internal/clock/system"
	"github.com/JakeFAU/realtime-job-aggregator/internal/config"
	"github.com/JakeFAU/realtime-job-aggregator/internal/hash/sha256"
	"github.com/JakeFAU/realtime-job-aggregator/internal/id/uuid"
	"github.com/JakeFAU/realtime-job-aggregator/internal/logging"
	"github.com/JakeFAU/realtime-job-aggregator/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-job-aggregator/internal/scraper"
	"github.com/JakeFAU/realtime-job-aggregator/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	pool           *browser.Pool
	results        *cache.JobResults
	service        *aggregator.Service
	tracerShutdown func(context.Context) error

	background context.Context
	stopBG     context.CancelFunc
	bgWG       sync.WaitGroup
	closeOnce  sync.Once
}

// Build creates the application's dependencies. Nothing is launched until the
// first search acquires a browser.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, browser.NewChromedpLauncher(browser.ChromedpConfig{
		ExecPath:      cfg.Browser.ExecPath,
		UserAgent:     cfg.Browser.UserAgent,
		Headless:      cfg.Browser.Headless,
		NoSandbox:     cfg.Browser.NoSandbox,
		LaunchTimeout: time.Duration(cfg.Browser.LaunchTimeoutSeconds) * time.Second,
	}))
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, launcher browser.Launcher) (*App, error) {
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_pool_size", cfg.Browser.MaxPoolSize),
		zap.Strings("sources", cfg.Aggregator.Sources),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.TracingEnabled)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app := &App{
		cfg:            cfg,
		logger:         logger,
		tracerShutdown: tp.Shutdown,
	}
	app.background, app.stopBG = context.WithCancel(context.Background())

	clock := system.New()
	app.results = cache.NewJobResults()
	app.startSweeper(time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second)

	app.pool, err = browser.NewPool(browser.Config{
		MaxPoolSize: cfg.Browser.MaxPoolSize,
		MaxUses:     cfg.Browser.MaxUses,
		MaxAge:      time.Duration(cfg.Browser.MaxAgeMinutes) * time.Minute,
	}, launcher, logger.Named("pool"), browser.WithClock(clock.Now))
	if err != nil {
		app.stopBG()
		return nil, fmt.Errorf("browser pool init failed: %w", err)
	}

	scrapers, err := setupScrapers(cfg, logger)
	if err != nil {
		app.stopBG()
		return nil, err
	}

	sourceLimiter := ratelimit.New(ratelimit.Config{
		Name:         "source",
		DefaultRPS:   cfg.Aggregator.SourceRPS,
		DefaultBurst: cfg.Aggregator.SourceBurst,
	})
	app.service, err = aggregator.New(
		app.pool,
		app.results,
		scrapers,
		sha256.New(),
		aggregator.Config{
			CacheTTL:       cfg.CacheTTL(),
			ScraperTimeout: time.Duration(cfg.Aggregator.ScraperTimeoutSeconds) * time.Second,
			SortByRecency:  cfg.Aggregator.SortByRecency,
			DefaultSources: cfg.Aggregator.Sources,
		},
		logger.Named("aggregator"),
		aggregator.WithLimiter(sourceLimiter),
		aggregator.WithTracer(telemetry.Tracer()),
	)
	if err != nil {
		app.stopBG()
		return nil, fmt.Errorf("aggregator init failed: %w", err)
	}

	var apiOpts []api.Option
	if cfg.RateLimit.Enabled {
		apiOpts = append(apiOpts, api.WithClientLimiter(ratelimit.New(ratelimit.Config{
			Name:         "client",
			DefaultRPS:   ratelimit.PerWindow(cfg.RateLimit.Requests, cfg.RateLimitWindow()),
			DefaultBurst: cfg.RateLimit.Requests,
			IdleTTL:      cfg.RateLimitWindow(),
		})))
	}
	app.apiServer = api.NewServer(app.service, app.pool, uuid.NewUUIDGenerator(), *cfg, logger, apiOpts...)

	return app, nil
}

// setupScrapers builds one site scraper per configured source, sharing a renderer.
func setupScrapers(cfg *config.Config, logger *zap.Logger) ([]aggregator.Scraper, error) {
	renderer := scraper.NewRenderer(scraper.RenderConfig{
		UserAgent:      cfg.Browser.UserAgent,
		NavTimeout:     time.Duration(cfg.Scraper.NavTimeoutSeconds) * time.Second,
		WaitTimeout:    time.Duration(cfg.Scraper.WaitSelectorSeconds) * time.Second,
		ScrollStep:     cfg.Scraper.ScrollStepPx,
		ScrollLimit:    cfg.Scraper.ScrollLimitPx,
		ScrollInterval: time.Duration(cfg.Scraper.ScrollIntervalMs) * time.Millisecond,
	}, logger.Named("renderer"))

	sites, err := scraper.Registry(renderer, logger.Named("scraper"), cfg.Aggregator.Sources...)
	if err != nil {
		return nil, fmt.Errorf("scraper init failed: %w", err)
	}
	scrapers := make([]aggregator.Scraper, 0, len(sites))
	for _, site := range sites {
		scrapers = append(scrapers, site)
	}
	return scrapers, nil
}

func (a *App) startSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		a.results.Run(a.background, interval)
	}()
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and blocks until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: time.Duration(a.cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve http: %w", err)
	default:
		return nil
	}
}

// Close releases every browser, stops the cache sweeper and flushes telemetry.
// Errors are logged, never returned. Safe to call more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		a.pool.CloseAll(ctx)
		a.stopBG()
		a.bgWG.Wait()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on a console logger returns EINVAL for stdout; nothing to act on.
	_ = a.logger.Sync()
}
