// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file (hot reloadable) or from QUOTACACHE_*
// environment variables alone.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/cataldij/quotacache/adapters/clock"
	apihttp "github.com/cataldij/quotacache/adapters/http"
	"github.com/cataldij/quotacache/adapters/idgen"
	"github.com/cataldij/quotacache/adapters/memory"
	"github.com/cataldij/quotacache/adapters/metrics"
	redisstore "github.com/cataldij/quotacache/adapters/redis"
	"github.com/cataldij/quotacache/adapters/sqldb"
	"github.com/cataldij/quotacache/adapters/tracing"
	"github.com/cataldij/quotacache/app"
	"github.com/cataldij/quotacache/config"
	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/ports"
)

// Environment variable names read before any config file is parsed.
const (
	EnvLogLevel  = "QUOTACACHE_LOG_LEVEL"
	EnvLogFormat = "QUOTACACHE_LOG_FORMAT"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Store      ports.Store
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry
	HTTPServer *http.Server
	Tracing    *tracing.Provider

	Limiter  *app.RateLimiter
	Recorder *app.UsageRecorder
	Cache    *app.ResponseCache
	Guard    *app.Guard

	holder *config.Holder
}

// Options controls application initialization.
type Options struct {
	// ConfigPath is the YAML file to load. When empty or missing, the
	// environment is used instead.
	ConfigPath string

	// Watch enables hot reload of ConfigPath (fsnotify and SIGHUP).
	Watch bool

	// Version is reported by /version.
	Version string

	// Clock overrides the wall clock (tests).
	Clock ports.Clock
}

// New loads configuration and creates the application.
func New(opts Options) (*App, error) {
	logger := setupLoggerFromEnv()

	var holder *config.Holder
	var cfg *config.Config
	if opts.Watch && fileExists(opts.ConfigPath) {
		h, err := config.NewHolder(opts.ConfigPath, logger)
		if err != nil {
			return nil, err
		}
		holder = h
		cfg = h.Get()
	} else {
		c, err := config.LoadWithFallback(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	a, err := NewFromConfig(cfg, opts)
	if err != nil {
		if holder != nil {
			holder.Stop()
		}
		return nil, err
	}

	if holder != nil {
		a.attachHolder(holder)
	}
	return a, nil
}

// NewFromConfig creates the application from an already loaded configuration.
func NewFromConfig(cfg *config.Config, opts Options) (*App, error) {
	logger := NewLogger(cfg.Logging)
	logger.Info().Str("driver", cfg.Store.Driver).Msg("initializing quotacache")

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	limiterCfg, err := LimiterConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Logger:   logger,
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
	}

	// Each App owns its registry so several can coexist in one process.
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewWithRegistry(a.Registry)

	tp, err := tracing.New(context.Background(), TracingConfig(cfg, opts.Version))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.Tracing = tp
	var tracer trace.Tracer // nil falls back to the global provider
	if tp != nil {
		tracer = tp.TracerProvider().Tracer(app.TracerName)
	}

	store, err := OpenStore(cfg.Store, logger)
	if err != nil {
		a.shutdownTracing()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = store

	a.Limiter = app.NewRateLimiter(app.LimiterDeps{
		Events:  store,
		Clock:   clk,
		Metrics: a.Metrics,
		Logger:  logger,
		Tracer:  tracer,
	}, limiterCfg)

	a.Recorder = app.NewUsageRecorder(app.RecorderDeps{
		Events:  store,
		Clock:   clk,
		IDGen:   idgen.UUID{},
		Metrics: a.Metrics,
		Logger:  logger,
		Tracer:  tracer,
	}, app.RecorderConfig{
		WriteTimeout: cfg.Usage.WriteTimeout,
	})

	a.Cache = app.NewResponseCache(app.CacheDeps{
		Store:   store,
		Clock:   clk,
		Metrics: a.Metrics,
		Logger:  logger,
		Tracer:  tracer,
	}, app.CacheConfig{
		Namespace:  cfg.Cache.Namespace,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Epoch:      cache.Granularity(cfg.Cache.Epoch),
	})

	a.Guard = app.NewGuard(a.Limiter, a.Recorder, a.Cache)

	a.initHTTPServer(opts.Version, tracer)

	return a, nil
}

// OpenStore opens the backend named by cfg.Driver. SQL backends are migrated.
func OpenStore(cfg config.StoreConfig, logger zerolog.Logger) (ports.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn().Msg("using in-memory store; quotas and cache are per-process")
		return memory.NewStore(), nil

	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:           cfg.Redis.Addr,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			Prefix:         cfg.Redis.Prefix,
			EventRetention: cfg.EventRetention,
		})

	default:
		dialect, err := sqldb.ParseDialect(cfg.Driver)
		if err != nil {
			return nil, err
		}
		db, err := sqldb.Open(dialect, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return sqldb.NewStore(db), nil
	}
}

// LimiterConfig builds the hot-reloadable limiter settings from cfg.
func LimiterConfig(cfg *config.Config) (app.LimiterConfig, error) {
	policies, err := cfg.Policies()
	if err != nil {
		return app.LimiterConfig{}, err
	}
	failure, err := cfg.FailurePolicy()
	if err != nil {
		return app.LimiterConfig{}, err
	}
	return app.LimiterConfig{
		FailurePolicy: failure,
		StoreTimeout:  cfg.Limits.StoreTimeout,
		Policies:      policies,
	}, nil
}

// TracingConfig maps the tracing section onto the exporter settings.
func TracingConfig(cfg *config.Config, version string) tracing.Config {
	return tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRate:   cfg.Tracing.SamplingRate,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Timeout:        cfg.Tracing.Timeout,
	}
}

func (a *App) initHTTPServer(version string, tracer trace.Tracer) {
	cfg := a.Config

	health := apihttp.NewHealthHandler(a.Store, version)
	quota := apihttp.NewQuotaHandler(a.Limiter, a.Recorder, a.Logger)

	routerCfg := apihttp.RouterConfig{
		Timeout: cfg.Server.WriteTimeout,
	}
	if tracer != nil {
		routerCfg.Tracer = tracer
	}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = a.Metrics
		routerCfg.Gatherer = a.Registry
		routerCfg.MetricsPath = cfg.Metrics.Path
	}

	router := apihttp.NewRouter(health, quota, a.Logger, routerCfg)

	a.HTTPServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// attachHolder subscribes the running services to configuration reloads.
// Only limits and log level take effect; other changes need a restart.
func (a *App) attachHolder(h *config.Holder) {
	a.holder = h
	h.SetMetrics(a.Metrics)
	h.OnChange(a.applyConfig)
}

func (a *App) applyConfig(cfg *config.Config) {
	limiterCfg, err := LimiterConfig(cfg)
	if err != nil {
		a.Logger.Error().Err(err).Msg("reloaded limits rejected")
		return
	}
	a.Limiter.UpdateConfig(limiterCfg)

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	a.Config = cfg
	a.Logger.Info().
		Int("policies", limiterCfg.Policies.Len()).
		Str("failure_policy", string(limiterCfg.FailurePolicy)).
		Msg("limits updated")
}

// Reload re-reads the configuration file and applies reloadable fields.
func (a *App) Reload() error {
	if a.holder == nil {
		return fmt.Errorf("hot reload is disabled")
	}
	return a.holder.Reload()
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	if a.holder != nil {
		if err := a.holder.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch disabled")
		}
		a.holder.WatchSignals()
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application. In-flight usage writes are
// drained before the store is closed.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}

	// Shutdown HTTP server
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Drain usage recorder
	if a.Recorder != nil {
		if err := a.Recorder.Close(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("usage recorder close error")
		}
	}

	// Close store
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("store close error")
		}
	}

	a.shutdownTracing()

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// shutdownTracing flushes buffered spans. Safe when tracing is disabled.
func (a *App) shutdownTracing() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Tracing.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("tracing shutdown error")
	}
}

// NewLogger builds a logger from the logging section and sets the global level.
func NewLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func setupLoggerFromEnv() zerolog.Logger {
	return NewLogger(config.LoggingConfig{
		Level:  os.Getenv(EnvLogLevel),
		Format: os.Getenv(EnvLogFormat),
	})
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
