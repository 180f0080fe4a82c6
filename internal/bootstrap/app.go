package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/api"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/consent"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/delivery"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/errorlog"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/platform"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/profiling"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/scheduler"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/telemetry"
)

// Mode selects which parts of the service Run starts.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeAPI       Mode = "api"
	ModeScheduler Mode = "scheduler"
)

func (m Mode) servesAPI() bool     { return m == ModeAll || m == ModeAPI }
func (m Mode) runsScheduler() bool { return m == ModeAll || m == ModeScheduler }
func (m Mode) valid() bool         { return m.servesAPI() || m.runsScheduler() }

// profileName is the Pyroscope application name used in mode m.
func (m Mode) profileName(service string) string {
	if m == ModeAll {
		return service
	}
	return service + "-" + string(m)
}

// App holds every component of the running service.
type App struct {
	Config    *config.Config
	Log       logger.Logger
	DB        *sqlx.DB
	Redis     *redis.Client
	Telemetry *telemetry.Provider
	Events    *errorlog.Log
	Posts     *database.ScheduledPostRepository
	Consent   *consent.Gate
	Limiter   *ratelimit.Limiter
	Tracker   *delivery.Tracker
	Platforms *platform.HTTPPublisher
	Publisher *scheduler.Publisher
	Runner    *scheduler.Runner

	sink *errorlog.HTTPSink
}

// New connects to PostgreSQL and Redis and builds the component graph.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	policy, err := domain.ParsePartialSuccessPolicy(cfg.Scheduler.PartialSuccessPolicy)
	if err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}

	db, err := SetupDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rdb, err := SetupRedis(ctx, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Redis:     rdb,
		Telemetry: telemetry.NewProvider(nil),
	}
	a.Events = a.newEventLog(ctx)
	a.Posts = database.NewScheduledPostRepository(db)
	a.Consent = consent.NewGate(database.NewConsentRepository(db), consent.Config{
		OptOutBlock:  cfg.Consent.OptOutBlock,
		KeywordBlock: cfg.Consent.KeywordBlock,
	}, log.With(logger.String("component", "consent")))
	a.Limiter = ratelimit.NewLimiter(rdb, ratelimit.Config{
		Hourly:           cfg.RateLimits.Hourly,
		Daily:            cfg.RateLimits.Daily,
		PerDestination:   cfg.RateLimits.PerDestination,
		WarningThreshold: cfg.RateLimits.WarningThreshold,
	}, log.With(logger.String("component", "ratelimit")))
	a.Tracker = delivery.NewTracker(database.NewMessageRepository(db), log.With(logger.String("component", "delivery")))
	a.Platforms = platform.NewHTTPPublisher(platform.Config{
		BaseURL:          cfg.Platforms.PublishURL,
		Token:            cfg.Platforms.Token,
		RequestTimeout:   cfg.Platforms.RequestTimeout,
		BreakerFailures:  cfg.Platforms.BreakerFailures,
		BreakerOpenDelay: cfg.Platforms.BreakerOpenDelay,
	}, log.With(logger.String("component", "platform")))

	a.Publisher = scheduler.NewPublisher(
		a.Posts,
		a.Consent,
		a.Limiter,
		a.Platforms,
		a.Events,
		a.Telemetry,
		scheduler.Config{
			MaxRetries:     cfg.Scheduler.MaxRetries,
			BatchSize:      cfg.Scheduler.BatchSize,
			Concurrency:    cfg.Scheduler.Concurrency,
			PublishTimeout: cfg.Scheduler.PublishTimeout,
			ClaimLease:     cfg.Scheduler.ClaimLease,
			PartialPolicy:  policy,
			DefaultActor:   cfg.Scheduler.DefaultActor,
			CycleSchedule:  cfg.Scheduler.CycleSchedule,
		},
		log.With(logger.String("component", "scheduler")),
	)
	a.Runner = scheduler.NewRunner(
		a.Publisher,
		a.Limiter,
		&maintenance{tracker: a.Tracker, events: a.Events},
		a.Telemetry,
		scheduler.RunnerConfig{
			CycleSchedule:      cfg.Scheduler.CycleSchedule,
			ResetSchedule:      cfg.Scheduler.ResetSchedule,
			RetrySweepSchedule: cfg.Scheduler.RetrySweepSchedule,
			PurgeSchedule:      cfg.Scheduler.PurgeSchedule,
			Retention:          cfg.Scheduler.Retention,
			MessageMaxRetries:  domain.DefaultMessageMaxRetries,
			JobTimeout:         cfg.Scheduler.JobTimeout,
		},
		log.With(logger.String("component", "runner")),
	)

	return a, nil
}

// newEventLog builds the operation log, forwarding to the monitoring
// webhook when one is configured.
func (a *App) newEventLog(ctx context.Context) *errorlog.Log {
	cfg := a.Config.ErrorLog
	if cfg.WebhookURL == "" {
		return errorlog.New(cfg.Capacity, nil, a.Log)
	}

	a.sink = errorlog.NewHTTPSink(errorlog.SinkConfig{
		URL:         cfg.WebhookURL,
		Environment: a.Config.Service.Environment,
		Deployment:  a.Config.Service.Version,
		Timeout:     cfg.WebhookTimeout,
		Rate:        cfg.WebhookRate,
		Burst:       cfg.WebhookBurst,
		QueueSize:   cfg.QueueSize,
	}, a.Log.With(logger.String("component", "error_sink")))
	a.sink.Start(ctx)
	a.Log.Info("Monitoring webhook enabled", logger.String("url", cfg.WebhookURL))

	return errorlog.New(cfg.Capacity, a.sink, a.Log)
}

// Run starts the components selected by mode and blocks until ctx is
// cancelled or the HTTP server fails.
func (a *App) Run(ctx context.Context, mode Mode) error {
	if !mode.valid() {
		return fmt.Errorf("unknown mode %q", mode)
	}

	profiler, err := profiling.Start(mode.profileName(a.Config.Service.Name), profiling.ConfigFromEnv(), a.Log)
	if err != nil {
		a.Log.Warn("Continuous profiling disabled", logger.Error(err))
	}
	defer func() { _ = profiler.Stop() }()

	a.Log.Info("Starting post-scheduler",
		logger.String("mode", string(mode)),
		logger.String("version", a.Config.Service.Version),
		logger.Int("port", a.Config.Service.Port),
	)

	var serverErrs <-chan error
	var server *api.Server
	if mode.servesAPI() {
		server = SetupHTTPServer(a)
		serverErrs = server.StartAsync()
	}

	if mode.runsScheduler() {
		if startErr := a.Runner.Start(ctx); startErr != nil {
			if server != nil {
				_ = server.Shutdown(context.Background())
			}
			return fmt.Errorf("runner: %w", startErr)
		}
		defer a.Runner.Stop()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.Log.Info("Shutdown signal received")
	case serveErr, ok := <-serverErrs:
		if ok && serveErr != nil {
			runErr = fmt.Errorf("server: %w", serveErr)
		}
	}

	if server != nil {
		if shutdownErr := server.Shutdown(context.Background()); shutdownErr != nil {
			a.Log.Error("Failed to shut down HTTP server", logger.Error(shutdownErr))
		}
	}
	return runErr
}

// Close stops the webhook sink and releases connections.
func (a *App) Close() {
	if a.sink != nil {
		a.sink.Stop()
		a.Log.Info("Monitoring webhook stopped",
			logger.Int64("sent", a.sink.Sent()),
			logger.Int64("dropped", a.sink.Dropped()),
		)
	}
	if err := a.Redis.Close(); err != nil {
		a.Log.Error("Failed to close redis", logger.Error(err))
	}
	if err := a.DB.Close(); err != nil {
		a.Log.Error("Failed to close database", logger.Error(err))
	}
	_ = a.Log.Sync()
}

// maintenance runs the tracked-message jobs and trims the operation log
// with the same retention.
type maintenance struct {
	tracker *delivery.Tracker
	events  *errorlog.Log
}

func (m *maintenance) RetrySweep(ctx context.Context, maxRetries int) (int, error) {
	return m.tracker.RetrySweep(ctx, maxRetries)
}

func (m *maintenance) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	m.events.ClearOlderThan(age)
	return m.tracker.PurgeOlderThan(ctx, age)
}
