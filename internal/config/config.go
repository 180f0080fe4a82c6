package config

import (
	"fmt"
	"time"
)

// Default configuration values.
const (
	defaultServiceName = "post-scheduler"
	defaultServicePort = 8097
	defaultVersion     = "0.1.0"
	defaultEnvironment = "development"

	defaultLoggingLevel = "info"
	defaultLoggingFmt   = "json"

	defaultDBHost         = "localhost"
	defaultDBPort         = 5432
	defaultDBName         = "post_scheduler"
	defaultDBUser         = "postgres"
	defaultDBSSLMode      = "disable"
	defaultMaxOpenConns   = 25
	defaultMaxIdleConns   = 5
	defaultConnMaxLifeMin = 5

	defaultRedisAddr = "localhost:6379"

	defaultCycleSchedule      = "@every 1m"
	defaultResetSchedule      = "@every 1m"
	defaultRetrySweepSchedule = "@every 1m"
	defaultPurgeSchedule      = "@daily"
	defaultMaxRetries         = 3
	defaultBatchSize          = 25
	defaultConcurrency        = 5
	defaultPublishTimeout     = 20 * time.Second
	defaultJobTimeout         = 5 * time.Minute
	defaultClaimLease         = 10 * time.Minute
	defaultPartialPolicy      = "accept"
	defaultActor              = "scheduler"

	defaultHourlyLimit      = 1000
	defaultDailyLimit       = 10000
	defaultPerDestination   = 5
	defaultWarningThreshold = 0.8

	defaultOptOutBlock  = 365 * 24 * time.Hour
	defaultKeywordBlock = 30 * 24 * time.Hour

	defaultLogCapacity    = 1000
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookRate    = 5.0
	defaultWebhookBurst   = 10
	defaultWebhookQueue   = 256

	defaultPlatformTimeout  = 15 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerOpenDelay = 30 * time.Second
)

// Config is the post-scheduler configuration.
type Config struct {
	Service    ServiceConfig   `yaml:"service"`
	Logging    LoggingConfig   `yaml:"logging"`
	Auth       AuthConfig      `yaml:"auth"`
	Database   DatabaseConfig  `yaml:"database"`
	Redis      RedisConfig     `yaml:"redis"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Consent    ConsentConfig   `yaml:"consent"`
	ErrorLog   ErrorLogConfig  `yaml:"error_log"`
	Platforms  PlatformConfig  `yaml:"platforms"`
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Port        int      `env:"POST_SCHEDULER_PORT" yaml:"port"`
	Debug       bool     `env:"APP_DEBUG"           yaml:"debug"`
	Environment string   `env:"APP_ENV"             yaml:"environment"`
	CORSOrigins []string `env:"CORS_ORIGINS"        yaml:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"  yaml:"level"`
	Format string `env:"LOG_FORMAT" yaml:"format"`
}

// AuthConfig holds the shared JWT secret. An empty secret disables auth on /api/v1.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	Host            string        `env:"POSTGRES_SCHEDULER_HOST"     yaml:"host"`
	Port            int           `env:"POSTGRES_SCHEDULER_PORT"     yaml:"port"`
	User            string        `env:"POSTGRES_SCHEDULER_USER"     yaml:"user"`
	Password        string        `env:"POSTGRES_SCHEDULER_PASSWORD" yaml:"password"`
	Database        string        `env:"POSTGRES_SCHEDULER_DB"       yaml:"database"`
	SSLMode         string        `env:"POSTGRES_SCHEDULER_SSLMODE"  yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns the lib/pq connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// RedisConfig holds Redis settings for rate windows.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"     yaml:"addr"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
}

// SchedulerConfig controls the publish cycle and its periodic companions.
type SchedulerConfig struct {
	CycleSchedule        string        `env:"SCHEDULER_CYCLE_SCHEDULE" yaml:"cycle_schedule"`
	ResetSchedule        string        `yaml:"reset_schedule"`
	RetrySweepSchedule   string        `yaml:"retry_sweep_schedule"`
	PurgeSchedule        string        `yaml:"purge_schedule"`
	Retention            time.Duration `yaml:"retention"`
	MaxRetries           int           `env:"SCHEDULER_MAX_RETRIES" yaml:"max_retries"`
	BatchSize            int           `yaml:"batch_size"`
	Concurrency          int           `env:"SCHEDULER_CONCURRENCY" yaml:"concurrency"`
	PublishTimeout       time.Duration `yaml:"publish_timeout"`
	JobTimeout           time.Duration `env:"SCHEDULER_JOB_TIMEOUT" yaml:"job_timeout"`
	ClaimLease           time.Duration `yaml:"claim_lease"`
	PartialSuccessPolicy string        `env:"SCHEDULER_PARTIAL_POLICY" yaml:"partial_success_policy"`
	DefaultActor         string        `yaml:"default_actor"`
}

// CycleBudget is the longest a full batch can take: one publish timeout per
// round of Concurrency items.
func (s *SchedulerConfig) CycleBudget() time.Duration {
	if s.Concurrency < 1 {
		return 0
	}
	rounds := (s.BatchSize + s.Concurrency - 1) / s.Concurrency
	return time.Duration(rounds) * s.PublishTimeout
}

// RateLimitConfig holds the default per-actor quotas.
type RateLimitConfig struct {
	Hourly           int     `yaml:"hourly"`
	Daily            int     `yaml:"daily"`
	PerDestination   int     `yaml:"per_destination"`
	WarningThreshold float64 `yaml:"warning_threshold"`
}

// ConsentConfig holds block durations.
type ConsentConfig struct {
	OptOutBlock  time.Duration `yaml:"opt_out_block"`
	KeywordBlock time.Duration `yaml:"keyword_block"`
}

// ErrorLogConfig controls the in-memory operation log and its forwarder.
type ErrorLogConfig struct {
	Capacity       int           `yaml:"capacity"`
	WebhookURL     string        `env:"MONITORING_WEBHOOK_URL" yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	WebhookRate    float64       `yaml:"webhook_rate"`
	WebhookBurst   int           `yaml:"webhook_burst"`
	QueueSize      int           `yaml:"queue_size"`
}

// PlatformConfig configures the HTTP publish gateway.
type PlatformConfig struct {
	PublishURL       string        `env:"PLATFORM_PUBLISH_URL" yaml:"publish_url"`
	Token            string        `env:"PLATFORM_API_TOKEN"   yaml:"token"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerOpenDelay time.Duration `yaml:"breaker_open_delay"`
}

// Load reads path, applies defaults and env overrides.
func Load(path string) (*Config, error) {
	return LoadWithDefaults[Config](path, SetDefaults)
}

// SetDefaults fills every unset value.
func SetDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setLoggingDefaults(&cfg.Logging)
	setDatabaseDefaults(&cfg.Database)
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaultRedisAddr
	}
	setSchedulerDefaults(&cfg.Scheduler)
	setRateLimitDefaults(&cfg.RateLimits)
	if cfg.Consent.OptOutBlock == 0 {
		cfg.Consent.OptOutBlock = defaultOptOutBlock
	}
	if cfg.Consent.KeywordBlock == 0 {
		cfg.Consent.KeywordBlock = defaultKeywordBlock
	}
	setErrorLogDefaults(&cfg.ErrorLog)
	setPlatformDefaults(&cfg.Platforms)
}

func setServiceDefaults(svc *ServiceConfig) {
	if svc.Name == "" {
		svc.Name = defaultServiceName
	}
	if svc.Version == "" {
		svc.Version = defaultVersion
	}
	if svc.Port == 0 {
		svc.Port = defaultServicePort
	}
	if svc.Environment == "" {
		svc.Environment = defaultEnvironment
	}
}

func setLoggingDefaults(log *LoggingConfig) {
	if log.Level == "" {
		log.Level = defaultLoggingLevel
	}
	if log.Format == "" {
		log.Format = defaultLoggingFmt
	}
}

func setDatabaseDefaults(db *DatabaseConfig) {
	if db.Host == "" {
		db.Host = defaultDBHost
	}
	if db.Port == 0 {
		db.Port = defaultDBPort
	}
	if db.User == "" {
		db.User = defaultDBUser
	}
	if db.Database == "" {
		db.Database = defaultDBName
	}
	if db.SSLMode == "" {
		db.SSLMode = defaultDBSSLMode
	}
	if db.MaxOpenConns == 0 {
		db.MaxOpenConns = defaultMaxOpenConns
	}
	if db.MaxIdleConns == 0 {
		db.MaxIdleConns = defaultMaxIdleConns
	}
	if db.ConnMaxLifetime == 0 {
		db.ConnMaxLifetime = defaultConnMaxLifeMin * time.Minute
	}
}

func setSchedulerDefaults(s *SchedulerConfig) {
	if s.CycleSchedule == "" {
		s.CycleSchedule = defaultCycleSchedule
	}
	if s.ResetSchedule == "" {
		s.ResetSchedule = defaultResetSchedule
	}
	if s.RetrySweepSchedule == "" {
		s.RetrySweepSchedule = defaultRetrySweepSchedule
	}
	if s.PurgeSchedule == "" {
		s.PurgeSchedule = defaultPurgeSchedule
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.BatchSize == 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.Concurrency == 0 {
		s.Concurrency = defaultConcurrency
	}
	if s.PublishTimeout == 0 {
		s.PublishTimeout = defaultPublishTimeout
	}
	if s.JobTimeout == 0 {
		s.JobTimeout = defaultJobTimeout
	}
	if s.ClaimLease == 0 {
		s.ClaimLease = defaultClaimLease
	}
	if s.PartialSuccessPolicy == "" {
		s.PartialSuccessPolicy = defaultPartialPolicy
	}
	if s.DefaultActor == "" {
		s.DefaultActor = defaultActor
	}
}

func setRateLimitDefaults(rl *RateLimitConfig) {
	if rl.Hourly == 0 {
		rl.Hourly = defaultHourlyLimit
	}
	if rl.Daily == 0 {
		rl.Daily = defaultDailyLimit
	}
	if rl.PerDestination == 0 {
		rl.PerDestination = defaultPerDestination
	}
	if rl.WarningThreshold == 0 {
		rl.WarningThreshold = defaultWarningThreshold
	}
}

func setErrorLogDefaults(el *ErrorLogConfig) {
	if el.Capacity == 0 {
		el.Capacity = defaultLogCapacity
	}
	if el.WebhookTimeout == 0 {
		el.WebhookTimeout = defaultWebhookTimeout
	}
	if el.WebhookRate == 0 {
		el.WebhookRate = defaultWebhookRate
	}
	if el.WebhookBurst == 0 {
		el.WebhookBurst = defaultWebhookBurst
	}
	if el.QueueSize == 0 {
		el.QueueSize = defaultWebhookQueue
	}
}

func setPlatformDefaults(p *PlatformConfig) {
	if p.RequestTimeout == 0 {
		p.RequestTimeout = defaultPlatformTimeout
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = defaultBreakerFailures
	}
	if p.BreakerOpenDelay == 0 {
		p.BreakerOpenDelay = defaultBreakerOpenDelay
	}
}
