// Package ratelimit enforces per-actor hourly, daily and per-destination send quotas
// backed by Redis hashes.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const (
	defaultHourly           = 1000
	defaultDaily            = 10000
	defaultPerDestination   = 5
	defaultWarningThreshold = 0.8

	scanBatch = 100
)

// Reasons returned in a denied Decision.
const (
	ReasonHourlyLimit      = "Hourly limit reached"
	ReasonDailyLimit       = "Daily limit reached"
	ReasonDestinationLimit = "Per-destination daily limit reached"
	reasonPausedPrefix     = "Messaging paused until "
)

// Config holds the quotas applied to an actor's windows.
type Config struct {
	Hourly           int     `json:"hourly"`
	Daily            int     `json:"daily"`
	PerDestination   int     `json:"per_destination"`
	WarningThreshold float64 `json:"warning_threshold"`
}

// DefaultConfig returns the stock quotas.
func DefaultConfig() Config {
	return Config{
		Hourly:           defaultHourly,
		Daily:            defaultDaily,
		PerDestination:   defaultPerDestination,
		WarningThreshold: defaultWarningThreshold,
	}
}

func (c Config) limitFor(wt domain.WindowType) int {
	if wt == domain.WindowDaily {
		return c.Daily
	}
	return c.Hourly
}

// Decision is the outcome of a send check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	CurrentCount int    `json:"current_count"`
	Limit        int    `json:"limit"`
}

// Warning reports a window crossing its warning threshold.
type Warning struct {
	Triggered bool    `json:"triggered"`
	Sent      int     `json:"sent"`
	Limit     int     `json:"limit"`
	Usage     float64 `json:"usage"`
}

// Status is the current state of both windows of an actor.
type Status struct {
	Actor       string             `json:"actor"`
	Hourly      *domain.RateWindow `json:"hourly"`
	Daily       *domain.RateWindow `json:"daily"`
	HourlyUsage string             `json:"hourly_usage"`
	DailyUsage  string             `json:"daily_usage"`
	Paused      bool               `json:"paused"`
}

// Limiter tracks rate windows in Redis.
type Limiter struct {
	client redis.UniversalClient
	keys   *RedisKeys
	cfg    Config
	now    func() time.Time
	log    logger.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.keys = NewRedisKeys(prefix) }
}

// NewLimiter creates a Limiter. cfg supplies the quotas used when a window
// has none recorded yet.
func NewLimiter(client redis.UniversalClient, cfg Config, log logger.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		client: client,
		keys:   NewRedisKeys(DefaultKeyPrefix),
		cfg:    cfg,
		now:    time.Now,
		log:    log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the default quotas.
func (l *Limiter) Config() Config {
	return l.cfg
}

// CanSendMessage checks pauses and quotas for actor. destination may be empty
// to skip the per-destination cap.
func (l *Limiter) CanSendMessage(ctx context.Context, actor, destination string) (Decision, error) {
	if actor == "" {
		return Decision{}, domain.ErrEmptyActor
	}
	now := l.now()

	hourly, daily, err := l.loadWindows(ctx, actor)
	if err != nil {
		return Decision{}, err
	}

	for _, w := range []*domain.RateWindow{hourly, daily} {
		if isPaused(w, now) {
			return Decision{
				Reason:       pausedReason(w),
				CurrentCount: w.MessagesSent,
				Limit:        w.Limit,
			}, nil
		}
		if w.AtLimit() {
			reason := ReasonHourlyLimit
			if w.Type == domain.WindowDaily {
				reason = ReasonDailyLimit
			}
			return Decision{Reason: reason, CurrentCount: w.MessagesSent, Limit: w.Limit}, nil
		}
	}

	if destination != "" && l.cfg.PerDestination > 0 {
		count, destErr := l.client.Get(ctx, l.keys.Destination(actor, destination)).Int()
		if destErr != nil && !errors.Is(destErr, redis.Nil) {
			return Decision{}, fmt.Errorf("get destination counter: %w", destErr)
		}
		if count >= l.cfg.PerDestination {
			return Decision{
				Reason:       ReasonDestinationLimit,
				CurrentCount: count,
				Limit:        l.cfg.PerDestination,
			}, nil
		}
	}

	return Decision{Allowed: true, CurrentCount: hourly.MessagesSent, Limit: hourly.Limit}, nil
}

// IncrementCount records one send for actor in a single MULTI/EXEC. Both
// windows get their reset time and quotas refreshed from cfg.
func (l *Limiter) IncrementCount(ctx context.Context, actor, destination string, cfg Config) error {
	if actor == "" {
		return domain.ErrEmptyActor
	}
	now := l.now()

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, wt := range []domain.WindowType{domain.WindowHourly, domain.WindowDaily} {
			key := l.keys.Window(actor, wt)
			pipe.HIncrBy(ctx, key, fieldSent, 1)
			pipe.HSet(ctx, key,
				fieldLimit, cfg.limitFor(wt),
				fieldThreshold, strconv.FormatFloat(cfg.WarningThreshold, 'f', -1, 64),
				fieldResetAt, resetAtFor(wt, now).UnixMilli(),
			)
		}
		if destination != "" {
			destKey := l.keys.Destination(actor, destination)
			pipe.Incr(ctx, destKey)
			pipe.ExpireAt(ctx, destKey, nextMidnight(now))
		}
		return nil
	})
	if err != nil {
		l.log.Warn("Failed to increment rate windows",
			logger.String("actor", actor),
			logger.Error(err),
		)
		return fmt.Errorf("increment rate windows: %w", err)
	}
	return nil
}

// CheckWarningThreshold reports the hourly window crossing its threshold.
// Triggered is true at most once per window.
func (l *Limiter) CheckWarningThreshold(ctx context.Context, actor string) (Warning, error) {
	if actor == "" {
		return Warning{}, domain.ErrEmptyActor
	}
	key := l.keys.Window(actor, domain.WindowHourly)
	res, err := warningScript.Run(ctx, l.client, []string{key}).Int64Slice()
	if err != nil {
		return Warning{}, fmt.Errorf("check warning threshold: %w", err)
	}
	const fields = 3
	if len(res) != fields {
		return Warning{}, fmt.Errorf("check warning threshold: unexpected reply %v", res)
	}
	w := Warning{Triggered: res[0] == 1, Sent: int(res[1]), Limit: int(res[2])}
	if w.Limit > 0 {
		w.Usage = float64(w.Sent) / float64(w.Limit)
	}
	return w, nil
}

// PauseMessaging pauses every window of actor. A nil resumeAt pauses until
// ResumeMessaging.
func (l *Limiter) PauseMessaging(ctx context.Context, actor, reason string, resumeAt *time.Time) error {
	if actor == "" {
		return domain.ErrEmptyActor
	}
	now := l.now()

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, wt := range []domain.WindowType{domain.WindowHourly, domain.WindowDaily} {
			key := l.keys.Window(actor, wt)
			pipe.HSetNX(ctx, key, fieldLimit, l.cfg.limitFor(wt))
			pipe.HSetNX(ctx, key, fieldResetAt, resetAtFor(wt, now).UnixMilli())
			pipe.HSet(ctx, key,
				fieldPaused, 1,
				fieldPausedReason, reason,
				fieldPausedAt, now.UnixMilli(),
			)
			if resumeAt != nil {
				pipe.HSet(ctx, key, fieldResumeAt, resumeAt.UnixMilli())
			} else {
				pipe.HDel(ctx, key, fieldResumeAt)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pause messaging: %w", err)
	}

	l.log.Info("Messaging paused",
		logger.String("actor", actor),
		logger.String("reason", reason),
	)
	return nil
}

// ResumeMessaging clears the pause on every window of actor.
func (l *Limiter) ResumeMessaging(ctx context.Context, actor string) error {
	if actor == "" {
		return domain.ErrEmptyActor
	}
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, wt := range []domain.WindowType{domain.WindowHourly, domain.WindowDaily} {
			key := l.keys.Window(actor, wt)
			pipe.HSet(ctx, key, fieldPaused, 0)
			pipe.HDel(ctx, key, fieldPausedReason, fieldPausedAt, fieldResumeAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resume messaging: %w", err)
	}

	l.log.Info("Messaging resumed", logger.String("actor", actor))
	return nil
}

// AutoResetExpiredLimits zeroes every window whose reset time has passed and
// returns how many were reset.
func (l *Limiter) AutoResetExpiredLimits(ctx context.Context) (int, error) {
	now := l.now().UnixMilli()
	reset := 0

	iter := l.client.Scan(ctx, 0, l.keys.WindowPattern(), scanBatch).Iterator()
	for iter.Next(ctx) {
		n, err := resetScript.Run(ctx, l.client, []string{iter.Val()}, now).Int()
		if err != nil {
			return reset, fmt.Errorf("reset window %s: %w", iter.Val(), err)
		}
		reset += n
	}
	if err := iter.Err(); err != nil {
		return reset, fmt.Errorf("scan rate windows: %w", err)
	}

	if reset > 0 {
		l.log.Info("Rate windows reset", logger.Int("count", reset))
	}
	return reset, nil
}

// Status returns both windows of actor with usage percentages.
func (l *Limiter) Status(ctx context.Context, actor string) (*Status, error) {
	if actor == "" {
		return nil, domain.ErrEmptyActor
	}
	hourly, daily, err := l.loadWindows(ctx, actor)
	if err != nil {
		return nil, err
	}
	now := l.now()
	return &Status{
		Actor:       actor,
		Hourly:      hourly,
		Daily:       daily,
		HourlyUsage: domain.FormatPercent(hourly.MessagesSent, hourly.Limit),
		DailyUsage:  domain.FormatPercent(daily.MessagesSent, daily.Limit),
		Paused:      isPaused(hourly, now) || isPaused(daily, now),
	}, nil
}

func (l *Limiter) loadWindows(ctx context.Context, actor string) (*domain.RateWindow, *domain.RateWindow, error) {
	pipe := l.client.Pipeline()
	hourlyCmd := pipe.HGetAll(ctx, l.keys.Window(actor, domain.WindowHourly))
	dailyCmd := pipe.HGetAll(ctx, l.keys.Window(actor, domain.WindowDaily))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("load rate windows: %w", err)
	}
	hourly := l.parseWindow(actor, domain.WindowHourly, hourlyCmd.Val())
	daily := l.parseWindow(actor, domain.WindowDaily, dailyCmd.Val())
	return hourly, daily, nil
}

func (l *Limiter) parseWindow(actor string, wt domain.WindowType, h map[string]string) *domain.RateWindow {
	w := &domain.RateWindow{
		Actor:            actor,
		Type:             wt,
		Limit:            l.cfg.limitFor(wt),
		WarningThreshold: l.cfg.WarningThreshold,
	}
	if v, ok := h[fieldSent]; ok {
		w.MessagesSent, _ = strconv.Atoi(v)
	}
	if v, ok := h[fieldLimit]; ok {
		w.Limit, _ = strconv.Atoi(v)
	}
	if v, ok := h[fieldThreshold]; ok {
		w.WarningThreshold, _ = strconv.ParseFloat(v, 64)
	}
	w.WarningSent = h[fieldWarningSent] == "1"
	w.Paused = h[fieldPaused] == "1"
	w.PausedReason = h[fieldPausedReason]
	if t := parseMillis(h[fieldResetAt]); t != nil {
		w.ResetAt = *t
	}
	w.PausedAt = parseMillis(h[fieldPausedAt])
	w.ResumeAt = parseMillis(h[fieldResumeAt])
	return w
}

func parseMillis(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

// isPaused treats a pause whose resume time has passed as lifted.
func isPaused(w *domain.RateWindow, now time.Time) bool {
	if !w.Paused {
		return false
	}
	return w.ResumeAt == nil || w.ResumeAt.After(now)
}

func pausedReason(w *domain.RateWindow) string {
	if w.ResumeAt == nil {
		return reasonPausedPrefix + "resumed"
	}
	return reasonPausedPrefix + w.ResumeAt.UTC().Format(time.RFC3339)
}
