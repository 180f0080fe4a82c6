// Package scheduler publishes due scheduled items and runs the periodic
// maintenance jobs of the post-scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/errorlog"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/platform"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/telemetry"
)

const (
	defaultBatchSize      = 100
	defaultConcurrency    = 1
	defaultPublishTimeout = 20 * time.Second
	defaultClaimLease     = 5 * time.Minute
	defaultCheckInterval  = time.Minute
	defaultActor          = "scheduler"
	statusActive          = "active"
	configurationPrefix   = "configuration: "
)

// ItemStore persists scheduled items.
type ItemStore interface {
	ClaimDue(ctx context.Context, now time.Time, maxRetries, limit int, leaseUntil time.Time) ([]domain.ScheduledItem, error)
	SaveAttempt(ctx context.Context, item *domain.ScheduledItem) error
	Release(ctx context.Context, id string) error
	Counts(ctx context.Context, now time.Time, maxRetries int) (*domain.ItemCounts, error)
}

// ConsentChecker answers whether a destination may receive a send.
type ConsentChecker interface {
	CanSend(ctx context.Context, destination string) (bool, error)
}

// RateChecker is the subset of the rate limiter used around a publish.
type RateChecker interface {
	CanSendMessage(ctx context.Context, actor, destination string) (ratelimit.Decision, error)
	IncrementCount(ctx context.Context, actor, destination string, cfg ratelimit.Config) error
	CheckWarningThreshold(ctx context.Context, actor string) (ratelimit.Warning, error)
	Config() ratelimit.Config
}

// Config configures a Publisher.
type Config struct {
	MaxRetries     int
	BatchSize      int
	Concurrency    int
	PublishTimeout time.Duration
	ClaimLease     time.Duration
	PartialPolicy  domain.PartialSuccessPolicy
	DefaultActor   string
	// CycleSchedule is used to compute NextCheckAt in status snapshots.
	CycleSchedule string
}

// ItemError describes an item that did not publish cleanly in a cycle.
type ItemError struct {
	ItemID  string                 `json:"item_id"`
	Kind    domain.ErrorKind       `json:"kind"`
	Error   string                 `json:"error"`
	Results domain.PlatformResults `json:"results,omitempty"`
}

// CycleSummary reports the outcome of one publish cycle. Deferred items were
// claimed but released untouched because the cycle ran out of time.
type CycleSummary struct {
	TotalChecked int         `json:"total_checked"`
	Published    int         `json:"published"`
	Failed       int         `json:"failed"`
	Retrying     int         `json:"retrying"`
	Denied       int         `json:"denied"`
	Deferred     int         `json:"deferred"`
	Errors       []ItemError `json:"errors"`
}

func (s *CycleSummary) add(o itemOutcome) {
	switch o.outcome {
	case telemetry.OutcomePublished:
		s.Published++
	case telemetry.OutcomeFailed, telemetry.OutcomeConfiguration:
		s.Failed++
	case telemetry.OutcomeRetrying:
		s.Retrying++
	case telemetry.OutcomeDenied:
		s.Denied++
	case telemetry.OutcomeDeferred:
		s.Deferred++
	}
	if o.err != nil {
		s.Errors = append(s.Errors, *o.err)
	}
}

type itemOutcome struct {
	outcome string
	err     *ItemError
}

// Publisher claims due items and publishes them to their platforms.
type Publisher struct {
	store     ItemStore
	consent   ConsentChecker
	limiter   RateChecker
	platforms platform.Publisher
	events    *errorlog.Log
	telemetry *telemetry.Provider
	log       logger.Logger
	cfg       Config
	now       func() time.Time
}

// NewPublisher creates a Publisher. consent and limiter may be nil, in which
// case the corresponding pre-check is skipped.
func NewPublisher(
	store ItemStore,
	consent ConsentChecker,
	limiter RateChecker,
	platforms platform.Publisher,
	events *errorlog.Log,
	tp *telemetry.Provider,
	cfg Config,
	log logger.Logger,
) *Publisher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaultClaimLease
	}
	if cfg.PartialPolicy == "" {
		cfg.PartialPolicy = domain.PartialAccept
	}
	if cfg.DefaultActor == "" {
		cfg.DefaultActor = defaultActor
	}
	if tp == nil {
		tp = telemetry.NewProvider(nil)
	}
	if events == nil {
		events = errorlog.New(0, nil, log)
	}
	return &Publisher{
		store:     store,
		consent:   consent,
		limiter:   limiter,
		platforms: platforms,
		events:    events,
		telemetry: tp,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (p *Publisher) SetClock(now func() time.Time) {
	p.now = now
}

// RunCycle claims the due items and processes each of them in isolation. The
// error is non-nil only when the claim itself fails.
func (p *Publisher) RunCycle(ctx context.Context) (*CycleSummary, error) {
	began := time.Now()
	start := p.now()
	summary := &CycleSummary{Errors: []ItemError{}}

	items, err := p.store.ClaimDue(ctx, start, p.cfg.MaxRetries, p.cfg.BatchSize, start.Add(p.cfg.ClaimLease))
	if err != nil {
		p.telemetry.RecordCycle(ctx, 0, time.Since(began), err)
		p.events.Record(domain.LogEntry{
			Operation: domain.OpScheduler,
			Status:    domain.LogError,
			Message:   "Failed to claim due posts",
			RawError:  err.Error(),
		})
		return nil, fmt.Errorf("claim due items: %w", err)
	}
	summary.TotalChecked = len(items)
	if len(items) == 0 {
		p.telemetry.RecordCycle(ctx, 0, time.Since(began), nil)
		return summary, nil
	}

	p.log.Info("Publishing due posts", logger.Int("count", len(items)))

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, p.cfg.Concurrency)
	)
	dispatched := 0
dispatch:
	for i := range items {
		item := &items[i]
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		if ctx.Err() != nil {
			<-sem
			break dispatch
		}
		dispatched++
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			o := p.safeProcess(ctx, item)
			mu.Lock()
			summary.add(o)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i := dispatched; i < len(items); i++ {
		summary.add(p.deferItem(ctx, &items[i]))
	}
	if summary.Deferred > 0 {
		p.log.Warn("Publish cycle ran out of time",
			logger.Int("deferred", summary.Deferred),
			logger.Error(ctx.Err()),
		)
		p.events.Record(domain.LogEntry{
			Operation: domain.OpScheduler,
			Status:    domain.LogWarning,
			Message:   fmt.Sprintf("Publish cycle ran out of time; %d posts released for the next cycle", summary.Deferred),
		})
	}

	p.telemetry.RecordCycle(ctx, len(items), time.Since(began), nil)
	p.log.Info("Publish cycle completed",
		logger.Int("total_checked", summary.TotalChecked),
		logger.Int("published", summary.Published),
		logger.Int("failed", summary.Failed),
		logger.Int("retrying", summary.Retrying),
		logger.Int("denied", summary.Denied),
		logger.Int("deferred", summary.Deferred),
	)
	return summary, nil
}

// GetSchedulerStatus returns the item counts and the next cycle time.
func (p *Publisher) GetSchedulerStatus(ctx context.Context) (*domain.SchedulerStatus, error) {
	now := p.now()
	counts, err := p.store.Counts(ctx, now, p.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("count scheduled items: %w", err)
	}
	return &domain.SchedulerStatus{
		Status:         statusActive,
		Scheduled:      counts.Scheduled,
		ReadyToPublish: counts.ReadyToPublish,
		Published:      counts.Published,
		Failed:         counts.Failed,
		NextCheckAt:    p.nextCheckAt(now),
	}, nil
}

func (p *Publisher) nextCheckAt(now time.Time) time.Time {
	if p.cfg.CycleSchedule != "" {
		if schedule, err := ParseSchedule(p.cfg.CycleSchedule); err == nil {
			return schedule.Next(now)
		}
	}
	return now.Add(defaultCheckInterval)
}

// safeProcess turns a panic while processing one item into an
// infrastructure error for that item. An attempt that was already counted is
// not counted again.
func (p *Publisher) safeProcess(ctx context.Context, item *domain.ScheduledItem) (o itemOutcome) {
	attempts := item.PublishAttempts
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.log.Error("Recovered panic while publishing post",
			logger.String("post_id", item.ID),
			logger.Any("panic", r),
		)
		cause := fmt.Errorf("panic: %v", r)
		switch {
		case item.PublishAttempts == attempts:
			o = p.infraFailure(ctx, item, cause, nil)
		case item.Status == domain.ItemStatusPublished:
			o = p.publishedAfterPanic(ctx, item, cause)
		default:
			o = p.attemptFailed(ctx, item, cause.Error(), domain.ErrorKindInfrastructure, item.LastResults)
		}
	}()
	return p.process(ctx, item)
}

// publishedAfterPanic keeps an item that reached its platforms published when
// the bookkeeping after the publish panicked.
func (p *Publisher) publishedAfterPanic(ctx context.Context, item *domain.ScheduledItem, cause error) itemOutcome {
	if err := p.save(ctx, item); err != nil {
		return p.saveFailure(item, err)
	}
	p.telemetry.RecordItemOutcome(ctx, telemetry.OutcomePublished)
	return itemOutcome{outcome: telemetry.OutcomePublished, err: &ItemError{
		ItemID:  item.ID,
		Kind:    domain.ErrorKindInfrastructure,
		Error:   "after publish: " + cause.Error(),
		Results: item.LastResults,
	}}
}

// deferItem hands back the claim on an item the cycle had no time left for.
// No attempt is counted.
func (p *Publisher) deferItem(ctx context.Context, item *domain.ScheduledItem) itemOutcome {
	if err := p.store.Release(context.WithoutCancel(ctx), item.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		p.log.Warn("Failed to release claim on post",
			logger.String("post_id", item.ID),
			logger.Error(err),
		)
	}
	p.telemetry.RecordItemOutcome(ctx, telemetry.OutcomeDeferred)
	return itemOutcome{outcome: telemetry.OutcomeDeferred}
}

func (p *Publisher) process(ctx context.Context, item *domain.ScheduledItem) itemOutcome {
	ctx, span := p.telemetry.StartSpan(ctx, "scheduler.publish_post",
		attribute.String("post_id", item.ID),
		attribute.StringSlice("platforms", item.Platforms),
		attribute.Int("publish_attempts", item.PublishAttempts),
	)
	defer span.End()

	if ctx.Err() != nil {
		return p.deferItem(ctx, item)
	}
	if err := item.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return p.configurationFailure(ctx, item, err)
	}

	if reason, err := p.preCheck(ctx, item); err != nil {
		span.RecordError(err)
		return p.release(ctx, item, domain.ErrorKindInfrastructure, err.Error())
	} else if reason != "" {
		span.SetAttributes(attribute.String("denied", reason))
		return p.release(ctx, item, domain.ErrorKindDenied, reason)
	}

	if ctx.Err() != nil {
		return p.deferItem(ctx, item)
	}

	pending := item.PendingPlatforms()
	publishCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	started := time.Now()
	attempt, err := p.platforms.Publish(publishCtx, item, item.Targets(pending))
	p.telemetry.RecordPublishDuration(ctx, time.Since(started))
	for _, r := range attempt.Results {
		p.telemetry.RecordPlatformResult(ctx, r.Platform, r.OK)
	}
	if err != nil {
		span.RecordError(err)
		if attempt.Kind() == domain.AttemptNone {
			span.SetStatus(codes.Error, err.Error())
			return p.infraFailure(ctx, item, err, attempt.Results)
		}
		// Some platforms accepted the post; treat the rest as failed targets.
		p.log.Warn("Publish call ended early after partial delivery",
			logger.String("post_id", item.ID),
			logger.Strings("published", attempt.Succeeded()),
			logger.Error(err),
		)
	}

	o := p.classify(ctx, item, attempt)
	if o.outcome != telemetry.OutcomePublished {
		span.SetStatus(codes.Error, attempt.FailureReason())
	}
	return o
}

// preCheck returns a non-empty reason when consent or rate limits deny the
// send. The error is reserved for lookups that could not be answered.
func (p *Publisher) preCheck(ctx context.Context, item *domain.ScheduledItem) (string, error) {
	if p.consent != nil {
		for _, account := range item.AccountIDs {
			ok, err := p.consent.CanSend(ctx, account)
			if err != nil {
				return "", fmt.Errorf("consent check for %s: %w", account, err)
			}
			if !ok {
				return "consent denied for " + account, nil
			}
		}
	}
	if p.limiter != nil {
		actor := p.actor(item)
		for _, account := range item.AccountIDs {
			decision, err := p.limiter.CanSendMessage(ctx, actor, account)
			if err != nil {
				return "", fmt.Errorf("rate check for %s: %w", account, err)
			}
			if !decision.Allowed {
				return decision.Reason, nil
			}
		}
	}
	return "", nil
}

func (p *Publisher) classify(ctx context.Context, item *domain.ScheduledItem, attempt domain.PublishAttemptResult) itemOutcome {
	now := p.now()
	item.LastResults = attempt.Results
	item.PublishAttempts++

	kind := attempt.Kind()
	switch {
	case kind == domain.AttemptFull || (kind == domain.AttemptPartial && p.cfg.PartialPolicy == domain.PartialAccept):
		item.PublishedPlatforms = appendUnique(item.PublishedPlatforms, attempt.Succeeded()...)
		item.Status = domain.ItemStatusPublished
		item.PublishedAt = &now
		item.FailureReason = nil
		if err := p.save(ctx, item); err != nil {
			return p.saveFailure(item, err)
		}
		p.afterPublish(ctx, item, attempt)
		p.telemetry.RecordItemOutcome(ctx, telemetry.OutcomePublished)

		if kind == domain.AttemptPartial {
			return itemOutcome{outcome: telemetry.OutcomePublished, err: &ItemError{
				ItemID:  item.ID,
				Kind:    domain.ErrorKindDelivery,
				Error:   attempt.FailureReason(),
				Results: attempt.Results,
			}}
		}
		return itemOutcome{outcome: telemetry.OutcomePublished}

	case kind == domain.AttemptPartial:
		// Retry only the platforms that rejected the post.
		item.PublishedPlatforms = appendUnique(item.PublishedPlatforms, attempt.Succeeded()...)
		p.afterPublish(ctx, item, attempt)
	}

	return p.attemptFailed(ctx, item, attempt.FailureReason(), domain.ErrorKindDelivery, attempt.Results)
}

// attemptFailed finishes an attempt whose counter was already incremented.
func (p *Publisher) attemptFailed(
	ctx context.Context,
	item *domain.ScheduledItem,
	reason string,
	kind domain.ErrorKind,
	results domain.PlatformResults,
) itemOutcome {
	if reason == "" {
		reason = "unknown error"
	}
	outcome := telemetry.OutcomeRetrying
	status := domain.LogRetry
	msg := fmt.Sprintf("%s (retry %d/%d)", reason, item.PublishAttempts, p.cfg.MaxRetries)
	if !item.CanRetry(p.cfg.MaxRetries) {
		outcome = telemetry.OutcomeFailed
		status = domain.LogError
		msg = reason
		item.Status = domain.ItemStatusFailed
		item.FailureReason = &reason
	}

	if err := p.save(ctx, item); err != nil {
		return p.saveFailure(item, err)
	}
	p.telemetry.RecordItemOutcome(ctx, outcome)
	p.events.Record(domain.LogEntry{
		Operation: domain.OpPostPublish,
		Platform:  strings.Join(item.Platforms, ","),
		Status:    status,
		Message:   "Post " + item.ID + ": " + msg,
		RawError:  reason,
		UserID:    item.CreatedBy,
		Metadata: domain.Metadata{
			"post_id":  item.ID,
			"attempts": item.PublishAttempts,
		},
	})
	return itemOutcome{outcome: outcome, err: &ItemError{ItemID: item.ID, Kind: kind, Error: msg, Results: results}}
}

func (p *Publisher) infraFailure(
	ctx context.Context,
	item *domain.ScheduledItem,
	cause error,
	results domain.PlatformResults,
) itemOutcome {
	p.log.Error("Failed to publish post",
		logger.String("post_id", item.ID),
		logger.Error(cause),
	)
	if results != nil {
		item.LastResults = results
	}
	item.PublishAttempts++
	return p.attemptFailed(ctx, item, cause.Error(), domain.ErrorKindInfrastructure, results)
}

func (p *Publisher) configurationFailure(ctx context.Context, item *domain.ScheduledItem, cause error) itemOutcome {
	reason := configurationPrefix + strings.TrimPrefix(cause.Error(), domain.ErrInvalidItem.Error()+": ")
	item.Status = domain.ItemStatusFailed
	item.FailureReason = &reason
	if err := p.save(ctx, item); err != nil {
		return p.saveFailure(item, err)
	}
	p.telemetry.RecordItemOutcome(ctx, telemetry.OutcomeConfiguration)
	p.events.Record(domain.LogEntry{
		Operation: domain.OpPostPublish,
		Status:    domain.LogError,
		Message:   "Post " + item.ID + " cannot be published: " + reason,
		RawError:  cause.Error(),
		UserID:    item.CreatedBy,
		Metadata:  domain.Metadata{"post_id": item.ID},
	})
	return itemOutcome{
		outcome: telemetry.OutcomeConfiguration,
		err:     &ItemError{ItemID: item.ID, Kind: domain.ErrorKindConfiguration, Error: reason},
	}
}

// release hands the claim back without counting an attempt. Used when a
// pre-check denies the send or cannot be answered.
func (p *Publisher) release(ctx context.Context, item *domain.ScheduledItem, kind domain.ErrorKind, reason string) itemOutcome {
	if err := p.store.Release(context.WithoutCancel(ctx), item.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		p.log.Warn("Failed to release claim on post",
			logger.String("post_id", item.ID),
			logger.Error(err),
		)
	}

	outcome, status := telemetry.OutcomeDenied, domain.LogWarning
	if kind == domain.ErrorKindInfrastructure {
		outcome, status = telemetry.OutcomeInfra, domain.LogError
	}
	p.telemetry.RecordItemOutcome(ctx, outcome)
	p.events.Record(domain.LogEntry{
		Operation: domain.OpPostPublish,
		Status:    status,
		Message:   "Post " + item.ID + " held back: " + reason,
		UserID:    item.CreatedBy,
		Metadata:  domain.Metadata{"post_id": item.ID},
	})
	return itemOutcome{
		outcome: outcome,
		err:     &ItemError{ItemID: item.ID, Kind: kind, Error: reason},
	}
}

// afterPublish counts the send against the actor's windows and records the
// per-platform successes.
func (p *Publisher) afterPublish(ctx context.Context, item *domain.ScheduledItem, attempt domain.PublishAttemptResult) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range attempt.Results {
		if !r.OK {
			continue
		}
		p.events.Record(domain.LogEntry{
			Operation: domain.OpPostPublish,
			Platform:  r.Platform,
			AccountID: strings.Join(r.AccountIDs, ","),
			Status:    domain.LogSuccess,
			Message:   "Post " + item.ID + " published to " + r.Platform,
			UserID:    item.CreatedBy,
			Metadata:  domain.Metadata{"post_id": item.ID, "external_id": r.ExternalID},
		})
	}

	if p.limiter == nil {
		return
	}
	actor := p.actor(item)
	cfg := p.limiter.Config()
	for _, account := range item.AccountIDs {
		if err := p.limiter.IncrementCount(ctx, actor, account, cfg); err != nil {
			p.log.Warn("Failed to increment rate window",
				logger.String("actor", actor),
				logger.String("destination", account),
				logger.Error(err),
			)
		}
	}

	warning, err := p.limiter.CheckWarningThreshold(ctx, actor)
	if err != nil {
		p.log.Warn("Failed to check rate warning threshold", logger.String("actor", actor), logger.Error(err))
		return
	}
	if warning.Triggered {
		p.telemetry.RecordRateWarning()
		p.events.Record(domain.LogEntry{
			Operation: domain.OpScheduler,
			Status:    domain.LogWarning,
			Message: fmt.Sprintf("Rate limit warning for %s: %d of %d hourly sends used",
				actor, warning.Sent, warning.Limit),
			UserID:   actor,
			Metadata: domain.Metadata{"usage": warning.Usage},
		})
	}
}

// save persists the outcome even when the cycle context has ended, since
// the publish it records already happened.
func (p *Publisher) save(ctx context.Context, item *domain.ScheduledItem) error {
	item.UpdatedAt = p.now()
	return p.store.SaveAttempt(context.WithoutCancel(ctx), item)
}

// saveFailure reports an item whose outcome could not be persisted. The claim
// lease expires on its own, so the item is picked up again later.
func (p *Publisher) saveFailure(item *domain.ScheduledItem, err error) itemOutcome {
	p.log.Error("Failed to save publish attempt",
		logger.String("post_id", item.ID),
		logger.Error(err),
	)
	p.telemetry.RecordItemOutcome(context.Background(), telemetry.OutcomeInfra)
	return itemOutcome{
		outcome: telemetry.OutcomeInfra,
		err: &ItemError{
			ItemID:  item.ID,
			Kind:    domain.ErrorKindInfrastructure,
			Error:   "save attempt: " + err.Error(),
			Results: item.LastResults,
		},
	}
}

func (p *Publisher) actor(item *domain.ScheduledItem) string {
	if item.CreatedBy != "" {
		return item.CreatedBy
	}
	return p.cfg.DefaultActor
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
