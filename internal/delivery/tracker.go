// Package delivery tracks outbound messages through their delivery lifecycle.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const (
	defaultReportLimit    = 100
	maxReportLimit        = 1000
	bulkStatusLimit       = 10000
	maxConflictRetries    = 3
	retryBackoffBase      = 2
	historyKeyRetryCount  = "retry_count"
	historyKeyNextRetryAt = "next_retry_at"
)

// ErrInvalidAge is returned by PurgeOlderThan for non-positive ages.
var ErrInvalidAge = errors.New("purge age must be positive")

// Store persists tracked messages and their history.
type Store interface {
	Create(ctx context.Context, m *domain.TrackedMessage) error
	GetByID(ctx context.Context, id string) (*domain.TrackedMessage, error)
	Update(ctx context.Context, m *domain.TrackedMessage) error
	AppendHistory(ctx context.Context, change *domain.StatusChange) error
	History(ctx context.Context, messageID string) ([]domain.StatusChange, error)
	List(ctx context.Context, filter domain.MessageFilter, limit int) ([]domain.TrackedMessage, error)
	Aggregate(ctx context.Context, filter domain.MessageFilter) ([]domain.StatusAggregate, error)
	PendingRetries(ctx context.Context, now time.Time, maxRetries int) ([]domain.TrackedMessage, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DateRange bounds a statistics query by dispatch time.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Tracker owns tracked messages.
type Tracker struct {
	store Store
	now   func() time.Time
	log   logger.Logger
}

// NewTracker creates a Tracker over store.
func NewTracker(store Store, log logger.Logger) *Tracker {
	return &Tracker{store: store, now: time.Now, log: log}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// CreateMessage starts tracking a message in the queued state.
func (t *Tracker) CreateMessage(ctx context.Context, in domain.NewMessage) (*domain.TrackedMessage, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := t.now()
	m := &domain.TrackedMessage{
		ID:          uuid.New().String(),
		Destination: in.Destination,
		Channel:     in.Channel,
		Body:        in.Body,
		SentBy:      in.SentBy,
		BatchID:     in.BatchID,
		Status:      domain.MessageQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.store.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	t.log.Debug("Message tracked",
		logger.String("message_id", m.ID),
		logger.String("channel", m.Channel),
	)
	return m, nil
}

// GetMessage returns the message with id.
func (t *Tracker) GetMessage(ctx context.Context, id string) (*domain.TrackedMessage, error) {
	return t.store.GetByID(ctx, id)
}

// GetHistory returns the status history of a message, oldest first.
func (t *Tracker) GetHistory(ctx context.Context, id string) ([]domain.StatusChange, error) {
	if _, err := t.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return t.store.History(ctx, id)
}

// UpdateStatus applies u to the message. Updates that would regress the
// status leave the message as is but are still appended to the history
// with Applied false.
func (t *Tracker) UpdateStatus(
	ctx context.Context,
	id string,
	u domain.StatusUpdate,
	metadata domain.Metadata,
) (*domain.TrackedMessage, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: missing status update", domain.ErrInvalidStatus)
	}
	u = stamp(u, t.now())

	var (
		m       *domain.TrackedMessage
		applied bool
	)
	err := t.withRetry(ctx, id, func(current *domain.TrackedMessage) (bool, error) {
		m = current
		applied = m.Apply(u)
		if !applied {
			return false, nil
		}
		m.UpdatedAt = t.now()
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	change := &domain.StatusChange{
		MessageID: id,
		Status:    u.Status(),
		Applied:   applied,
		ChangedAt: u.OccurredAt(),
		Metadata:  metadata,
	}
	if histErr := t.store.AppendHistory(ctx, change); histErr != nil {
		return nil, fmt.Errorf("record status history: %w", histErr)
	}

	if !applied {
		t.log.Debug("Ignored regressive status update",
			logger.String("message_id", id),
			logger.String("current", string(m.Status)),
			logger.String("reported", string(u.Status())),
		)
	}
	return m, nil
}

// LogFailure marks the message failed with reason.
func (t *Tracker) LogFailure(ctx context.Context, id, reason string) (*domain.TrackedMessage, error) {
	return t.UpdateStatus(ctx, id, domain.Failed{At: t.now(), Reason: reason}, domain.Metadata{"reason": reason})
}

// MarkForRetry re-queues the message with exponential backoff of
// 2^retryCount minutes. It returns false when the message is unknown or
// has exhausted maxRetries.
func (t *Tracker) MarkForRetry(ctx context.Context, id string, maxRetries int) (bool, error) {
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMessageMaxRetries
	}
	now := t.now()
	var requeued *domain.TrackedMessage

	err := t.withRetry(ctx, id, func(m *domain.TrackedMessage) (bool, error) {
		if m.RetryCount >= maxRetries {
			return false, nil
		}
		delay := time.Duration(math.Pow(retryBackoffBase, float64(m.RetryCount))) * time.Minute
		next := now.Add(delay)
		m.RetryCount++
		m.NextRetryAt = &next
		m.Status = domain.MessageQueued
		m.UpdatedAt = now
		requeued = m
		return true, nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if requeued == nil {
		return false, nil
	}

	change := &domain.StatusChange{
		MessageID: id,
		Status:    domain.MessageQueued,
		Applied:   true,
		ChangedAt: now,
		Metadata: domain.Metadata{
			historyKeyRetryCount:  requeued.RetryCount,
			historyKeyNextRetryAt: requeued.NextRetryAt.UTC().Format(time.RFC3339),
		},
	}
	if histErr := t.store.AppendHistory(ctx, change); histErr != nil {
		return true, fmt.Errorf("record retry history: %w", histErr)
	}
	return true, nil
}

// GetPendingRetries returns failed messages under the default retry ceiling
// whose backoff has elapsed.
func (t *Tracker) GetPendingRetries(ctx context.Context) ([]domain.TrackedMessage, error) {
	return t.store.PendingRetries(ctx, t.now(), domain.DefaultMessageMaxRetries)
}

// RetrySweep re-queues every pending retry and returns how many were re-queued.
func (t *Tracker) RetrySweep(ctx context.Context, maxRetries int) (int, error) {
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMessageMaxRetries
	}
	pending, err := t.store.PendingRetries(ctx, t.now(), maxRetries)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for i := range pending {
		ok, retryErr := t.MarkForRetry(ctx, pending[i].ID, maxRetries)
		if retryErr != nil {
			t.log.Warn("Failed to re-queue message",
				logger.String("message_id", pending[i].ID),
				logger.Error(retryErr),
			)
			continue
		}
		if ok {
			requeued++
		}
	}

	if requeued > 0 {
		t.log.Info("Messages re-queued for retry", logger.Int("count", requeued))
	}
	return requeued, nil
}

// GetDeliveryReport lists up to limit messages matching filter and computes
// delivery and read rates over them.
func (t *Tracker) GetDeliveryReport(
	ctx context.Context,
	filter domain.MessageFilter,
	limit int,
) (*domain.DeliveryReport, error) {
	limit = clampLimit(limit)
	messages, err := t.store.List(ctx, filter, limit)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []domain.TrackedMessage{}
	}

	var metrics domain.DeliveryMetrics
	for i := range messages {
		switch messages[i].Status {
		case domain.MessageFailed:
			metrics.Failed++
		case domain.MessageRead:
			metrics.Read++
			metrics.Delivered++
		case domain.MessageDelivered:
			metrics.Delivered++
		case domain.MessageQueued, domain.MessageSent:
		}
	}
	total := len(messages)
	metrics.Sent = total - metrics.Failed
	metrics.DeliveryRate = domain.FormatPercent(metrics.Delivered, total)
	metrics.ReadRate = domain.FormatPercent(metrics.Read, total)

	return &domain.DeliveryReport{Total: total, Metrics: metrics, Messages: messages}, nil
}

// GetStatistics summarizes messages dispatched within r.
func (t *Tracker) GetStatistics(ctx context.Context, r DateRange) (*domain.MessageStatistics, error) {
	filter := domain.MessageFilter{}
	if !r.Start.IsZero() {
		filter.Start = &r.Start
	}
	if !r.End.IsZero() {
		filter.End = &r.End
	}
	aggregates, err := t.store.Aggregate(ctx, filter)
	if err != nil {
		return nil, err
	}

	stats := &domain.MessageStatistics{ByStatus: emptyStatusCounts()}
	totalRetries := 0
	for _, a := range aggregates {
		stats.ByStatus[a.Status] += a.Count
		stats.Total += a.Count
		totalRetries += a.TotalRetries
	}
	if stats.Total > 0 {
		stats.AverageRetries = float64(totalRetries) / float64(stats.Total)
	}
	stats.FailureRate = domain.FormatPercent(stats.ByStatus[domain.MessageFailed], stats.Total)
	return stats, nil
}

// GetBulkStatus summarizes the messages of one batch.
func (t *Tracker) GetBulkStatus(ctx context.Context, batchID string) (*domain.BulkStatus, error) {
	messages, err := t.store.List(ctx, domain.MessageFilter{BatchID: batchID}, bulkStatusLimit)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []domain.TrackedMessage{}
	}
	status := &domain.BulkStatus{
		BatchID:  batchID,
		Total:    len(messages),
		ByStatus: emptyStatusCounts(),
		Messages: messages,
	}
	for i := range messages {
		status.ByStatus[messages[i].Status]++
		if messages[i].Status.IsFinished() {
			status.Completed++
		}
	}
	return status, nil
}

// PurgeOlderThan deletes delivered, read and failed messages dispatched more
// than age ago.
func (t *Tracker) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		return 0, ErrInvalidAge
	}
	deleted, err := t.store.DeleteFinishedBefore(ctx, t.now().Add(-age))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		t.log.Info("Purged old messages",
			logger.Int64("deleted", deleted),
			logger.Duration("age", age),
		)
	}
	return deleted, nil
}

// withRetry loads the message and persists fn's changes, reloading on
// version conflicts. fn returns false to skip the write.
func (t *Tracker) withRetry(
	ctx context.Context,
	id string,
	fn func(m *domain.TrackedMessage) (bool, error),
) error {
	var lastErr error
	for range maxConflictRetries {
		m, err := t.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		write, err := fn(m)
		if err != nil || !write {
			return err
		}
		err = t.store.Update(ctx, m)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("update message %s: %w", id, err)
		}
		lastErr = err
	}
	return fmt.Errorf("update message %s after %d attempts: %w", id, maxConflictRetries, lastErr)
}

// stamp fills a missing occurrence time with now.
func stamp(u domain.StatusUpdate, now time.Time) domain.StatusUpdate {
	if !u.OccurredAt().IsZero() {
		return u
	}
	switch v := u.(type) {
	case domain.Sent:
		v.At = now
		return v
	case domain.Delivered:
		v.At = now
		return v
	case domain.Read:
		v.At = now
		return v
	case domain.Failed:
		v.At = now
		return v
	}
	return u
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultReportLimit
	}
	if limit > maxReportLimit {
		return maxReportLimit
	}
	return limit
}

func emptyStatusCounts() map[domain.MessageStatus]int {
	return map[domain.MessageStatus]int{
		domain.MessageQueued:    0,
		domain.MessageSent:      0,
		domain.MessageDelivered: 0,
		domain.MessageRead:      0,
		domain.MessageFailed:    0,
	}
}
