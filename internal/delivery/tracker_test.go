package delivery_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/delivery"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

// memoryStore is an in-memory delivery.Store with version checks.
type memoryStore struct {
	mu        sync.Mutex
	messages  map[string]domain.TrackedMessage
	history   []domain.StatusChange
	conflicts int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{messages: make(map[string]domain.TrackedMessage)}
}

func (s *memoryStore) Create(_ context.Context, m *domain.TrackedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Version = 1
	s.messages[m.ID] = *m
	return nil
}

func (s *memoryStore) GetByID(_ context.Context, id string) (*domain.TrackedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

func (s *memoryStore) Update(_ context.Context, m *domain.TrackedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return domain.ErrConflict
	}
	current, ok := s.messages[m.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != m.Version {
		return domain.ErrConflict
	}
	m.Version++
	s.messages[m.ID] = *m
	return nil
}

func (s *memoryStore) AppendHistory(_ context.Context, change *domain.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	change.ID = int64(len(s.history) + 1)
	s.history = append(s.history, *change)
	return nil
}

func (s *memoryStore) History(_ context.Context, messageID string) ([]domain.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StatusChange
	for _, c := range s.history {
		if c.MessageID == messageID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memoryStore) List(_ context.Context, filter domain.MessageFilter, limit int) ([]domain.TrackedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrackedMessage
	for _, m := range s.messages {
		if filter.BatchID != "" && (m.BatchID == nil || *m.BatchID != filter.BatchID) {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Aggregate(_ context.Context, _ domain.MessageFilter) ([]domain.StatusAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus := map[domain.MessageStatus]*domain.StatusAggregate{}
	for _, m := range s.messages {
		agg, ok := byStatus[m.Status]
		if !ok {
			agg = &domain.StatusAggregate{Status: m.Status}
			byStatus[m.Status] = agg
		}
		agg.Count++
		agg.TotalRetries += m.RetryCount
	}
	out := make([]domain.StatusAggregate, 0, len(byStatus))
	for _, agg := range byStatus {
		out = append(out, *agg)
	}
	return out, nil
}

func (s *memoryStore) PendingRetries(_ context.Context, now time.Time, maxRetries int) ([]domain.TrackedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrackedMessage
	for _, m := range s.messages {
		if m.Status != domain.MessageFailed || m.RetryCount >= maxRetries {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memoryStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, m := range s.messages {
		dispatched := m.CreatedAt
		if m.SentAt != nil {
			dispatched = *m.SentAt
		}
		if m.Status.IsFinished() && dispatched.Before(cutoff) {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func setupTracker(t *testing.T) (*delivery.Tracker, *memoryStore, *clock) {
	t.Helper()
	store := newMemoryStore()
	tracker := delivery.NewTracker(store, logger.NewNop())
	c := &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker.SetClock(c.Now)
	return tracker, store, c
}

func createMessage(t *testing.T, tracker *delivery.Tracker, batchID *string) *domain.TrackedMessage {
	t.Helper()
	m, err := tracker.CreateMessage(context.Background(), domain.NewMessage{
		Destination: "+15550001",
		Channel:     "whatsapp",
		Body:        "hello",
		SentBy:      "acct-1",
		BatchID:     batchID,
	})
	require.NoError(t, err)
	return m
}

func TestCreateMessage(t *testing.T) {
	t.Parallel()

	tracker, store, c := setupTracker(t)

	m := createMessage(t, tracker, nil)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, domain.MessageQueued, m.Status)
	assert.Equal(t, c.now, m.CreatedAt)
	assert.Contains(t, store.messages, m.ID)
}

func TestCreateMessage_Invalid(t *testing.T) {
	t.Parallel()

	tracker, _, _ := setupTracker(t)

	_, err := tracker.CreateMessage(context.Background(), domain.NewMessage{Channel: "sms"})
	require.ErrorIs(t, err, domain.ErrInvalidMessage)
}

func TestUpdateStatus_IdempotentTimestamps(t *testing.T) {
	t.Parallel()

	tracker, _, c := setupTracker(t)
	ctx := context.Background()
	m := createMessage(t, tracker, nil)

	first := c.now.Add(time.Minute)
	_, err := tracker.UpdateStatus(ctx, m.ID, domain.Delivered{At: first}, nil)
	require.NoError(t, err)

	updated, err := tracker.UpdateStatus(ctx, m.ID, domain.Delivered{At: first.Add(time.Hour)}, nil)
	require.NoError(t, err)
	require.NotNil(t, updated.DeliveredAt)
	assert.Equal(t, first, *updated.DeliveredAt)
	assert.Equal(t, domain.MessageDelivered, updated.Status)
}

func TestUpdateStatus_RegressionIgnoredButRecorded(t *testing.T) {
	t.Parallel()

	tracker, _, c := setupTracker(t)
	ctx := context.Background()
	m := createMessage(t, tracker, nil)

	_, err := tracker.UpdateStatus(ctx, m.ID, domain.Read{At: c.now}, domain.Metadata{"source": "webhook"})
	require.NoError(t, err)

	updated, err := tracker.UpdateStatus(ctx, m.ID, domain.Sent{At: c.now, ProviderMessageID: "wamid.1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageRead, updated.Status)
	assert.Nil(t, updated.SentAt)

	history, err := tracker.GetHistory(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Applied)
	assert.Equal(t, "webhook", history[0].Metadata["source"])
	assert.Equal(t, domain.MessageSent, history[1].Status)
	assert.False(t, history[1].Applied)
}

func TestUpdateStatus_StampsMissingTime(t *testing.T) {
	t.Parallel()

	tracker, _, c := setupTracker(t)
	m := createMessage(t, tracker, nil)

	updated, err := tracker.UpdateStatus(context.Background(), m.ID, domain.Sent{ProviderMessageID: "wamid.2"}, nil)
	require.NoError(t, err)
	require.NotNil(t, updated.SentAt)
	assert.Equal(t, c.now, *updated.SentAt)
	require.NotNil(t, updated.ProviderMessageID)
	assert.Equal(t, "wamid.2", *updated.ProviderMessageID)
}

func TestUpdateStatus_RetriesOnConflict(t *testing.T) {
	t.Parallel()

	tracker, store, c := setupTracker(t)
	m := createMessage(t, tracker, nil)
	store.conflicts = 2

	updated, err := tracker.UpdateStatus(context.Background(), m.ID, domain.Sent{At: c.now}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageSent, updated.Status)
}

func TestUpdateStatus_GivesUpAfterRepeatedConflicts(t *testing.T) {
	t.Parallel()

	tracker, store, c := setupTracker(t)
	m := createMessage(t, tracker, nil)
	store.conflicts = 10

	_, err := tracker.UpdateStatus(context.Background(), m.ID, domain.Sent{At: c.now}, nil)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Empty(t, store.history)
}

func TestUpdateStatus_NotFound(t *testing.T) {
	t.Parallel()

	tracker, _, c := setupTracker(t)

	_, err := tracker.UpdateStatus(context.Background(), "missing", domain.Sent{At: c.now}, nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLogFailure(t *testing.T) {
	t.Parallel()

	tracker, _, _ := setupTracker(t)
	m := createMessage(t, tracker, nil)

	updated, err := tracker.LogFailure(context.Background(), m.ID, "invalid number")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, updated.Status)
	require.NotNil(t, updated.FailureReason)
	assert.Equal(t, "invalid number", *updated.FailureReason)
	require.NotNil(t, updated.FailedAt)
}

func TestMarkForRetry_ExponentialBackoff(t *testing.T) {
	t.Parallel()

	tracker, store, c := setupTracker(t)
	ctx := context.Background()
	m := createMessage(t, tracker, nil)

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, delay := range wantDelays {
		ok, err := tracker.MarkForRetry(ctx, m.ID, 3)
		require.NoError(t, err)
		require.True(t, ok, "retry %d", i)

		stored := store.messages[m.ID]
		assert.Equal(t, i+1, stored.RetryCount)
		assert.Equal(t, domain.MessageQueued, stored.Status)
		require.NotNil(t, stored.NextRetryAt)
		assert.Equal(t, c.now.Add(delay), *stored.NextRetryAt)
	}

	ok, err := tracker.MarkForRetry(ctx, m.ID, 3)
	require.NoError(t, err)
	assert.False(t, ok, "ceiling reached")
	assert.Equal(t, 3, store.messages[m.ID].RetryCount)
}

func TestMarkForRetry_UnknownMessage(t *testing.T) {
	t.Parallel()

	tracker, _, _ := setupTracker(t)

	ok, err := tracker.MarkForRetry(context.Background(), "missing", 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPendingRetriesAndSweep(t *testing.T) {
	t.Parallel()

	tracker, store, c := setupTracker(t)
	ctx := context.Background()

	due := createMessage(t, tracker, nil)
	_, err := tracker.LogFailure(ctx, due.ID, "timeout")
	require.NoError(t, err)

	waiting := createMessage(t, tracker, nil)
	_, err = tracker.LogFailure(ctx, waiting.ID, "timeout")
	require.NoError(t, err)
	future := c.now.Add(time.Hour)
	w := store.messages[waiting.ID]
	w.NextRetryAt = &future
	store.messages[waiting.ID] = w

	exhausted := createMessage(t, tracker, nil)
	_, err = tracker.LogFailure(ctx, exhausted.ID, "timeout")
	require.NoError(t, err)
	e := store.messages[exhausted.ID]
	e.RetryCount = 3
	store.messages[exhausted.ID] = e

	pending, err := tracker.GetPendingRetries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, due.ID, pending[0].ID)

	requeued, err := tracker.RetrySweep(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, domain.MessageQueued, store.messages[due.ID].Status)
	assert.Equal(t, domain.MessageFailed, store.messages[waiting.ID].Status)
}

func TestGetDeliveryReport(t *testing.T) {
	t.Parallel()

	tracker, _, c := setupTracker(t)
	ctx := context.Background()

	statuses := []domain.StatusUpdate{
		domain.Delivered{At: c.now},
		domain.Read{At: c.now},
		domain.Failed{At: c.now, Reason: "blocked"},
		domain.Sent{At: c.now},
	}
	for _, u := range statuses {
		m := createMessage(t, tracker, nil)
		_, err := tracker.UpdateStatus(ctx, m.ID, u, nil)
		require.NoError(t, err)
	}

	report, err := tracker.GetDeliveryReport(ctx, domain.MessageFilter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 3, report.Metrics.Sent)
	assert.Equal(t, 2, report.Metrics.Delivered)
	assert.Equal(t, 1, report.Metrics.Read)
	assert.Equal(t, 1, report.Metrics.Failed)
	assert.Equal(t, "50.00%", report.Metrics.DeliveryRate)
	assert.Equal(t, "25.00%", report.Metrics.ReadRate)
}

func TestGetDeliveryReport_Empty(t *testing.T) {
	t.Parallel()

	tracker, _, _ := setupTracker(t)

	report, err := tracker.GetDeliveryReport(context.Background(), domain.MessageFilter{}, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
	assert.Equal(t, "0.00%", report.Metrics.DeliveryRate)
	assert.Equal(t, "0.00%", report.Metrics.ReadRate)
	assert.NotNil(t, report.Messages)
}

func TestGetStatistics(t *testing.T) {
	t.Parallel()

	tracker, store, c := setupTracker(t)
	ctx := context.Background()

	stats, err := tracker.GetStatistics(ctx, delivery.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.InDelta(t, 0.0, stats.AverageRetries, 0.0001)
	assert.Equal(t, "0.00%", stats.FailureRate)

	a := createMessage(t, tracker, nil)
	b := createMessage(t, tracker, nil)
	_, err = tracker.LogFailure(ctx, b.ID, "x")
	require.NoError(t, err)
	ok, err := tracker.MarkForRetry(ctx, a.ID, 3)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = tracker.UpdateStatus(ctx, a.ID, domain.Sent{At: c.now}, nil)
	require.NoError(t, err)
	require.Len(t, store.messages, 2)

	stats, err = tracker.GetStatistics(ctx, delivery.DateRange{Start: c.now.Add(-time.Hour), End: c.now})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[domain.MessageSent])
	assert.Equal(t, 1, stats.ByStatus[domain.MessageFailed])
	assert.Equal(t, 0, stats.ByStatus[domain.MessageRead])
	assert.InDelta(t, 0.5, stats.AverageRetries, 0.0001)
	assert.Equal(t, "50.00%", stats.FailureRate)
}

func TestGetBulkStatus(t *testing.T) {
	t.Parallel()

	tracker, _, c := setupTracker(t)
	ctx := context.Background()
	batch := "batch-7"

	first := createMessage(t, tracker, &batch)
	createMessage(t, tracker, &batch)
	createMessage(t, tracker, nil)

	_, err := tracker.UpdateStatus(ctx, first.ID, domain.Delivered{At: c.now}, nil)
	require.NoError(t, err)

	status, err := tracker.GetBulkStatus(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, "batch-7", status.BatchID)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 1, status.ByStatus[domain.MessageDelivered])
	assert.Equal(t, 1, status.ByStatus[domain.MessageQueued])
}

func TestPurgeOlderThan(t *testing.T) {
	t.Parallel()

	tracker, store, c := setupTracker(t)
	ctx := context.Background()

	old := createMessage(t, tracker, nil)
	_, err := tracker.UpdateStatus(ctx, old.ID, domain.Delivered{At: c.now}, nil)
	require.NoError(t, err)
	oldQueued := createMessage(t, tracker, nil)

	c.now = c.now.Add(100 * 24 * time.Hour)
	recent := createMessage(t, tracker, nil)
	_, err = tracker.UpdateStatus(ctx, recent.ID, domain.Read{At: c.now}, nil)
	require.NoError(t, err)

	deleted, err := tracker.PurgeOlderThan(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.NotContains(t, store.messages, old.ID)
	assert.Contains(t, store.messages, oldQueued.ID, "unfinished messages are kept")
	assert.Contains(t, store.messages, recent.ID)

	_, err = tracker.PurgeOlderThan(ctx, 0)
	require.ErrorIs(t, err, delivery.ErrInvalidAge)
}
