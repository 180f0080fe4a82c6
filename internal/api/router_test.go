package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/api"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/consent"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/delivery"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/errorlog"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/scheduler"
)

type fakeScheduler struct {
	statusErr error
	runs      int
}

func (f *fakeScheduler) RunCycle(context.Context) (*scheduler.CycleSummary, error) {
	f.runs++
	return &scheduler.CycleSummary{TotalChecked: 2, Published: 1, Retrying: 1, Errors: []scheduler.ItemError{}}, nil
}

func (f *fakeScheduler) GetSchedulerStatus(context.Context) (*domain.SchedulerStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &domain.SchedulerStatus{Status: "active", Scheduled: 4, ReadyToPublish: 1}, nil
}

type fakePosts struct {
	mu    sync.Mutex
	items map[string]domain.ScheduledItem
}

func (f *fakePosts) Create(_ context.Context, item *domain.ScheduledItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = *item
	return nil
}

func (f *fakePosts) GetByID(_ context.Context, id string) (*domain.ScheduledItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &item, nil
}

// fakeMessages implements api.MessageService with a single stored message.
type fakeMessages struct {
	msg     domain.TrackedMessage
	updates []domain.StatusUpdate
	failErr error
}

func (f *fakeMessages) lookup(id string) (*domain.TrackedMessage, error) {
	if id != f.msg.ID {
		return nil, domain.ErrNotFound
	}
	m := f.msg
	return &m, nil
}

func (f *fakeMessages) CreateMessage(_ context.Context, in domain.NewMessage) (*domain.TrackedMessage, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &domain.TrackedMessage{ID: "new", Destination: in.Destination, Channel: in.Channel, Status: domain.MessageQueued}, nil
}

func (f *fakeMessages) GetMessage(_ context.Context, id string) (*domain.TrackedMessage, error) {
	return f.lookup(id)
}

func (f *fakeMessages) GetHistory(_ context.Context, id string) ([]domain.StatusChange, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return []domain.StatusChange{{MessageID: id, Status: domain.MessageQueued, Applied: true}}, nil
}

func (f *fakeMessages) UpdateStatus(
	_ context.Context,
	id string,
	u domain.StatusUpdate,
	_ domain.Metadata,
) (*domain.TrackedMessage, error) {
	m, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	f.updates = append(f.updates, u)
	m.Apply(u)
	return m, nil
}

func (f *fakeMessages) LogFailure(_ context.Context, id, _ string) (*domain.TrackedMessage, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return f.lookup(id)
}

func (f *fakeMessages) MarkForRetry(_ context.Context, id string, _ int) (bool, error) {
	_, err := f.lookup(id)
	return err == nil, nil
}

func (f *fakeMessages) GetPendingRetries(context.Context) ([]domain.TrackedMessage, error) {
	return []domain.TrackedMessage{f.msg}, nil
}

func (f *fakeMessages) GetBulkStatus(_ context.Context, batchID string) (*domain.BulkStatus, error) {
	return &domain.BulkStatus{BatchID: batchID, Total: 1}, nil
}

func (f *fakeMessages) GetDeliveryReport(
	_ context.Context,
	filter domain.MessageFilter,
	limit int,
) (*domain.DeliveryReport, error) {
	return &domain.DeliveryReport{
		Total:   limit,
		Metrics: domain.DeliveryMetrics{DeliveryRate: string(filter.Status)},
	}, nil
}

func (f *fakeMessages) GetStatistics(context.Context, delivery.DateRange) (*domain.MessageStatistics, error) {
	return &domain.MessageStatistics{Total: 3, FailureRate: "33.33%"}, nil
}

type memoryConsentStore struct {
	mu      sync.Mutex
	records map[string]domain.ConsentRecord
}

func (s *memoryConsentStore) Get(_ context.Context, destination string) (*domain.ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[destination]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (s *memoryConsentStore) Upsert(_ context.Context, rec *domain.ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Destination] = *rec
	return nil
}

func (s *memoryConsentStore) ListOptedOut(_ context.Context, _ int) ([]domain.ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.ConsentRecord{}
	for _, rec := range s.records {
		if rec.Status == domain.ConsentOptedOut {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memoryConsentStore) ListBlocked(_ context.Context, now time.Time) ([]domain.ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.ConsentRecord{}
	for _, rec := range s.records {
		if rec.IsBlocked(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type testEnv struct {
	server    *api.Server
	scheduler *fakeScheduler
	posts     *fakePosts
	messages  *fakeMessages
	events    *errorlog.Log
}

func newTestEnv(t *testing.T, jwtSecret string, checks map[string]api.HealthChecker) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		scheduler: &fakeScheduler{},
		posts:     &fakePosts{items: make(map[string]domain.ScheduledItem)},
		messages:  &fakeMessages{msg: domain.TrackedMessage{ID: "m1", Status: domain.MessageQueued}},
		events:    errorlog.New(100, nil, logger.NewNop()),
	}
	log := logger.NewNop()
	gate := consent.NewGate(&memoryConsentStore{records: make(map[string]domain.ConsentRecord)}, consent.Config{}, log)
	limiter := ratelimit.NewLimiter(client, ratelimit.DefaultConfig(), log)

	h := api.NewHandler(api.Dependencies{
		Scheduler:         env.scheduler,
		Posts:             env.posts,
		Messages:          env.messages,
		Consent:           gate,
		Limits:            limiter,
		Events:            env.events,
		Metrics:           http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok_metric 1\n") }),
		MessageMaxRetries: 3,
	})
	env.server = api.NewServer(api.ServerConfig{
		ServiceName:    "post-scheduler",
		ServiceVersion: "test",
		CORSOrigins:    []string{"https://app.example.com"},
		JWTSecret:      jwtSecret,
	}, h, checks, log)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, "", map[string]api.HealthChecker{
			"database": api.PingChecker(func(context.Context) error { return nil }),
		})
		rec := env.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "post-scheduler", body["service"])
	})

	t.Run("unhealthy dependency", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, "", map[string]api.HealthChecker{
			"redis": api.PingChecker(func(context.Context) error { return errors.New("connection refused") }),
		})
		rec := env.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		checks := decode(t, rec)["checks"].(map[string]any)
		assert.Equal(t, "connection refused", checks["redis"].(map[string]any)["message"])
	})
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "secret", nil)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok_metric 1")
}

func TestJWTProtection(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "secret", nil)

	sign := func(secret string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{
			Sub: "operator",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		return "Bearer " + signed
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong secret", header: sign("other"), want: http.StatusUnauthorized},
		{name: "valid token", header: sign("secret"), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			rec := env.do(t, http.MethodGet, "/api/v1/scheduler/status", "", headers...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSchedulerRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodGet, "/api/v1/scheduler/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)["status"].(map[string]any)
	assert.Equal(t, "active", status["status"])
	assert.InDelta(t, 4.0, status["scheduled"], 0.0001)

	rec = env.do(t, http.MethodPost, "/api/v1/scheduler/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode(t, rec)
	assert.InDelta(t, 2.0, summary["total_checked"], 0.0001)
	assert.Equal(t, 1, env.scheduler.runs)

	env.scheduler.statusErr = errors.New("db down")
	rec = env.do(t, http.MethodGet, "/api/v1/scheduler/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "error", decode(t, rec)["status"])
}

func TestPostRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodPost, "/api/v1/posts", `{
		"platforms": [" Facebook "],
		"account_ids": ["acc1"],
		"content": "hello",
		"created_by": "user1",
		"scheduled_for": "2026-03-10T09:00:00Z"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.Equal(t, "scheduled", created["status"])
	assert.Equal(t, []any{"facebook"}, created["platforms"])

	id := created["id"].(string)
	rec = env.do(t, http.MethodGet, "/api/v1/posts/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/posts/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/posts", `{"platforms": [], "account_ids": ["a"], "scheduled_for": "2026-03-10T09:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/posts", `{"platforms": ["  "], "account_ids": ["a"], "scheduled_for": "2026-03-10T09:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "no platforms selected")
}

func TestMessageRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodPost, "/api/v1/messages", `{"destination": "+911234567890", "channel": "whatsapp"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/messages", `{"destination": "+911234567890"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/messages/m1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/messages/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/messages/m1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1.0, decode(t, rec)["count"], 0.0001)

	rec = env.do(t, http.MethodPost, "/api/v1/messages/m1/status",
		`{"status": "delivered", "at": "2026-03-10T09:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delivered", decode(t, rec)["status"])
	require.Len(t, env.messages.updates, 1)
	delivered, isDelivered := env.messages.updates[0].(domain.Delivered)
	require.True(t, isDelivered)
	assert.True(t, delivered.At.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))

	rec = env.do(t, http.MethodPost, "/api/v1/messages/m1/status", `{"status": "bounced"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/messages/m1/status", `{"status": "queued"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/messages/m1/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["scheduled"])

	rec = env.do(t, http.MethodGet, "/api/v1/messages/retries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1.0, decode(t, rec)["count"], 0.0001)

	rec = env.do(t, http.MethodGet, "/api/v1/messages/batches/b-7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b-7", decode(t, rec)["batch_id"])

	env.messages.failErr = errors.New("db down")
	rec = env.do(t, http.MethodPost, "/api/v1/messages/m1/failure", `{"reason": "timeout"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to log message failure", decode(t, rec)["error"])
}

func TestReportRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodGet, "/api/v1/reports/delivery?status=failed&limit=25", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode(t, rec)
	assert.InDelta(t, 25.0, report["total"], 0.0001)
	assert.Equal(t, "failed", report["metrics"].(map[string]any)["delivery_rate"])

	rec = env.do(t, http.MethodGet, "/api/v1/reports/delivery?start=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/reports/statistics?start=2026-03-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "33.33%", decode(t, rec)["failure_rate"])
}

func TestLogRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "", nil)
	env.events.Record(domain.LogEntry{Operation: domain.OpPostPublish, Platform: "facebook", Status: domain.LogError, Message: "token expired"})
	env.events.Record(domain.LogEntry{Operation: domain.OpPostPublish, Platform: "facebook", Status: domain.LogSuccess, Message: "ok"})

	rec := env.do(t, http.MethodGet, "/api/v1/logs?status=error", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1.0, decode(t, rec)["count"], 0.0001)

	rec = env.do(t, http.MethodGet, "/api/v1/logs/summary?window=30m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1.0, decode(t, rec)["total_errors"], 0.0001)

	rec = env.do(t, http.MethodGet, "/api/v1/logs/summary?window=-1h", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/logs/metrics?operation=post_publish", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50.00%", decode(t, rec)["success_rate"])

	rec = env.do(t, http.MethodGet, "/api/v1/logs/report/facebook", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1.0, decode(t, rec)["total_errors"], 0.0001)
}

func TestRateLimitRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodGet, "/api/v1/rate-limits/user1/check?destination=%2B911234567890", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["allowed"])

	rec = env.do(t, http.MethodPost, "/api/v1/rate-limits/user1/pause", `{"reason": "abuse report"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/rate-limits/user1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["paused"])

	rec = env.do(t, http.MethodGet, "/api/v1/rate-limits/user1/check?destination=%2B911234567890", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["allowed"])

	rec = env.do(t, http.MethodPost, "/api/v1/rate-limits/user1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/rate-limits/user1", "")
	assert.Equal(t, false, decode(t, rec)["paused"])

	rec = env.do(t, http.MethodPost, "/api/v1/rate-limits/user1/pause", `{"resume_at": "2000-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsentRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "", nil)
	dest := "/api/v1/consent/%2B911234567890"

	rec := env.do(t, http.MethodGet, dest, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])

	rec = env.do(t, http.MethodPost, dest+"/unsubscribe", `{"keyword": " stop "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := decode(t, rec)
	assert.Equal(t, "opted_out", state["status"])
	assert.Equal(t, true, state["is_blocked"])

	rec = env.do(t, http.MethodGet, dest+"/compliance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["compliant"])

	rec = env.do(t, http.MethodGet, "/api/v1/consent/blocked", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1.0, decode(t, rec)["count"], 0.0001)

	rec = env.do(t, http.MethodGet, "/api/v1/consent/opted-out", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1.0, decode(t, rec)["count"], 0.0001)

	rec = env.do(t, http.MethodPost, dest+"/unsubscribe", `{"keyword": "PLEASE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, dest+"/opt-in", `{"lead_id": "lead-9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	state = decode(t, rec)
	assert.Equal(t, "opted_in", state["status"])
	assert.Equal(t, false, state["is_blocked"])
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodGet, "/health", "", "X-Request-ID", "upstream-123")
	assert.Equal(t, "upstream-123", rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/health", "")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 32)

	rec = env.do(t, http.MethodOptions, "/api/v1/scheduler/status", "", "Origin", "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, http.MethodGet, "/health", "", "Origin", "https://evil.example.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
