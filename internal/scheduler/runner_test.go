package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/scheduler"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/telemetry"
)

type countingCycle struct {
	runs atomic.Int32
	err  error
}

func (c *countingCycle) RunCycle(context.Context) (*scheduler.CycleSummary, error) {
	n := c.runs.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &scheduler.CycleSummary{TotalChecked: int(n), Published: int(n)}, nil
}

type countingResetter struct {
	runs atomic.Int32
}

func (r *countingResetter) AutoResetExpiredLimits(context.Context) (int, error) {
	r.runs.Add(1)
	return 2, nil
}

type countingMessages struct {
	sweeps     atomic.Int32
	purges     atomic.Int32
	maxRetries atomic.Int32
	purgeAge   atomic.Int64
}

func (m *countingMessages) RetrySweep(_ context.Context, maxRetries int) (int, error) {
	m.sweeps.Add(1)
	m.maxRetries.Store(int32(maxRetries))
	return 1, nil
}

func (m *countingMessages) PurgeOlderThan(_ context.Context, age time.Duration) (int64, error) {
	m.purges.Add(1)
	m.purgeAge.Store(int64(age))
	return 5, nil
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "descriptor", expr: "@every 1m"},
		{name: "daily", expr: "@daily"},
		{name: "five fields", expr: "*/5 * * * *"},
		{name: "garbage", expr: "every minute", wantErr: true},
		{name: "six fields", expr: "0 */5 * * * *", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := scheduler.ParseSchedule(tt.expr)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRunner_RunAll(t *testing.T) {
	t.Parallel()

	cycle := &countingCycle{}
	resetter := &countingResetter{}
	messages := &countingMessages{}
	tp := telemetry.NewProvider(prometheus.NewRegistry())

	r := scheduler.NewRunner(cycle, resetter, messages, tp, scheduler.RunnerConfig{
		Retention:         30 * 24 * time.Hour,
		MessageMaxRetries: 4,
	}, logger.NewNop())

	summary, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Published)

	assert.Equal(t, int32(1), cycle.runs.Load())
	assert.Equal(t, int32(1), resetter.runs.Load())
	assert.Equal(t, int32(1), messages.sweeps.Load())
	assert.Equal(t, int32(4), messages.maxRetries.Load())
	assert.Equal(t, int32(1), messages.purges.Load())
	assert.Equal(t, int64(30*24*time.Hour), messages.purgeAge.Load())

	assert.InDelta(t, 2.0, testutil.ToFloat64(tp.Metrics.WindowsReset), 0.0001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(tp.Metrics.RetriesRequeued), 0.0001)
	assert.InDelta(t, 5.0, testutil.ToFloat64(tp.Metrics.MessagesPurged), 0.0001)
}

type deadlineCycle struct {
	remaining time.Duration
	ok        bool
}

func (c *deadlineCycle) RunCycle(ctx context.Context) (*scheduler.CycleSummary, error) {
	var deadline time.Time
	deadline, c.ok = ctx.Deadline()
	c.remaining = time.Until(deadline)
	return &scheduler.CycleSummary{}, nil
}

func TestRunner_RunAll_UsesJobTimeout(t *testing.T) {
	t.Parallel()

	cycle := &deadlineCycle{}
	r := scheduler.NewRunner(cycle, nil, nil, nil, scheduler.RunnerConfig{JobTimeout: 90 * time.Second}, logger.NewNop())

	_, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.True(t, cycle.ok)
	assert.LessOrEqual(t, cycle.remaining, 90*time.Second)
	assert.Greater(t, cycle.remaining, 80*time.Second)
}

func TestRunner_RunAll_PurgeDisabledWithoutRetention(t *testing.T) {
	t.Parallel()

	messages := &countingMessages{}
	r := scheduler.NewRunner(&countingCycle{}, nil, messages, nil, scheduler.RunnerConfig{}, logger.NewNop())

	_, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), messages.sweeps.Load())
	assert.Zero(t, messages.purges.Load())
}

func TestRunner_RunAll_ReportsCycleError(t *testing.T) {
	t.Parallel()

	cycle := &countingCycle{err: errors.New("db down")}
	resetter := &countingResetter{}
	r := scheduler.NewRunner(cycle, resetter, nil, nil, scheduler.RunnerConfig{}, logger.NewNop())

	_, err := r.RunAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish: db down")
	assert.Equal(t, int32(1), resetter.runs.Load())

	assert.Nil(t, r.Stats()["last_summary"])
}

func TestRunner_StartStop(t *testing.T) {
	t.Parallel()

	cycle := &countingCycle{}
	r := scheduler.NewRunner(cycle, nil, nil, nil, scheduler.RunnerConfig{
		CycleSchedule: "@every 1s",
	}, logger.NewNop())

	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.IsRunning())
	require.NoError(t, r.Start(context.Background()), "second start is a no-op")

	require.Eventually(t, func() bool { return cycle.runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	stats := r.Stats()
	assert.Equal(t, true, stats["running"])

	r.Stop()
	assert.False(t, r.IsRunning())
	r.Stop()
}

func TestRunner_StartRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()

	r := scheduler.NewRunner(&countingCycle{}, &countingResetter{}, nil, nil, scheduler.RunnerConfig{
		ResetSchedule: "not a schedule",
	}, logger.NewNop())

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_reset")
	assert.False(t, r.IsRunning())
}
