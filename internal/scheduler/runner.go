package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/telemetry"
)

const (
	defaultSchedule   = "@every 1m"
	defaultJobTimeout = 5 * time.Minute

	jobPublish    = "publish"
	jobReset      = "rate_reset"
	jobRetrySweep = "retry_sweep"
	jobPurge      = "purge"
)

// Standard 5-field expressions plus descriptors such as "@every 1m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression the way the runner does.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// CycleRunner runs one publish cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleSummary, error)
}

// WindowResetter zeroes expired rate windows.
type WindowResetter interface {
	AutoResetExpiredLimits(ctx context.Context) (int, error)
}

// MessageMaintainer re-queues failed messages and purges finished ones.
type MessageMaintainer interface {
	RetrySweep(ctx context.Context, maxRetries int) (int, error)
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// RunnerConfig configures the job schedules.
type RunnerConfig struct {
	CycleSchedule      string
	ResetSchedule      string
	RetrySweepSchedule string
	PurgeSchedule      string
	// Retention enables the purge job when positive.
	Retention         time.Duration
	MessageMaxRetries int
	JobTimeout        time.Duration
}

type jobStats struct {
	Runs      int64     `json:"runs"`
	LastRunAt time.Time `json:"last_run_at"`
	LastError string    `json:"last_error,omitempty"`
	NextRunAt time.Time `json:"next_run_at"`
}

// Runner triggers the publish cycle and the maintenance jobs on their cron
// schedules. A job never overlaps with a previous run of itself.
type Runner struct {
	cycle    CycleRunner
	resetter WindowResetter
	messages MessageMaintainer
	tp       *telemetry.Provider
	log      logger.Logger
	cfg      RunnerConfig

	cron    *cron.Cron
	entries map[string]cron.EntryID

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	stats       map[string]*jobStats
	lastSummary *CycleSummary
}

// NewRunner creates a Runner. resetter and messages may be nil, in which case
// the corresponding jobs are not scheduled.
func NewRunner(
	cycle CycleRunner,
	resetter WindowResetter,
	messages MessageMaintainer,
	tp *telemetry.Provider,
	cfg RunnerConfig,
	log logger.Logger,
) *Runner {
	if cfg.CycleSchedule == "" {
		cfg.CycleSchedule = defaultSchedule
	}
	if cfg.ResetSchedule == "" {
		cfg.ResetSchedule = defaultSchedule
	}
	if cfg.RetrySweepSchedule == "" {
		cfg.RetrySweepSchedule = defaultSchedule
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = "@daily"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if tp == nil {
		tp = telemetry.NewProvider(nil)
	}

	cl := cronLogger{log: log}
	return &Runner{
		cycle:    cycle,
		resetter: resetter,
		messages: messages,
		tp:       tp,
		log:      log,
		cfg:      cfg,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]cron.EntryID),
		stats:   make(map[string]*jobStats),
	}
}

// Start registers the jobs and starts the cron scheduler. Jobs run with a
// context derived from ctx.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	for name, spec := range r.schedules() {
		id, err := r.cron.AddFunc(spec, func() { r.runJob(jobCtx, name) })
		if err != nil {
			cancel()
			for _, added := range r.entries {
				r.cron.Remove(added)
			}
			clear(r.entries)
			return fmt.Errorf("schedule %s job: %w", name, err)
		}
		r.entries[name] = id
		r.stats[name] = &jobStats{}
		r.log.Info("Scheduled job",
			logger.String("job", name),
			logger.String("schedule", spec),
		)
	}

	r.cancel = cancel
	r.started = true
	r.cron.Start()
	r.log.Info("Scheduler runner started", logger.Int("jobs", len(r.entries)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	cronCtx := r.cron.Stop()
	<-cronCtx.Done()

	r.mu.Lock()
	for _, id := range r.entries {
		r.cron.Remove(id)
	}
	clear(r.entries)
	r.mu.Unlock()
	r.log.Info("Scheduler runner stopped")
}

// IsRunning reports whether the runner has been started and not stopped.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Stats returns per-job counters and the last cycle summary.
func (r *Runner) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make(map[string]jobStats, len(r.stats))
	for name, s := range r.stats {
		snapshot := *s
		if id, ok := r.entries[name]; ok && r.started {
			snapshot.NextRunAt = r.cron.Entry(id).Next
		}
		jobs[name] = snapshot
	}
	return map[string]any{
		"running":      r.started,
		"jobs":         jobs,
		"last_summary": r.lastSummary,
	}
}

// RunAll runs every configured job once, in order, and returns the first
// error. It backs the run-once command for deployments using an external
// trigger.
func (r *Runner) RunAll(ctx context.Context) (*CycleSummary, error) {
	var firstErr error
	for _, name := range []string{jobReset, jobPublish, jobRetrySweep, jobPurge} {
		if !r.enabled(name) {
			continue
		}
		if err := r.execute(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSummary, firstErr
}

func (r *Runner) schedules() map[string]string {
	out := make(map[string]string, 4)
	for name, spec := range map[string]string{
		jobPublish:    r.cfg.CycleSchedule,
		jobReset:      r.cfg.ResetSchedule,
		jobRetrySweep: r.cfg.RetrySweepSchedule,
		jobPurge:      r.cfg.PurgeSchedule,
	} {
		if r.enabled(name) {
			out[name] = spec
		}
	}
	return out
}

func (r *Runner) enabled(name string) bool {
	switch name {
	case jobPublish:
		return r.cycle != nil
	case jobReset:
		return r.resetter != nil
	case jobRetrySweep:
		return r.messages != nil
	case jobPurge:
		return r.messages != nil && r.cfg.Retention > 0
	default:
		return false
	}
}

func (r *Runner) runJob(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}
	if err := r.execute(ctx, name); err != nil {
		r.log.Error("Scheduled job failed", logger.String("job", name), logger.Error(err))
	}
}

func (r *Runner) execute(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	var (
		err     error
		summary *CycleSummary
	)
	switch name {
	case jobPublish:
		summary, err = r.cycle.RunCycle(ctx)
	case jobReset:
		var n int
		if n, err = r.resetter.AutoResetExpiredLimits(ctx); err == nil && n > 0 {
			r.tp.RecordWindowsReset(n)
			r.log.Info("Reset expired rate windows", logger.Int("count", n))
		}
	case jobRetrySweep:
		var n int
		if n, err = r.messages.RetrySweep(ctx, r.cfg.MessageMaxRetries); err == nil && n > 0 {
			r.tp.RecordRetriesRequeued(n)
		}
	case jobPurge:
		var n int64
		if n, err = r.messages.PurgeOlderThan(ctx, r.cfg.Retention); err == nil && n > 0 {
			r.tp.RecordMessagesPurged(n)
			r.log.Info("Purged finished messages", logger.Int64("count", n))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		s = &jobStats{}
		r.stats[name] = s
	}
	s.Runs++
	s.LastRunAt = time.Now()
	s.LastError = ""
	if err != nil {
		s.LastError = err.Error()
		return fmt.Errorf("%s: %w", name, err)
	}
	if summary != nil {
		r.lastSummary = summary
	}
	return nil
}

// cronLogger routes cron's own logging through the service logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug("cron: "+msg, logger.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error("cron: "+msg, logger.Error(err), logger.Any("details", keysAndValues))
}
