// Package errorlog keeps a bounded in-memory record of publishing operations
// and derives summaries and debugging reports from it.
package errorlog

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const (
	// DefaultCapacity is the number of entries kept when none is configured.
	DefaultCapacity = 1000

	defaultRecentLimit  = 50
	recentErrorsShown   = 5
	errorPatternLength  = 50
	defaultSummaryRange = time.Hour
)

// Sink receives every recorded entry. Implementations must not block.
type Sink interface {
	Send(entry domain.LogEntry)
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	Operation domain.Operation
	Platform  string
	Status    domain.LogStatus
}

func (f Filter) matches(e *domain.LogEntry) bool {
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.Platform != "" && e.Platform != f.Platform {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Summary groups recent errors.
type Summary struct {
	TotalErrors  int               `json:"total_errors"`
	Window       string            `json:"time_window"`
	ByPlatform   map[string]int    `json:"by_platform"`
	ByOperation  map[string]int    `json:"by_operation"`
	RecentErrors []domain.LogEntry `json:"recent_errors"`
}

// Metrics counts outcomes for an operation.
type Metrics struct {
	Operation   domain.Operation `json:"operation,omitempty"`
	Total       int              `json:"total"`
	Successful  int              `json:"successful"`
	Failed      int              `json:"failed"`
	Warnings    int              `json:"warnings"`
	Retries     int              `json:"retries"`
	SuccessRate string           `json:"success_rate"`
}

// Report describes the errors of one platform account for debugging.
type Report struct {
	Platform        string         `json:"platform"`
	AccountID       string         `json:"account_id,omitempty"`
	TotalErrors     int            `json:"total_errors"`
	ErrorPatterns   map[string]int `json:"error_patterns"`
	RecentErrors    []string       `json:"recent_errors"`
	FirstError      *time.Time     `json:"first_error,omitempty"`
	LastError       *time.Time     `json:"last_error,omitempty"`
	Recommendations []string       `json:"recommendations"`
}

// Log is a fixed-capacity ring of entries, oldest evicted first.
type Log struct {
	mu      sync.RWMutex
	entries []domain.LogEntry
	head    int
	size    int
	sink    Sink
	log     logger.Logger
	now     func() time.Time
}

// New creates a Log holding up to capacity entries. sink may be nil.
func New(capacity int, sink Sink, log logger.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries: make([]domain.LogEntry, capacity),
		sink:    sink,
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Record stamps and stores entry, mirrors it to the service logger and
// forwards it to the sink. It never panics: a failing logger or sink loses
// the copy it was handed, never the stored entry.
func (l *Log) Record(entry domain.LogEntry) {
	l.mu.Lock()
	entry.Timestamp = l.now()
	capacity := len(l.entries)
	l.entries[(l.head+l.size)%capacity] = entry
	if l.size < capacity {
		l.size++
	} else {
		l.head = (l.head + 1) % capacity
	}
	l.mu.Unlock()

	contain(func() { l.mirror(&entry) })
	if l.sink != nil {
		contain(func() { l.sink.Send(entry) })
	}
}

func contain(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Recent returns up to limit entries matching f, newest first.
func (l *Log) Recent(limit int, f Filter) []domain.LogEntry {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.LogEntry, 0, min(limit, l.size))
	for i := l.size - 1; i >= 0 && len(out) < limit; i-- {
		e := l.at(i)
		if f.matches(e) {
			out = append(out, *e)
		}
	}
	return out
}

// ErrorSummary groups error entries recorded within the trailing window.
func (l *Log) ErrorSummary(window time.Duration) Summary {
	if window <= 0 {
		window = defaultSummaryRange
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := l.now().Add(-window)
	summary := Summary{
		Window:       window.String(),
		ByPlatform:   map[string]int{},
		ByOperation:  map[string]int{},
		RecentErrors: []domain.LogEntry{},
	}
	var errs []domain.LogEntry
	for i := range l.size {
		e := l.at(i)
		if e.Status != domain.LogError || e.Timestamp.Before(cutoff) {
			continue
		}
		errs = append(errs, *e)
		summary.ByPlatform[e.Platform]++
		summary.ByOperation[string(e.Operation)]++
	}
	summary.TotalErrors = len(errs)
	summary.RecentErrors = append(summary.RecentErrors, lastN(errs, recentErrorsShown)...)
	return summary
}

// OperationMetrics counts outcomes for op, or for every entry when op is empty.
func (l *Log) OperationMetrics(op domain.Operation) Metrics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m := Metrics{Operation: op}
	for i := range l.size {
		e := l.at(i)
		if op != "" && e.Operation != op {
			continue
		}
		m.Total++
		switch e.Status {
		case domain.LogSuccess:
			m.Successful++
		case domain.LogError:
			m.Failed++
		case domain.LogWarning:
			m.Warnings++
		case domain.LogRetry:
			m.Retries++
		}
	}
	m.SuccessRate = domain.FormatPercent(m.Successful, m.Total)
	return m
}

// ErrorReport collects the errors of platform, optionally narrowed to one
// account, with recommendations derived from their raw messages.
func (l *Log) ErrorReport(platform, accountID string) Report {
	l.mu.RLock()
	defer l.mu.RUnlock()

	report := Report{
		Platform:      platform,
		AccountID:     accountID,
		ErrorPatterns: map[string]int{},
		RecentErrors:  []string{},
	}
	var lines []string
	for i := range l.size {
		e := l.at(i)
		if e.Status != domain.LogError || e.Platform != platform {
			continue
		}
		if accountID != "" && e.AccountID != accountID {
			continue
		}
		report.TotalErrors++
		if e.RawError != "" {
			report.ErrorPatterns[truncate(e.RawError, errorPatternLength)]++
		}
		lines = append(lines, e.Timestamp.UTC().Format(time.RFC3339)+": "+e.Message)
		ts := e.Timestamp
		if report.FirstError == nil {
			report.FirstError = &ts
		}
		report.LastError = &ts
	}
	report.RecentErrors = append(report.RecentErrors, lastN(lines, recentErrorsShown)...)
	report.Recommendations = recommendations(platform, report.ErrorPatterns)
	return report
}

// ClearOlderThan drops entries recorded more than age ago and returns how
// many were dropped.
func (l *Log) ClearOlderThan(age time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-age)
	dropped := 0
	for l.size > 0 && l.entries[l.head].Timestamp.Before(cutoff) {
		l.entries[l.head] = domain.LogEntry{}
		l.head = (l.head + 1) % len(l.entries)
		l.size--
		dropped++
	}
	return dropped
}

// at returns the i-th oldest entry. Callers hold the lock.
func (l *Log) at(i int) *domain.LogEntry {
	return &l.entries[(l.head+i)%len(l.entries)]
}

func (l *Log) mirror(e *domain.LogEntry) {
	fields := []logger.Field{
		logger.String("operation", string(e.Operation)),
		logger.String("status", string(e.Status)),
	}
	if e.Platform != "" {
		fields = append(fields, logger.String("platform", e.Platform))
	}
	if e.AccountID != "" {
		fields = append(fields, logger.String("account_id", e.AccountID))
	}
	if e.RawError != "" {
		fields = append(fields, logger.String("raw_error", e.RawError))
	}

	switch e.Status {
	case domain.LogError:
		l.log.Error(e.Message, fields...)
	case domain.LogWarning, domain.LogRetry:
		l.log.Warn(e.Message, fields...)
	case domain.LogSuccess:
		l.log.Debug(e.Message, fields...)
	default:
		l.log.Info(e.Message, fields...)
	}
}

func recommendations(platform string, patterns map[string]int) []string {
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	joined := strings.ToLower(strings.Join(keys, " "))

	var out []string
	if strings.Contains(joined, "token") || strings.Contains(joined, "unauthorized") {
		out = append(out, "Reconnect "+platform+" account - token may be expired")
	}
	if strings.Contains(joined, "permission") || strings.Contains(joined, "scope") {
		out = append(out, "Request additional permissions for "+platform+" app")
	}
	if strings.Contains(joined, "rate") || strings.Contains(joined, "quota") {
		out = append(out, platform+" rate limit reached - implement backoff retry logic")
	}
	if strings.Contains(joined, "invalid") {
		out = append(out, "Verify "+platform+" account ID and credentials are correct")
	}
	if len(out) == 0 {
		out = append(out, "Check "+platform+" API status and network connectivity")
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func lastN[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
