// Package telemetry provides Prometheus metrics and OpenTelemetry tracing for
// the post-scheduler.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "post-scheduler"

// Outcome labels for processed items.
const (
	OutcomePublished     = "published"
	OutcomeFailed        = "failed"
	OutcomeRetrying      = "retrying"
	OutcomeDenied        = "denied"
	OutcomeConfiguration = "configuration"
	OutcomeInfra         = "infrastructure"
	OutcomeDeferred      = "deferred"
)

// Metrics holds all post-scheduler Prometheus metrics
type Metrics struct {
	// Cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	ItemsClaimed  prometheus.Counter

	// Item metrics
	ItemOutcomes    *prometheus.CounterVec
	PlatformResults *prometheus.CounterVec
	PublishDuration prometheus.Histogram

	// Periodic task metrics
	WindowsReset    prometheus.Counter
	RetriesRequeued prometheus.Counter
	MessagesPurged  prometheus.Counter
	RateWarnings    prometheus.Counter
}

// Provider wraps telemetry providers
type Provider struct {
	Tracer   trace.Tracer
	Metrics  *Metrics
	registry *prometheus.Registry
}

// NewProvider registers the metrics on reg. A nil reg gets a fresh registry
// with the Go and process collectors.
func NewProvider(reg *prometheus.Registry) *Provider {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Provider{
		Tracer:   otel.Tracer(serviceName),
		Metrics:  initMetrics(promauto.With(reg)),
		registry: reg,
	}
}

// Registry returns the registry the metrics live in.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func initMetrics(f promauto.Factory) *Metrics {
	m := &Metrics{}
	initCycleMetrics(f, m)
	initItemMetrics(f, m)
	initTaskMetrics(f, m)
	return m
}

func initCycleMetrics(f promauto.Factory, m *Metrics) {
	m.CyclesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "post_scheduler_cycles_total",
		Help: "Total publish cycles by result",
	}, []string{"result"})

	m.CycleDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "post_scheduler_cycle_duration_seconds",
		Help:    "Wall time of a publish cycle",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	m.ItemsClaimed = f.NewCounter(prometheus.CounterOpts{
		Name: "post_scheduler_items_claimed_total",
		Help: "Total due items claimed by publish cycles",
	})
}

func initItemMetrics(f promauto.Factory, m *Metrics) {
	m.ItemOutcomes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "post_scheduler_item_outcomes_total",
		Help: "Processed items by outcome",
	}, []string{"outcome"})

	m.PlatformResults = f.NewCounterVec(prometheus.CounterOpts{
		Name: "post_scheduler_platform_results_total",
		Help: "Per-platform publish results",
	}, []string{"platform", "result"})

	m.PublishDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "post_scheduler_publish_duration_seconds",
		Help:    "Time spent in the platform publish call for one item",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	})
}

func initTaskMetrics(f promauto.Factory, m *Metrics) {
	m.WindowsReset = f.NewCounter(prometheus.CounterOpts{
		Name: "post_scheduler_rate_windows_reset_total",
		Help: "Rate windows zeroed by the reset sweep",
	})

	m.RetriesRequeued = f.NewCounter(prometheus.CounterOpts{
		Name: "post_scheduler_messages_requeued_total",
		Help: "Tracked messages re-queued by the retry sweep",
	})

	m.MessagesPurged = f.NewCounter(prometheus.CounterOpts{
		Name: "post_scheduler_messages_purged_total",
		Help: "Tracked messages removed by retention purges",
	})

	m.RateWarnings = f.NewCounter(prometheus.CounterOpts{
		Name: "post_scheduler_rate_warnings_total",
		Help: "Rate window warning thresholds crossed",
	})
}

// RecordCycle records one publish cycle.
func (p *Provider) RecordCycle(_ context.Context, claimed int, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.Metrics.CyclesTotal.WithLabelValues(result).Inc()
	p.Metrics.CycleDuration.Observe(duration.Seconds())
	p.Metrics.ItemsClaimed.Add(float64(claimed))
}

// RecordItemOutcome counts a processed item.
func (p *Provider) RecordItemOutcome(_ context.Context, outcome string) {
	p.Metrics.ItemOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPlatformResult counts one platform result.
func (p *Provider) RecordPlatformResult(_ context.Context, platform string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.Metrics.PlatformResults.WithLabelValues(platform, result).Inc()
}

// RecordPublishDuration observes the platform call time of one item.
func (p *Provider) RecordPublishDuration(_ context.Context, d time.Duration) {
	p.Metrics.PublishDuration.Observe(d.Seconds())
}

// RecordWindowsReset counts windows zeroed by a reset sweep.
func (p *Provider) RecordWindowsReset(n int) {
	p.Metrics.WindowsReset.Add(float64(n))
}

// RecordRetriesRequeued counts messages re-queued by a retry sweep.
func (p *Provider) RecordRetriesRequeued(n int) {
	p.Metrics.RetriesRequeued.Add(float64(n))
}

// RecordMessagesPurged counts messages deleted by a purge.
func (p *Provider) RecordMessagesPurged(n int64) {
	p.Metrics.MessagesPurged.Add(float64(n))
}

// RecordRateWarning counts a crossed warning threshold.
func (p *Provider) RecordRateWarning() {
	p.Metrics.RateWarnings.Inc()
}

// StartSpan starts a new trace span.
// The caller is responsible for ending the span with span.End().
//
//nolint:spancheck // Caller is responsible for ending the span
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := p.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span
}
