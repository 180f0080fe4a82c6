package errorlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const (
	defaultSinkTimeout = 5 * time.Second
	defaultSinkRate    = 5.0
	defaultSinkBurst   = 10
	defaultSinkQueue   = 256
	unknownDeployment  = "unknown"
)

// SinkConfig configures an HTTPSink.
type SinkConfig struct {
	URL         string
	Environment string
	Deployment  string
	Timeout     time.Duration
	Rate        float64
	Burst       int
	QueueSize   int
}

type sinkPayload struct {
	domain.LogEntry
	Environment string `json:"environment"`
	Deployment  string `json:"deployment"`
}

// HTTPSink forwards entries to a monitoring webhook from a single
// background worker. Entries are dropped when the queue is full and
// delivery failures are only logged at debug level.
type HTTPSink struct {
	cfg        SinkConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	queue      chan domain.LogEntry
	log        logger.Logger

	dropped atomic.Int64
	sent    atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewHTTPSink creates a sink. Call Start before recording entries.
func NewHTTPSink(cfg SinkConfig, log logger.Logger) *HTTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSinkTimeout
	}
	if cfg.Rate <= 0 {
		cfg.Rate = defaultSinkRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultSinkBurst
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultSinkQueue
	}
	if cfg.Deployment == "" {
		cfg.Deployment = unknownDeployment
	}
	return &HTTPSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		queue:      make(chan domain.LogEntry, cfg.QueueSize),
		log:        log,
	}
}

// Send enqueues entry without blocking.
func (s *HTTPSink) Send(entry domain.LogEntry) {
	select {
	case s.queue <- entry:
	default:
		s.dropped.Add(1)
	}
}

// Start launches the delivery worker.
func (s *HTTPSink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop halts the worker. Queued entries are discarded.
func (s *HTTPSink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Dropped returns how many entries were discarded because the queue was full.
func (s *HTTPSink) Dropped() int64 {
	return s.dropped.Load()
}

// Sent returns how many entries were accepted by the webhook.
func (s *HTTPSink) Sent() int64 {
	return s.sent.Load()
}

func (s *HTTPSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.post(ctx, entry); err != nil {
				s.log.Debug("Failed to forward log entry",
					logger.String("operation", string(entry.Operation)),
					logger.Error(err),
				)
				continue
			}
			s.sent.Add(1)
		}
	}
}

func (s *HTTPSink) post(ctx context.Context, entry domain.LogEntry) error {
	body, err := json.Marshal(sinkPayload{
		LogEntry:    entry,
		Environment: s.cfg.Environment,
		Deployment:  s.cfg.Deployment,
	})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("monitoring webhook error: status %d", resp.StatusCode)
	}
	return nil
}
