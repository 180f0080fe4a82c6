// Package platform publishes scheduled items to the platform gateway.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const (
	defaultRequestTimeout   = 15 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerOpenDelay = 30 * time.Second
	breakerHalfOpenRequests = 1
	maxErrorBody            = 512
)

// ErrNoTargets is returned when Publish is called without targets.
var ErrNoTargets = errors.New("no publish targets")

// Publisher publishes one item to a set of platform targets. Per-platform
// rejections are reported in the result; the error is reserved for failures
// of the call as a whole. Results may accompany an error.
type Publisher interface {
	Publish(ctx context.Context, item *domain.ScheduledItem, targets []domain.Target) (domain.PublishAttemptResult, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, item *domain.ScheduledItem, targets []domain.Target) (domain.PublishAttemptResult, error)

// Publish calls f.
func (f PublisherFunc) Publish(
	ctx context.Context,
	item *domain.ScheduledItem,
	targets []domain.Target,
) (domain.PublishAttemptResult, error) {
	return f(ctx, item, targets)
}

// Config configures an HTTPPublisher.
type Config struct {
	BaseURL          string
	Token            string
	RequestTimeout   time.Duration
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

type publishRequest struct {
	Platform   string   `json:"platform"`
	AccountIDs []string `json:"account_ids"`
}

type publishResponse struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// HTTPPublisher posts each target to the gateway concurrently, with one
// circuit breaker per platform.
type HTTPPublisher struct {
	cfg        Config
	httpClient *http.Client
	log        logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*publishResponse]
}

// NewHTTPPublisher creates an HTTPPublisher.
func NewHTTPPublisher(cfg Config, log logger.Logger) *HTTPPublisher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerOpenDelay <= 0 {
		cfg.BreakerOpenDelay = defaultBreakerOpenDelay
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPPublisher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		log:        log,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*publishResponse]),
	}
}

// Publish fans out one request per target and waits for all of them. A
// target cut off by ctx is reported as a failed result; the error is returned
// only when ctx ended the call before any target accepted the post.
func (p *HTTPPublisher) Publish(
	ctx context.Context,
	item *domain.ScheduledItem,
	targets []domain.Target,
) (domain.PublishAttemptResult, error) {
	if len(targets) == 0 {
		return domain.PublishAttemptResult{}, ErrNoTargets
	}

	results := make(domain.PlatformResults, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.publishTarget(ctx, item.ID, target)
		}()
	}
	wg.Wait()

	attempt := domain.PublishAttemptResult{Results: results}
	if err := ctx.Err(); err != nil && attempt.Kind() == domain.AttemptNone {
		return attempt, fmt.Errorf("publish %s: %w", item.ID, err)
	}
	return attempt, nil
}

// BreakerStates reports the state of every breaker created so far.
func (p *HTTPPublisher) BreakerStates() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make(map[string]string, len(p.breakers))
	for name, cb := range p.breakers {
		states[name] = cb.State().String()
	}
	return states
}

func (p *HTTPPublisher) publishTarget(ctx context.Context, itemID string, target domain.Target) domain.PlatformResult {
	result := domain.PlatformResult{Platform: target.Platform, AccountIDs: target.AccountIDs}

	resp, err := p.breaker(target.Platform).Execute(func() (*publishResponse, error) {
		return p.post(ctx, itemID, target)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result.Error = "circuit breaker open for " + target.Platform
		} else {
			result.Error = err.Error()
		}
		return result
	}

	result.OK = resp.OK
	result.ExternalID = resp.ExternalID
	if !resp.OK {
		result.Error = resp.Error
	}
	return result
}

// post returns an error only for transport failures and 5xx responses, so
// that platform rejections do not trip the breaker.
func (p *HTTPPublisher) post(ctx context.Context, itemID string, target domain.Target) (*publishResponse, error) {
	body, err := json.Marshal(publishRequest{Platform: target.Platform, AccountIDs: target.AccountIDs})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := p.cfg.BaseURL + "/posts/" + url.PathEscape(itemID) + "/publish"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("gateway error: status %d: %s", resp.StatusCode, truncate(string(raw)))
	}

	var out publishResponse
	if len(raw) > 0 {
		if decodeErr := json.Unmarshal(raw, &out); decodeErr != nil && resp.StatusCode < http.StatusBadRequest {
			return nil, fmt.Errorf("decode response: %w", decodeErr)
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		out.OK = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(raw)))
		}
	}
	return &out, nil
}

func (p *HTTPPublisher) breaker(platform string) *gobreaker.CircuitBreaker[*publishResponse] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[platform]; ok {
		return cb
	}
	threshold := p.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[*publishResponse](gobreaker.Settings{
		Name:        "platform:" + platform,
		MaxRequests: breakerHalfOpenRequests,
		Timeout:     p.cfg.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn("Platform circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
	p.breakers[platform] = cb
	return cb
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody]
}
