// Package consent decides whether a destination may be messaged and records
// opt-in, opt-out and unsubscribe events.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

const (
	defaultOptOutBlock    = 365 * 24 * time.Hour
	defaultKeywordBlock   = 30 * 24 * time.Hour
	defaultOptOutReason   = "User requested"
	defaultConsentMethod  = "manual"
	defaultOptedOutLimit  = 1000
	reasonNotCompliant    = "destination has opted out or is temporarily blocked"
	reasonComplianceCheck = "compliance check failed"
)

// Keywords recognized by HandleUnsubscribeKeyword.
var unsubscribeKeywords = map[string]struct{}{
	"STOP":        {},
	"UNSUBSCRIBE": {},
	"OPTOUT":      {},
}

// Store persists consent records.
type Store interface {
	Get(ctx context.Context, destination string) (*domain.ConsentRecord, error)
	Upsert(ctx context.Context, rec *domain.ConsentRecord) error
	ListOptedOut(ctx context.Context, limit int) ([]domain.ConsentRecord, error)
	ListBlocked(ctx context.Context, now time.Time) ([]domain.ConsentRecord, error)
}

// Config holds block durations.
type Config struct {
	OptOutBlock  time.Duration
	KeywordBlock time.Duration
}

// State is the consent status of a destination as seen at lookup time.
type State struct {
	Destination string                `json:"destination"`
	Status      domain.ConsentStatus  `json:"status"`
	IsBlocked   bool                  `json:"is_blocked"`
	Record      *domain.ConsentRecord `json:"record,omitempty"`
}

// Gate owns consent records.
type Gate struct {
	store Store
	cfg   Config
	now   func() time.Time
	log   logger.Logger
}

// NewGate creates a Gate. Zero block durations fall back to one year for
// opt-outs and thirty days for keywords.
func NewGate(store Store, cfg Config, log logger.Logger) *Gate {
	if cfg.OptOutBlock <= 0 {
		cfg.OptOutBlock = defaultOptOutBlock
	}
	if cfg.KeywordBlock <= 0 {
		cfg.KeywordBlock = defaultKeywordBlock
	}
	return &Gate{store: store, cfg: cfg, now: time.Now, log: log}
}

// SetClock overrides the time source.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Status returns the consent state of destination. A destination without a
// record is pending.
func (g *Gate) Status(ctx context.Context, destination string) (*State, error) {
	rec, err := g.lookup(ctx, destination)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &State{Destination: destination, Status: domain.ConsentPending}, nil
	}
	return &State{
		Destination: destination,
		Status:      rec.Status,
		IsBlocked:   rec.IsBlocked(g.now()),
		Record:      rec,
	}, nil
}

// CanSend reports whether destination may be messaged now.
func (g *Gate) CanSend(ctx context.Context, destination string) (bool, error) {
	rec, err := g.lookup(ctx, destination)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}
	return rec.AllowsSend(g.now()), nil
}

// OptIn records explicit consent and lifts any block.
func (g *Gate) OptIn(ctx context.Context, destination, leadID, method string) error {
	rec, err := g.loadOrNew(ctx, destination)
	if err != nil {
		return err
	}
	if method == "" {
		method = defaultConsentMethod
	}
	now := g.now()
	rec.Status = domain.ConsentOptedIn
	rec.BlockedUntil = nil
	rec.ConsentAt = &now
	rec.ConsentMethod = &method
	if leadID != "" {
		rec.LeadID = &leadID
	}
	return g.save(ctx, rec, "Destination opted in")
}

// OptOut records an opt-out and blocks the destination for OptOutBlock.
func (g *Gate) OptOut(ctx context.Context, destination, reason string) error {
	rec, err := g.loadOrNew(ctx, destination)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = defaultOptOutReason
	}
	now := g.now()
	blockedUntil := now.Add(g.cfg.OptOutBlock)
	rec.Status = domain.ConsentOptedOut
	rec.OptOutReason = &reason
	rec.OptOutAt = &now
	rec.BlockedUntil = &blockedUntil
	return g.save(ctx, rec, "Destination opted out")
}

// HandleUnsubscribeKeyword opts destination out for KeywordBlock when keyword
// is STOP, UNSUBSCRIBE or OPTOUT in any case.
func (g *Gate) HandleUnsubscribeKeyword(ctx context.Context, destination, keyword string) error {
	normalized := strings.ToUpper(strings.TrimSpace(keyword))
	if _, ok := unsubscribeKeywords[normalized]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownKeyword, keyword)
	}
	rec, err := g.loadOrNew(ctx, destination)
	if err != nil {
		return err
	}
	now := g.now()
	blockedUntil := now.Add(g.cfg.KeywordBlock)
	rec.Status = domain.ConsentOptedOut
	rec.OptOutKeyword = &normalized
	rec.OptOutAt = &now
	rec.BlockedUntil = &blockedUntil
	return g.save(ctx, rec, "Unsubscribe keyword received")
}

// ReConsent clears the block and resets the destination to pending.
func (g *Gate) ReConsent(ctx context.Context, destination string) error {
	rec, err := g.loadOrNew(ctx, destination)
	if err != nil {
		return err
	}
	rec.Status = domain.ConsentPending
	rec.BlockedUntil = nil
	return g.save(ctx, rec, "Destination re-consented")
}

// ListOptedOut returns opted-out records. A non-positive limit uses 1000.
func (g *Gate) ListOptedOut(ctx context.Context, limit int) ([]domain.ConsentRecord, error) {
	if limit <= 0 {
		limit = defaultOptedOutLimit
	}
	return g.store.ListOptedOut(ctx, limit)
}

// ListBlocked returns records whose block is still active.
func (g *Gate) ListBlocked(ctx context.Context) ([]domain.ConsentRecord, error) {
	return g.store.ListBlocked(ctx, g.now())
}

// ValidateCompliance reports whether destination may be messaged. Lookup
// failures are reported as non-compliant rather than returned.
func (g *Gate) ValidateCompliance(ctx context.Context, destination string) domain.Compliance {
	result := domain.Compliance{Destination: destination}
	state, err := g.Status(ctx, destination)
	if err != nil {
		g.log.Warn("Consent compliance check failed",
			logger.String("destination", destination),
			logger.Error(err),
		)
		result.Reason = reasonComplianceCheck
		return result
	}
	result.Status = state.Status
	result.Compliant = state.Record == nil || state.Record.AllowsSend(g.now())
	if !result.Compliant {
		result.Reason = reasonNotCompliant
	}
	return result
}

// lookup returns nil without error when destination has no record.
func (g *Gate) lookup(ctx context.Context, destination string) (*domain.ConsentRecord, error) {
	if destination == "" {
		return nil, domain.ErrEmptyDestination
	}
	rec, err := g.store.Get(ctx, destination)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load consent for %s: %w", destination, err)
	}
	return rec, nil
}

func (g *Gate) loadOrNew(ctx context.Context, destination string) (*domain.ConsentRecord, error) {
	rec, err := g.lookup(ctx, destination)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &domain.ConsentRecord{Destination: destination, Status: domain.ConsentPending}
	}
	return rec, nil
}

func (g *Gate) save(ctx context.Context, rec *domain.ConsentRecord, msg string) error {
	rec.UpdatedAt = g.now()
	if err := g.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("save consent for %s: %w", rec.Destination, err)
	}
	g.log.Info(msg,
		logger.String("destination", rec.Destination),
		logger.String("status", string(rec.Status)),
	)
	return nil
}
