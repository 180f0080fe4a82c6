package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultMaxRetries is the publish attempt ceiling for scheduled items.
const DefaultMaxRetries = 3

// ItemStatus is the lifecycle state of a scheduled item.
type ItemStatus string

const (
	ItemStatusDraft     ItemStatus = "draft"
	ItemStatusScheduled ItemStatus = "scheduled"
	ItemStatusPublished ItemStatus = "published"
	ItemStatusFailed    ItemStatus = "failed"
)

// IsDue reports whether items in this status are eligible for publishing.
func (s ItemStatus) IsDue() bool {
	return s == ItemStatusDraft || s == ItemStatusScheduled
}

// ScheduledItem is a post queued for publication to one or more platforms.
type ScheduledItem struct {
	ID                 string          `db:"id"                  json:"id"`
	Platforms          []string        `db:"platforms"           json:"platforms"`
	AccountIDs         []string        `db:"account_ids"         json:"account_ids"`
	Content            string          `db:"content"             json:"content"`
	CreatedBy          string          `db:"created_by"          json:"created_by"`
	ScheduledFor       time.Time       `db:"scheduled_for"       json:"scheduled_for"`
	Status             ItemStatus      `db:"status"              json:"status"`
	PublishAttempts    int             `db:"publish_attempts"    json:"publish_attempts"`
	FailureReason      *string         `db:"failure_reason"      json:"failure_reason,omitempty"`
	PublishedAt        *time.Time      `db:"published_at"        json:"published_at,omitempty"`
	PublishedPlatforms []string        `db:"published_platforms" json:"published_platforms"`
	LastResults        PlatformResults `db:"last_results"        json:"last_results"`
	ClaimedUntil       *time.Time      `db:"claimed_until"       json:"-"`
	CreatedAt          time.Time       `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"          json:"updated_at"`
}

// Validate reports configuration problems that no retry can fix.
func (s *ScheduledItem) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	case len(s.Platforms) == 0:
		return fmt.Errorf("%w: no platforms selected", ErrInvalidItem)
	case len(s.AccountIDs) == 0:
		return fmt.Errorf("%w: no accounts selected", ErrInvalidItem)
	}
	return nil
}

// CanRetry reports whether another attempt fits under maxRetries.
func (s *ScheduledItem) CanRetry(maxRetries int) bool {
	return s.PublishAttempts < maxRetries
}

// IsTerminal reports whether the item will never be picked up again.
func (s *ScheduledItem) IsTerminal(maxRetries int) bool {
	return s.Status == ItemStatusPublished ||
		(s.Status == ItemStatusFailed && s.PublishAttempts >= maxRetries)
}

// PendingPlatforms returns the platforms that have not accepted the post yet.
func (s *ScheduledItem) PendingPlatforms() []string {
	pending := make([]string, 0, len(s.Platforms))
	for _, p := range s.Platforms {
		if !slices.Contains(s.PublishedPlatforms, p) {
			pending = append(pending, p)
		}
	}
	return pending
}

// Target is one platform of an item with the accounts it publishes through.
type Target struct {
	Platform   string   `json:"platform"`
	AccountIDs []string `json:"account_ids"`
}

// Targets pairs platforms with accounts. With equal counts the pairing is
// positional; otherwise every platform receives the full account list and the
// gateway picks the account registered for it.
func (s *ScheduledItem) Targets(platforms []string) []Target {
	oneToOne := len(s.Platforms) == len(s.AccountIDs)
	targets := make([]Target, 0, len(platforms))
	for _, p := range platforms {
		accounts := s.AccountIDs
		if oneToOne {
			if idx := slices.Index(s.Platforms, p); idx >= 0 {
				accounts = []string{s.AccountIDs[idx]}
			}
		}
		targets = append(targets, Target{Platform: p, AccountIDs: accounts})
	}
	return targets
}

// PlatformResult is the outcome of publishing an item to a single platform.
type PlatformResult struct {
	Platform   string   `json:"platform"`
	AccountIDs []string `json:"account_ids,omitempty"`
	OK         bool     `json:"ok"`
	Error      string   `json:"error,omitempty"`
	ExternalID string   `json:"external_id,omitempty"`
}

// PlatformResults is stored as JSONB.
type PlatformResults []PlatformResult

// Value implements driver.Valuer.
func (r PlatformResults) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *PlatformResults) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("scan platform results: unsupported type %T", src)
	}
}

// AttemptKind summarizes a publish attempt.
type AttemptKind string

const (
	AttemptFull    AttemptKind = "full"
	AttemptPartial AttemptKind = "partial"
	AttemptNone    AttemptKind = "none"
)

// PublishAttemptResult is the per-platform outcome of one publish call.
type PublishAttemptResult struct {
	Results PlatformResults `json:"results"`
}

// Kind classifies the attempt. An attempt with no results counts as none.
func (p PublishAttemptResult) Kind() AttemptKind {
	ok := 0
	for _, r := range p.Results {
		if r.OK {
			ok++
		}
	}
	switch {
	case ok == 0:
		return AttemptNone
	case ok == len(p.Results):
		return AttemptFull
	default:
		return AttemptPartial
	}
}

// Succeeded returns the platforms that accepted the post.
func (p PublishAttemptResult) Succeeded() []string {
	var out []string
	for _, r := range p.Results {
		if r.OK {
			out = append(out, r.Platform)
		}
	}
	return out
}

// FailureReason joins failed platforms as "platform: error" pairs.
func (p PublishAttemptResult) FailureReason() string {
	var parts []string
	for _, r := range p.Results {
		if r.OK {
			continue
		}
		msg := r.Error
		if msg == "" {
			msg = "unknown error"
		}
		parts = append(parts, r.Platform+": "+msg)
	}
	return strings.Join(parts, "; ")
}

// PartialSuccessPolicy decides what a partially successful attempt means.
type PartialSuccessPolicy string

const (
	// PartialAccept marks the item published; failed platforms are only reported.
	PartialAccept PartialSuccessPolicy = "accept"
	// PartialRetryFailed keeps the item due and retries only the failed platforms.
	PartialRetryFailed PartialSuccessPolicy = "retry_failed"
)

// ErrInvalidPolicy is returned by ParsePartialSuccessPolicy.
var ErrInvalidPolicy = errors.New("invalid partial success policy")

// ParsePartialSuccessPolicy validates a configured policy name.
func ParsePartialSuccessPolicy(s string) (PartialSuccessPolicy, error) {
	switch p := PartialSuccessPolicy(s); p {
	case PartialAccept, PartialRetryFailed:
		return p, nil
	case "":
		return PartialAccept, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// SchedulerStatus is the snapshot returned to operators.
type SchedulerStatus struct {
	Status         string    `json:"status"`
	Scheduled      int64     `json:"scheduled"`
	ReadyToPublish int64     `json:"ready_to_publish"`
	Published      int64     `json:"published"`
	Failed         int64     `json:"failed"`
	NextCheckAt    time.Time `json:"next_check_at"`
}

// ItemCounts are the aggregate counts behind SchedulerStatus.
type ItemCounts struct {
	Scheduled      int64 `db:"scheduled"`
	ReadyToPublish int64 `db:"ready_to_publish"`
	Published      int64 `db:"published"`
	Failed         int64 `db:"failed"`
}
