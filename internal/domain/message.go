package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MessageStatus is the delivery state of a tracked message.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// DefaultMessageMaxRetries is the retry ceiling for tracked messages.
const DefaultMessageMaxRetries = 3

// ParseMessageStatus validates a status string.
func ParseMessageStatus(s string) (MessageStatus, error) {
	switch st := MessageStatus(s); st {
	case MessageQueued, MessageSent, MessageDelivered, MessageRead, MessageFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// rank orders the forward progression. failed sits beside sent.
func (s MessageStatus) rank() int {
	switch s {
	case MessageQueued:
		return 0
	case MessageSent, MessageFailed:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving from s to next keeps the status from
// regressing. Failure is reachable only before delivery.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if next == MessageFailed {
		return s == MessageQueued || s == MessageSent || s == MessageFailed
	}
	if s == MessageFailed {
		return next.rank() > MessageSent.rank()
	}
	return next.rank() >= s.rank()
}

// IsFinished reports whether the message is eligible for retention purges.
func (s MessageStatus) IsFinished() bool {
	return s == MessageDelivered || s == MessageRead || s == MessageFailed
}

// TrackedMessage is one outbound message and its delivery lifecycle.
type TrackedMessage struct {
	ID                string        `db:"id"                  json:"id"`
	Destination       string        `db:"destination"         json:"destination"`
	Channel           string        `db:"channel"             json:"channel"`
	Body              string        `db:"body"                json:"body"`
	SentBy            string        `db:"sent_by"             json:"sent_by"`
	BatchID           *string       `db:"batch_id"            json:"batch_id,omitempty"`
	Status            MessageStatus `db:"status"              json:"status"`
	ProviderMessageID *string       `db:"provider_message_id" json:"provider_message_id,omitempty"`
	SentAt            *time.Time    `db:"sent_at"             json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `db:"delivered_at"        json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `db:"read_at"             json:"read_at,omitempty"`
	FailedAt          *time.Time    `db:"failed_at"           json:"failed_at,omitempty"`
	FailureReason     *string       `db:"failure_reason"      json:"failure_reason,omitempty"`
	RetryCount        int           `db:"retry_count"         json:"retry_count"`
	NextRetryAt       *time.Time    `db:"next_retry_at"       json:"next_retry_at,omitempty"`
	Version           int           `db:"version"             json:"-"`
	CreatedAt         time.Time     `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"          json:"updated_at"`
}

// NewMessage carries the fields required to start tracking a message.
type NewMessage struct {
	Destination string  `json:"destination"`
	Channel     string  `json:"channel"`
	Body        string  `json:"body"`
	SentBy      string  `json:"sent_by"`
	BatchID     *string `json:"batch_id,omitempty"`
}

// Validate checks required fields.
func (n NewMessage) Validate() error {
	switch {
	case n.Destination == "":
		return fmt.Errorf("%w: destination is required", ErrInvalidMessage)
	case n.Channel == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidMessage)
	}
	return nil
}

// StatusUpdate is a transition reported for a message. The concrete types are
// Sent, Delivered, Read and Failed.
type StatusUpdate interface {
	Status() MessageStatus
	OccurredAt() time.Time
	apply(m *TrackedMessage)
}

// Sent records the provider accepting the message.
type Sent struct {
	At                time.Time
	ProviderMessageID string
}

// Delivered records the handset receiving the message.
type Delivered struct {
	At time.Time
}

// Read records the recipient opening the message.
type Read struct {
	At time.Time
}

// Failed records a delivery failure.
type Failed struct {
	At     time.Time
	Reason string
}

func (u Sent) Status() MessageStatus      { return MessageSent }
func (u Delivered) Status() MessageStatus { return MessageDelivered }
func (u Read) Status() MessageStatus      { return MessageRead }
func (u Failed) Status() MessageStatus    { return MessageFailed }

func (u Sent) OccurredAt() time.Time      { return u.At }
func (u Delivered) OccurredAt() time.Time { return u.At }
func (u Read) OccurredAt() time.Time      { return u.At }
func (u Failed) OccurredAt() time.Time    { return u.At }

func (u Sent) apply(m *TrackedMessage) {
	setOnce(&m.SentAt, u.At)
	if u.ProviderMessageID != "" && m.ProviderMessageID == nil {
		id := u.ProviderMessageID
		m.ProviderMessageID = &id
	}
}

func (u Delivered) apply(m *TrackedMessage) {
	setOnce(&m.DeliveredAt, u.At)
}

func (u Read) apply(m *TrackedMessage) {
	setOnce(&m.ReadAt, u.At)
}

func (u Failed) apply(m *TrackedMessage) {
	setOnce(&m.FailedAt, u.At)
	reason := u.Reason
	m.FailureReason = &reason
}

func setOnce(dst **time.Time, at time.Time) {
	if *dst != nil {
		return
	}
	t := at
	*dst = &t
}

// Apply moves m forward according to u. It returns false and leaves m
// untouched when u would regress the status.
func (m *TrackedMessage) Apply(u StatusUpdate) bool {
	if !m.Status.CanAdvanceTo(u.Status()) {
		return false
	}
	u.apply(m)
	m.Status = u.Status()
	return true
}

// StatusUpdateFor builds the variant matching status. Reason is used only for failures.
func StatusUpdateFor(status MessageStatus, at time.Time, reason, providerID string) (StatusUpdate, error) {
	switch status {
	case MessageSent:
		return Sent{At: at, ProviderMessageID: providerID}, nil
	case MessageDelivered:
		return Delivered{At: at}, nil
	case MessageRead:
		return Read{At: at}, nil
	case MessageFailed:
		return Failed{At: at, Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: %q cannot be reported", ErrInvalidStatus, status)
	}
}

// Metadata is free-form JSONB attached to history entries and log entries.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}
}

// StatusChange is an immutable history row for a message.
type StatusChange struct {
	ID        int64         `db:"id"         json:"id"`
	MessageID string        `db:"message_id" json:"message_id"`
	Status    MessageStatus `db:"status"     json:"status"`
	Applied   bool          `db:"applied"    json:"applied"`
	ChangedAt time.Time     `db:"changed_at" json:"changed_at"`
	Metadata  Metadata      `db:"metadata"   json:"metadata,omitempty"`
}

// MessageFilter narrows report queries. Zero values match everything.
type MessageFilter struct {
	Start   *time.Time
	End     *time.Time
	Status  MessageStatus
	SentBy  string
	BatchID string
	Channel string
}

// DeliveryMetrics are the aggregate numbers of a delivery report.
type DeliveryMetrics struct {
	Sent         int    `json:"sent"`
	Delivered    int    `json:"delivered"`
	Read         int    `json:"read"`
	Failed       int    `json:"failed"`
	DeliveryRate string `json:"delivery_rate"`
	ReadRate     string `json:"read_rate"`
}

// DeliveryReport is the result of a report query.
type DeliveryReport struct {
	Total    int              `json:"total"`
	Metrics  DeliveryMetrics  `json:"metrics"`
	Messages []TrackedMessage `json:"messages"`
}

// MessageStatistics summarizes messages sent within a date range.
type MessageStatistics struct {
	Total          int                   `json:"total"`
	ByStatus       map[MessageStatus]int `json:"by_status"`
	AverageRetries float64               `json:"average_retries"`
	FailureRate    string                `json:"failure_rate"`
}

// BulkStatus summarizes a batch of messages.
type BulkStatus struct {
	BatchID   string                `json:"batch_id"`
	Total     int                   `json:"total"`
	ByStatus  map[MessageStatus]int `json:"by_status"`
	Completed int                   `json:"completed"`
	Messages  []TrackedMessage      `json:"messages"`
}

// FormatPercent renders part/total as "12.34%", and "0.00%" when total is zero.
func FormatPercent(part, total int) string {
	if total <= 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", float64(part)/float64(total)*100)
}

// StatusAggregate is a per-status count used for statistics.
type StatusAggregate struct {
	Status       MessageStatus `db:"status"`
	Count        int           `db:"count"`
	TotalRetries int           `db:"total_retries"`
}
