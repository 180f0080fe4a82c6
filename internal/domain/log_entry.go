package domain

import "time"

// Operation names the kind of work an operation log entry describes.
type Operation string

const (
	OpAnalyticsSync  Operation = "analytics_sync"
	OpPostPublish    Operation = "post_publish"
	OpAccountConnect Operation = "account_connect"
	OpScheduler      Operation = "scheduler"
	OpWebhook        Operation = "webhook"
)

// LogStatus is the outcome recorded by an operation log entry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
	LogWarning LogStatus = "warning"
	LogRetry   LogStatus = "retry"
)

// LogEntry is one structured operation event.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
	Platform  string    `json:"platform,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Status    LogStatus `json:"status"`
	Message   string    `json:"message"`
	RawError  string    `json:"raw_error,omitempty"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}
