package domain

import "time"

// WindowType identifies a rate window.
type WindowType string

const (
	WindowHourly WindowType = "hourly"
	WindowDaily  WindowType = "daily"
)

// RateWindow is the send counter of one actor for one window.
type RateWindow struct {
	Actor            string     `json:"actor"`
	Type             WindowType `json:"type"`
	MessagesSent     int        `json:"messages_sent"`
	Limit            int        `json:"limit"`
	WarningThreshold float64    `json:"warning_threshold"`
	WarningSent      bool       `json:"warning_sent"`
	ResetAt          time.Time  `json:"reset_at"`
	Paused           bool       `json:"paused"`
	PausedReason     string     `json:"paused_reason,omitempty"`
	PausedAt         *time.Time `json:"paused_at,omitempty"`
	ResumeAt         *time.Time `json:"resume_at,omitempty"`
}

// AtLimit reports whether the window is exhausted. Windows without a
// configured limit never are.
func (w *RateWindow) AtLimit() bool {
	return w.Limit > 0 && w.MessagesSent >= w.Limit
}

// Usage returns MessagesSent/Limit, or 0 without a limit.
func (w *RateWindow) Usage() float64 {
	if w.Limit <= 0 {
		return 0
	}
	return float64(w.MessagesSent) / float64(w.Limit)
}
