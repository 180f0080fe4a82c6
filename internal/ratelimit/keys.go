package ratelimit

import (
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
)

const (
	// DefaultKeyPrefix is the prefix for all rate limit keys
	DefaultKeyPrefix = "ratelimit"

	keyPartWindow = "window"
	keyPartDest   = "dest"

	hoursPerDay = 24
)

// Hash fields of a window key.
const (
	fieldSent         = "sent"
	fieldLimit        = "limit"
	fieldThreshold    = "threshold"
	fieldWarningSent  = "warning_sent"
	fieldResetAt      = "reset_at"
	fieldPaused       = "paused"
	fieldPausedReason = "paused_reason"
	fieldPausedAt     = "paused_at"
	fieldResumeAt     = "resume_at"
)

// RedisKeys builds rate limit keys consistently.
type RedisKeys struct {
	prefix string
}

// NewRedisKeys creates a RedisKeys instance.
func NewRedisKeys(prefix string) *RedisKeys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisKeys{prefix: prefix}
}

// Window returns the hash key of one actor window.
func (k *RedisKeys) Window(actor string, wt domain.WindowType) string {
	return fmt.Sprintf("%s:%s:%s:%s", k.prefix, keyPartWindow, actor, wt)
}

// WindowPattern matches every window key.
func (k *RedisKeys) WindowPattern() string {
	return fmt.Sprintf("%s:%s:*", k.prefix, keyPartWindow)
}

// Destination returns the per-destination daily counter key.
func (k *RedisKeys) Destination(actor, destination string) string {
	return fmt.Sprintf("%s:%s:%s:%s", k.prefix, keyPartDest, actor, destination)
}

// nextMidnight returns the start of the day after now, in now's location.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// resetAtFor returns when a window opened at now rolls over.
func resetAtFor(wt domain.WindowType, now time.Time) time.Time {
	if wt == domain.WindowDaily {
		return nextMidnight(now)
	}
	return now.Add(time.Hour)
}
