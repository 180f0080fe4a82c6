package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
)

const messageColumns = `id, destination, channel, body, sent_by, batch_id, status,
			provider_message_id, sent_at, delivered_at, read_at, failed_at,
			failure_reason, retry_count, next_retry_at, version, created_at, updated_at`

// dispatchedAt is the time used for range filters and retention. Queued
// messages have no sent_at yet and fall back to their creation time.
const dispatchedAt = `COALESCE(sent_at, created_at)`

// MessageRepository persists tracked messages and their status history.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository creates a repository over db.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a message.
func (r *MessageRepository) Create(ctx context.Context, m *domain.TrackedMessage) error {
	query := `
		INSERT INTO messages (id, destination, channel, body, sent_by, batch_id, status, retry_count, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		m.ID, m.Destination, m.Channel, m.Body, m.SentBy, m.BatchID, m.Status, m.RetryCount, m.Version,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// GetByID returns one message or domain.ErrNotFound.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*domain.TrackedMessage, error) {
	var m domain.TrackedMessage
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	if err := r.db.GetContext(ctx, &m, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// Update writes m if nobody changed it since it was read, then bumps
// m.Version. A stale version yields domain.ErrConflict.
func (r *MessageRepository) Update(ctx context.Context, m *domain.TrackedMessage) error {
	query := `
		UPDATE messages
		SET status = $3,
		    provider_message_id = $4,
		    sent_at = $5,
		    delivered_at = $6,
		    read_at = $7,
		    failed_at = $8,
		    failure_reason = $9,
		    retry_count = $10,
		    next_retry_at = $11,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2`

	err := execExpectOneRow(ctx, r.db, query,
		m.ID, m.Version, m.Status, m.ProviderMessageID,
		m.SentAt, m.DeliveredAt, m.ReadAt, m.FailedAt,
		m.FailureReason, m.RetryCount, m.NextRetryAt,
	)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	m.Version++
	return nil
}

// AppendHistory records a status change.
func (r *MessageRepository) AppendHistory(ctx context.Context, change *domain.StatusChange) error {
	query := `
		INSERT INTO message_status_history (message_id, status, applied, changed_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		change.MessageID, change.Status, change.Applied, change.ChangedAt, change.Metadata,
	).Scan(&change.ID)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

// History returns the status changes of a message, oldest first.
func (r *MessageRepository) History(ctx context.Context, messageID string) ([]domain.StatusChange, error) {
	query := `
		SELECT id, message_id, status, applied, changed_at, metadata
		FROM message_status_history
		WHERE message_id = $1
		ORDER BY changed_at ASC, id ASC`

	var changes []domain.StatusChange
	if err := r.db.SelectContext(ctx, &changes, query, messageID); err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	return changes, nil
}

// List returns messages matching filter, newest dispatch first.
func (r *MessageRepository) List(ctx context.Context, filter domain.MessageFilter, limit int) ([]domain.TrackedMessage, error) {
	where, args := buildMessageFilter(filter)
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM messages %s ORDER BY %s DESC LIMIT $%d`,
		messageColumns, where, dispatchedAt, len(args))

	var messages []domain.TrackedMessage
	if err := r.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// Aggregate groups messages matching filter by status.
func (r *MessageRepository) Aggregate(ctx context.Context, filter domain.MessageFilter) ([]domain.StatusAggregate, error) {
	where, args := buildMessageFilter(filter)
	query := `SELECT status, COUNT(*) AS count, COALESCE(SUM(retry_count), 0) AS total_retries
		FROM messages ` + where + ` GROUP BY status`

	var aggregates []domain.StatusAggregate
	if err := r.db.SelectContext(ctx, &aggregates, query, args...); err != nil {
		return nil, fmt.Errorf("aggregate messages: %w", err)
	}
	return aggregates, nil
}

// PendingRetries returns failed messages under maxRetries whose backoff has elapsed.
func (r *MessageRepository) PendingRetries(ctx context.Context, now time.Time, maxRetries int) ([]domain.TrackedMessage, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE status = 'failed'
		  AND retry_count < $2
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY next_retry_at ASC NULLS FIRST`

	var messages []domain.TrackedMessage
	if err := r.db.SelectContext(ctx, &messages, query, now, maxRetries); err != nil {
		return nil, fmt.Errorf("list pending retries: %w", err)
	}
	return messages, nil
}

// DeleteFinishedBefore removes delivered, read and failed messages dispatched
// before cutoff. History rows cascade.
func (r *MessageRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM messages
		WHERE ` + dispatchedAt + ` < $1
		  AND status IN ('delivered', 'read', 'failed')`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get affected rows: %w", err)
	}
	return deleted, nil
}

func buildMessageFilter(f domain.MessageFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Start != nil {
		add(dispatchedAt+" >= $%d", *f.Start)
	}
	if f.End != nil {
		add(dispatchedAt+" <= $%d", *f.End)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.SentBy != "" {
		add("sent_by = $%d", f.SentBy)
	}
	if f.BatchID != "" {
		add("batch_id = $%d", f.BatchID)
	}
	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
