package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
)

// scheduledPostColumns is the column list for SELECT/RETURNING on scheduled_posts.
const scheduledPostColumns = `id, platforms, account_ids, content, created_by, scheduled_for,
			status, publish_attempts, failure_reason, published_at,
			published_platforms, last_results, claimed_until, created_at, updated_at`

// ScheduledPostRepository persists scheduled items.
type ScheduledPostRepository struct {
	db *sqlx.DB
}

// NewScheduledPostRepository creates a repository over db.
func NewScheduledPostRepository(db *sqlx.DB) *ScheduledPostRepository {
	return &ScheduledPostRepository{db: db}
}

// Create inserts a new item.
func (r *ScheduledPostRepository) Create(ctx context.Context, item *domain.ScheduledItem) error {
	query := `
		INSERT INTO scheduled_posts (
			id, platforms, account_ids, content, created_by, scheduled_for, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		item.ID,
		pq.Array(item.Platforms),
		pq.Array(item.AccountIDs),
		item.Content,
		item.CreatedBy,
		item.ScheduledFor,
		item.Status,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create scheduled post: %w", err)
	}
	return nil
}

// GetByID returns one item or domain.ErrNotFound.
func (r *ScheduledPostRepository) GetByID(ctx context.Context, id string) (*domain.ScheduledItem, error) {
	query := `SELECT ` + scheduledPostColumns + ` FROM scheduled_posts WHERE id = $1`

	item, err := scanScheduledPost(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled post: %w", err)
	}
	return item, nil
}

// ClaimDue leases up to limit due items until leaseUntil. Rows locked by a
// concurrent claimer are skipped, so an item is handed to one caller at a time.
func (r *ScheduledPostRepository) ClaimDue(
	ctx context.Context,
	now time.Time,
	maxRetries, limit int,
	leaseUntil time.Time,
) ([]domain.ScheduledItem, error) {
	query := `
		UPDATE scheduled_posts
		SET claimed_until = $4, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_posts
			WHERE status IN ('draft', 'scheduled')
			  AND scheduled_for <= $1
			  AND publish_attempts < $2
			  AND (claimed_until IS NULL OR claimed_until < $1)
			ORDER BY scheduled_for ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + scheduledPostColumns

	rows, err := r.db.QueryContext(ctx, query, now, maxRetries, limit, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("claim due posts: %w", err)
	}
	defer rows.Close()

	var items []domain.ScheduledItem
	for rows.Next() {
		item, scanErr := scanScheduledPost(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan scheduled post: %w", scanErr)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled posts: %w", err)
	}
	return items, nil
}

// SaveAttempt writes the outcome of an attempt and releases the claim.
func (r *ScheduledPostRepository) SaveAttempt(ctx context.Context, item *domain.ScheduledItem) error {
	query := `
		UPDATE scheduled_posts
		SET status = $2,
		    publish_attempts = $3,
		    failure_reason = $4,
		    published_at = $5,
		    published_platforms = $6,
		    last_results = $7,
		    claimed_until = NULL,
		    updated_at = NOW()
		WHERE id = $1`

	err := execExpectOneRow(ctx, r.db, query,
		item.ID,
		item.Status,
		item.PublishAttempts,
		item.FailureReason,
		item.PublishedAt,
		pq.Array(item.PublishedPlatforms),
		item.LastResults,
	)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("save attempt: %w", err)
	}
	return err
}

// Release drops the claim without recording an attempt.
func (r *ScheduledPostRepository) Release(ctx context.Context, id string) error {
	query := `UPDATE scheduled_posts SET claimed_until = NULL, updated_at = NOW() WHERE id = $1`
	err := execExpectOneRow(ctx, r.db, query, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("release claim: %w", err)
	}
	return err
}

// Counts aggregates items by scheduler-relevant state.
func (r *ScheduledPostRepository) Counts(ctx context.Context, now time.Time, maxRetries int) (*domain.ItemCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'scheduled') AS scheduled,
			COUNT(*) FILTER (
				WHERE status IN ('draft', 'scheduled')
				  AND scheduled_for <= $1
				  AND publish_attempts < $2
			) AS ready_to_publish,
			COUNT(*) FILTER (WHERE status = 'published') AS published,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM scheduled_posts`

	var counts domain.ItemCounts
	if err := r.db.GetContext(ctx, &counts, query, now, maxRetries); err != nil {
		return nil, fmt.Errorf("count scheduled posts: %w", err)
	}
	return &counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledPost(row rowScanner) (*domain.ScheduledItem, error) {
	var item domain.ScheduledItem
	err := row.Scan(
		&item.ID,
		pq.Array(&item.Platforms),
		pq.Array(&item.AccountIDs),
		&item.Content,
		&item.CreatedBy,
		&item.ScheduledFor,
		&item.Status,
		&item.PublishAttempts,
		&item.FailureReason,
		&item.PublishedAt,
		pq.Array(&item.PublishedPlatforms),
		&item.LastResults,
		&item.ClaimedUntil,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// execExpectOneRow runs an exec and returns domain.ErrNotFound when no row was affected.
func execExpectOneRow(ctx context.Context, db sqlx.ExecerContext, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}
