package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
)

const consentColumns = `destination, status, blocked_until, opt_out_reason, opt_out_keyword,
			lead_id, consent_method, consent_at, opt_out_at, created_at, updated_at`

// ConsentRepository persists consent records keyed by destination.
type ConsentRepository struct {
	db *sqlx.DB
}

// NewConsentRepository creates a repository over db.
func NewConsentRepository(db *sqlx.DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

// Get returns the record for destination or domain.ErrNotFound.
func (r *ConsentRepository) Get(ctx context.Context, destination string) (*domain.ConsentRecord, error) {
	var rec domain.ConsentRecord
	query := `SELECT ` + consentColumns + ` FROM consent_records WHERE destination = $1`
	if err := r.db.GetContext(ctx, &rec, query, destination); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get consent record: %w", err)
	}
	return &rec, nil
}

// Upsert creates or replaces the record for rec.Destination.
func (r *ConsentRepository) Upsert(ctx context.Context, rec *domain.ConsentRecord) error {
	query := `
		INSERT INTO consent_records (
			destination, status, blocked_until, opt_out_reason, opt_out_keyword,
			lead_id, consent_method, consent_at, opt_out_at
		) VALUES (
			:destination, :status, :blocked_until, :opt_out_reason, :opt_out_keyword,
			:lead_id, :consent_method, :consent_at, :opt_out_at
		)
		ON CONFLICT (destination) DO UPDATE SET
			status = EXCLUDED.status,
			blocked_until = EXCLUDED.blocked_until,
			opt_out_reason = EXCLUDED.opt_out_reason,
			opt_out_keyword = EXCLUDED.opt_out_keyword,
			lead_id = COALESCE(EXCLUDED.lead_id, consent_records.lead_id),
			consent_method = COALESCE(EXCLUDED.consent_method, consent_records.consent_method),
			consent_at = EXCLUDED.consent_at,
			opt_out_at = EXCLUDED.opt_out_at,
			updated_at = NOW()`

	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("upsert consent record: %w", err)
	}
	return nil
}

// ListOptedOut returns opted-out records, most recent opt-out first.
func (r *ConsentRepository) ListOptedOut(ctx context.Context, limit int) ([]domain.ConsentRecord, error) {
	query := `SELECT ` + consentColumns + `
		FROM consent_records
		WHERE status = 'opted_out'
		ORDER BY opt_out_at DESC NULLS LAST
		LIMIT $1`

	var records []domain.ConsentRecord
	if err := r.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("list opted out: %w", err)
	}
	return records, nil
}

// ListBlocked returns records whose block is still active at now.
func (r *ConsentRepository) ListBlocked(ctx context.Context, now time.Time) ([]domain.ConsentRecord, error) {
	query := `SELECT ` + consentColumns + `
		FROM consent_records
		WHERE blocked_until > $1
		ORDER BY blocked_until ASC`

	var records []domain.ConsentRecord
	if err := r.db.SelectContext(ctx, &records, query, now); err != nil {
		return nil, fmt.Errorf("list blocked: %w", err)
	}
	return records, nil
}
