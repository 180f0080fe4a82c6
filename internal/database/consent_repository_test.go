package database_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
)

var consentCols = []string{
	"destination", "status", "blocked_until", "opt_out_reason", "opt_out_keyword",
	"lead_id", "consent_method", "consent_at", "opt_out_at", "created_at", "updated_at",
}

func TestConsentRepository_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewConsentRepository(db)
	now := time.Now().UTC()
	blocked := now.Add(30 * 24 * time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM consent_records WHERE destination").
		WithArgs("+15550001").
		WillReturnRows(sqlmock.NewRows(consentCols).AddRow(
			"+15550001", "opted_out", blocked, nil, "STOP",
			nil, nil, nil, now, now, now,
		))

	rec, err := repo.Get(context.Background(), "+15550001")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentOptedOut, rec.Status)
	assert.Equal(t, "STOP", *rec.OptOutKeyword)
	assert.True(t, rec.IsBlocked(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentRepository_Get_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewConsentRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM consent_records").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "+15550009")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConsentRepository_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewConsentRepository(db)

	mock.ExpectExec("INSERT INTO consent_records (.+) ON CONFLICT").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), &domain.ConsentRecord{
		Destination: "+15550001",
		Status:      domain.ConsentOptedIn,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentRepository_ListBlocked(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewConsentRepository(db)
	now := time.Now()

	mock.ExpectQuery("WHERE blocked_until > ").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(consentCols))

	records, err := repo.ListBlocked(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, mock.ExpectationsWereMet())
}
