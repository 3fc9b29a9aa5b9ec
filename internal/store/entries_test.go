package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ledgersync/backend/internal/models"
)

func TestEntryStore_MarkPosted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewEntryStore(db)

	t.Run("marks unposted entry", func(t *testing.T) {
		mock.ExpectExec("UPDATE journal_entries SET posted = TRUE, external_journal_id = \\$2 WHERE id = \\$1 AND posted = FALSE").
			WithArgs("entry-1", "ext-77").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.MarkPosted(context.Background(), "entry-1", "ext-77")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already posted entry is not updated", func(t *testing.T) {
		mock.ExpectExec("UPDATE journal_entries SET posted = TRUE, external_journal_id = \\$2 WHERE id = \\$1 AND posted = FALSE").
			WithArgs("entry-1", "ext-78").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.MarkPosted(context.Background(), "entry-1", "ext-78")
		assert.ErrorIs(t, err, ErrAlreadyPosted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEntryStore_CreateAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewEntryStore(db)
	now := time.Now().UTC()

	entries := []models.JournalEntry{
		{ID: "e1", ScheduleID: "s1", PeriodDate: time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
			Amount: decimal.RequireFromString("762.43"), CreatedAt: now},
		{ID: "e2", ScheduleID: "s1", PeriodDate: time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
			Amount: decimal.RequireFromString("1027.62"), CreatedAt: now},
	}

	t.Run("inserts all in one transaction", func(t *testing.T) {
		mock.ExpectBegin()
		for _, entry := range entries {
			mock.ExpectExec("INSERT INTO journal_entries").
				WithArgs(entry.ID, entry.ScheduleID, entry.PeriodDate, entry.Amount, false, now).
				WillReturnResult(sqlmock.NewResult(1, 1))
		}
		mock.ExpectCommit()

		err := store.CreateAll(context.Background(), entries)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on insert failure", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO journal_entries").
			WithArgs(entries[0].ID, entries[0].ScheduleID, entries[0].PeriodDate, entries[0].Amount, false, now).
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		err := store.CreateAll(context.Background(), entries)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEntryStore_ListUnposted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewEntryStore(db)
	now := time.Now().UTC()

	columns := []string{"id", "schedule_id", "period_date", "amount", "external_journal_id", "posted", "created_at"}
	mock.ExpectQuery("SELECT id, schedule_id, period_date, amount, external_journal_id, posted, created_at FROM journal_entries WHERE posted = FALSE").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", "s1", time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), "762.43", nil, false, now).
			AddRow("e2", "s1", time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), "1027.62", nil, false, now))

	entries, err := store.ListUnposted(context.Background())
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].ID)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("762.43")))
	assert.Empty(t, entries[0].ExternalJournalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryStore_HasPosted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewEntryStore(db)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM journal_entries WHERE schedule_id = \\$1 AND posted = TRUE").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	posted, err := store.HasPosted(context.Background(), "s1")
	assert.NoError(t, err)
	assert.True(t, posted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
