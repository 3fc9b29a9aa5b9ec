package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ledgersync/backend/internal/models"
)

// ErrAlreadyPosted is returned by MarkPosted when the entry's posted flag
// was already set, typically by an earlier run that died before this one.
var ErrAlreadyPosted = errors.New("journal entry already posted")

type EntryStore struct {
	db *sql.DB
}

func NewEntryStore(db *sql.DB) *EntryStore {
	return &EntryStore{db: db}
}

// CreateAll inserts a schedule's generated entries in a single transaction
// so a partial plan is never persisted.
func (s *EntryStore) CreateAll(ctx context.Context, entries []models.JournalEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO journal_entries (id, schedule_id, period_date, amount, posted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID, entry.ScheduleID, entry.PeriodDate, entry.Amount, entry.Posted, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert journal entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *EntryStore) Get(ctx context.Context, id string) (models.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, schedule_id, period_date, amount, external_journal_id, posted, created_at
		FROM journal_entries
		WHERE id = $1`, id)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JournalEntry{}, fmt.Errorf("journal entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.JournalEntry{}, fmt.Errorf("failed to load journal entry %s: %w", id, err)
	}
	return entry, nil
}

func (s *EntryStore) ListBySchedule(ctx context.Context, scheduleID string) ([]models.JournalEntry, error) {
	return s.list(ctx, `
		SELECT id, schedule_id, period_date, amount, external_journal_id, posted, created_at
		FROM journal_entries
		WHERE schedule_id = $1
		ORDER BY period_date`, scheduleID)
}

// ListUnposted returns every entry still awaiting posting, oldest first.
func (s *EntryStore) ListUnposted(ctx context.Context) ([]models.JournalEntry, error) {
	return s.list(ctx, `
		SELECT id, schedule_id, period_date, amount, external_journal_id, posted, created_at
		FROM journal_entries
		WHERE posted = FALSE
		ORDER BY period_date, created_at`)
}

// MarkPosted flips the posted flag and records the remote journal id in one
// update. The posted = FALSE guard makes the transition one-way: a concurrent
// or replayed run observes ErrAlreadyPosted instead of double-posting.
func (s *EntryStore) MarkPosted(ctx context.Context, id, externalJournalID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE journal_entries
		SET posted = TRUE, external_journal_id = $2
		WHERE id = $1 AND posted = FALSE`,
		id, externalJournalID)
	if err != nil {
		return fmt.Errorf("failed to mark journal entry %s posted: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for journal entry %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("journal entry %s: %w", id, ErrAlreadyPosted)
	}
	return nil
}

// HasPosted reports whether any of the schedule's entries has been posted.
// A schedule with posted entries can no longer be regenerated.
func (s *EntryStore) HasPosted(ctx context.Context, scheduleID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM journal_entries
		WHERE schedule_id = $1 AND posted = TRUE`, scheduleID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count posted entries for schedule %s: %w", scheduleID, err)
	}
	return count > 0, nil
}

func (s *EntryStore) DeleteBySchedule(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM journal_entries WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return fmt.Errorf("failed to delete entries for schedule %s: %w", scheduleID, err)
	}
	return nil
}

func (s *EntryStore) list(ctx context.Context, query string, args ...any) ([]models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (models.JournalEntry, error) {
	var entry models.JournalEntry
	var externalID sql.NullString

	err := row.Scan(&entry.ID, &entry.ScheduleID, &entry.PeriodDate, &entry.Amount,
		&externalID, &entry.Posted, &entry.CreatedAt)
	if err != nil {
		return models.JournalEntry{}, err
	}

	entry.ExternalJournalID = externalID.String
	return entry, nil
}
