package services

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgersync/backend/internal/models"
)

// DueSelector picks journal entries ready to post on a reference date.
type DueSelector struct {
	log zerolog.Logger
}

func NewDueSelector(log zerolog.Logger) *DueSelector {
	return &DueSelector{log: log}
}

// Due returns entries with periodDate <= now that have not been posted yet.
// Dates are compared as UTC calendar days. Entries with a zero period date
// are malformed rows; they are logged and skipped, never fatal.
func (s *DueSelector) Due(now time.Time, entries []models.JournalEntry) []models.JournalEntry {
	cutoff := truncateToDay(now)

	var due []models.JournalEntry
	for _, entry := range entries {
		if entry.Posted {
			continue
		}
		if entry.PeriodDate.IsZero() {
			s.log.Warn().
				Str("entry_id", entry.ID).
				Str("schedule_id", entry.ScheduleID).
				Msg("journal entry has no period date, skipping")
			continue
		}
		if truncateToDay(entry.PeriodDate).After(cutoff) {
			continue
		}
		due = append(due, entry)
	}

	return due
}
