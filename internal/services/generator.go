package services

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgersync/backend/internal/models"
)

var (
	// ErrInvalidRange is returned when the start date falls after the end date.
	ErrInvalidRange = errors.New("schedule start date must not be after end date")
	// ErrInvalidAmount is returned when the total amount is not positive.
	ErrInvalidAmount = errors.New("schedule total amount must be greater than zero")
)

// Period is one calendar month's slice of a recognition schedule.
// PostingDate is the last day of the month, except the final period
// which posts on the schedule's end date.
type Period struct {
	PostingDate time.Time
	Days        int
	Amount      decimal.Decimal
}

// GeneratePeriods computes the pro-rata recognition plan for [start, end]
// inclusive. Each calendar month touched by the range yields one period whose
// amount is round(total * daysInPeriod / totalDays, 2). The final period takes
// the exact remainder instead, so the period amounts always sum to total with
// no cumulative rounding drift. Changing that policy would silently change
// historically posted totals, so it must stay as-is.
func GeneratePeriods(start, end time.Time, total decimal.Decimal) ([]Period, error) {
	start = truncateToDay(start)
	end = truncateToDay(end)

	if start.After(end) {
		return nil, ErrInvalidRange
	}
	if !total.IsPositive() {
		return nil, ErrInvalidAmount
	}

	totalDays := daysInclusive(start, end)
	totalDaysDec := decimal.NewFromInt(int64(totalDays))

	var periods []Period
	allocated := decimal.Zero

	for cursor := start; ; {
		monthEnd := endOfMonth(cursor)
		spanEnd := monthEnd
		if spanEnd.After(end) {
			spanEnd = end
		}

		days := daysInclusive(cursor, spanEnd)
		final := spanEnd.Equal(end)

		var amount decimal.Decimal
		if final {
			amount = total.Sub(allocated)
		} else {
			amount = total.Mul(decimal.NewFromInt(int64(days))).Div(totalDaysDec).Round(2)
		}
		allocated = allocated.Add(amount)

		postingDate := monthEnd
		if final {
			postingDate = end
		}

		periods = append(periods, Period{
			PostingDate: postingDate,
			Days:        days,
			Amount:      amount,
		})

		if final {
			break
		}
		cursor = monthEnd.AddDate(0, 0, 1)
	}

	return periods, nil
}

// EntriesForSchedule materializes the schedule's plan as journal entry rows.
func EntriesForSchedule(schedule models.Schedule) ([]models.JournalEntry, error) {
	periods, err := GeneratePeriods(schedule.StartDate, schedule.EndDate, schedule.TotalAmount)
	if err != nil {
		return nil, err
	}

	entries := make([]models.JournalEntry, 0, len(periods))
	now := time.Now().UTC()
	for _, p := range periods {
		entries = append(entries, models.JournalEntry{
			ID:         uuid.New().String(),
			ScheduleID: schedule.ID,
			PeriodDate: p.PostingDate,
			Amount:     p.Amount,
			Posted:     false,
			CreatedAt:  now,
		})
	}

	return entries, nil
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)
}

func daysInclusive(from, to time.Time) int {
	return int(to.Sub(from).Hours()/24) + 1
}
