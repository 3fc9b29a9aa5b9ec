package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ledgersync/backend/internal/models"
)

// JournalLine is one side of a balanced journal. Debits are positive,
// credits negative; a journal's lines always sum to zero.
type JournalLine struct {
	AccountCode string          `json:"accountCode"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// BuildJournalLines produces the two balanced lines for one recognition
// entry. A PREPAID schedule moves value out of the deferral (prepaid asset)
// account into expense; an UNEARNED schedule moves it out of the deferral
// (unearned liability) account into revenue.
func BuildJournalLines(schedule models.Schedule, entry models.JournalEntry) ([]JournalLine, error) {
	if schedule.DeferralAcctCode == "" {
		return nil, fmt.Errorf("schedule %s has no deferral account code", schedule.ID)
	}

	description := Narration(schedule, entry)

	switch schedule.Type {
	case models.SchedulePrepaid:
		if schedule.ExpenseAcctCode == "" {
			return nil, fmt.Errorf("prepaid schedule %s has no expense account code", schedule.ID)
		}
		return []JournalLine{
			{AccountCode: schedule.ExpenseAcctCode, Description: description, Amount: entry.Amount},
			{AccountCode: schedule.DeferralAcctCode, Description: description, Amount: entry.Amount.Neg()},
		}, nil
	case models.ScheduleUnearned:
		if schedule.RevenueAcctCode == "" {
			return nil, fmt.Errorf("unearned schedule %s has no revenue account code", schedule.ID)
		}
		return []JournalLine{
			{AccountCode: schedule.DeferralAcctCode, Description: description, Amount: entry.Amount},
			{AccountCode: schedule.RevenueAcctCode, Description: description, Amount: entry.Amount.Neg()},
		}, nil
	default:
		return nil, fmt.Errorf("schedule %s has unknown type %q", schedule.ID, schedule.Type)
	}
}

// Narration is the human-readable description attached to the posted journal.
func Narration(schedule models.Schedule, entry models.JournalEntry) string {
	kind := "Prepaid expense"
	if schedule.Type == models.ScheduleUnearned {
		kind = "Unearned revenue"
	}
	narration := fmt.Sprintf("%s recognition %s", kind, entry.PeriodDate.Format("2006-01-02"))
	if schedule.Description != "" {
		narration = fmt.Sprintf("%s: %s", narration, schedule.Description)
	}
	return narration
}

func linesBalance(lines []JournalLine) bool {
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(line.Amount)
	}
	return sum.IsZero()
}
