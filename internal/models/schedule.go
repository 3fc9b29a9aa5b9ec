package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScheduleType distinguishes the two deferred-recognition directions.
type ScheduleType string

const (
	SchedulePrepaid  ScheduleType = "PREPAID"  // prepaid expense, recognized as expense over time
	ScheduleUnearned ScheduleType = "UNEARNED" // unearned revenue, recognized as revenue over time
)

// Schedule is a plan to recognize a fixed total amount over a date range.
// Once entries are generated the plan is immutable; changing dates or amount
// requires deleting and regenerating its entries.
type Schedule struct {
	ID               string          `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	Type             ScheduleType    `json:"type" db:"type"`
	StartDate        time.Time       `json:"start_date" db:"start_date"`
	EndDate          time.Time       `json:"end_date" db:"end_date"`
	TotalAmount      decimal.Decimal `json:"total_amount" db:"total_amount"`
	ExpenseAcctCode  string          `json:"expense_acct_code,omitempty" db:"expense_acct_code"`
	RevenueAcctCode  string          `json:"revenue_acct_code,omitempty" db:"revenue_acct_code"`
	DeferralAcctCode string          `json:"deferral_acct_code" db:"deferral_acct_code"`
	Description      string          `json:"description" db:"description"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// JournalEntry is one period's recognition amount belonging to a Schedule.
// PeriodDate is the last calendar day of the period. Posted transitions
// false -> true exactly once, when the entry is accepted by the remote ledger.
type JournalEntry struct {
	ID                string          `json:"id" db:"id"`
	ScheduleID        string          `json:"schedule_id" db:"schedule_id"`
	PeriodDate        time.Time       `json:"period_date" db:"period_date"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	ExternalJournalID string          `json:"external_journal_id,omitempty" db:"external_journal_id"`
	Posted            bool            `json:"posted" db:"posted"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}
