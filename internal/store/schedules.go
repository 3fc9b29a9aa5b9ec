package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgersync/backend/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type ScheduleStore struct {
	db *sql.DB
}

func NewScheduleStore(db *sql.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func (s *ScheduleStore) Create(ctx context.Context, schedule models.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, tenant_id, type, start_date, end_date, total_amount,
			expense_acct_code, revenue_acct_code, deferral_acct_code, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		schedule.ID, schedule.TenantID, string(schedule.Type),
		schedule.StartDate, schedule.EndDate, schedule.TotalAmount,
		nullable(schedule.ExpenseAcctCode), nullable(schedule.RevenueAcctCode),
		schedule.DeferralAcctCode, schedule.Description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Get(ctx context.Context, id string) (models.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, start_date, end_date, total_amount,
			expense_acct_code, revenue_acct_code, deferral_acct_code, description, created_at
		FROM schedules
		WHERE id = $1`, id)

	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("failed to load schedule %s: %w", id, err)
	}
	return schedule, nil
}

func (s *ScheduleStore) ListAll(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, type, start_date, end_date, total_amount,
			expense_acct_code, revenue_acct_code, deferral_acct_code, description, created_at
		FROM schedules
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var schedule models.Schedule
	var scheduleType string
	var expenseAcct, revenueAcct sql.NullString

	err := row.Scan(&schedule.ID, &schedule.TenantID, &scheduleType,
		&schedule.StartDate, &schedule.EndDate, &schedule.TotalAmount,
		&expenseAcct, &revenueAcct, &schedule.DeferralAcctCode,
		&schedule.Description, &schedule.CreatedAt)
	if err != nil {
		return models.Schedule{}, err
	}

	schedule.Type = models.ScheduleType(scheduleType)
	schedule.ExpenseAcctCode = expenseAcct.String
	schedule.RevenueAcctCode = revenueAcct.String
	return schedule, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
