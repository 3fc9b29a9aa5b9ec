package poster

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/ledgersync/backend/internal/ledger"
	"github.com/ledgersync/backend/internal/models"
)

type MockScheduleSource struct {
	mock.Mock
}

func (m *MockScheduleSource) ListAll(ctx context.Context) ([]models.Schedule, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Schedule), args.Error(1)
}

type MockEntrySource struct {
	mock.Mock
}

func (m *MockEntrySource) ListUnposted(ctx context.Context) ([]models.JournalEntry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.JournalEntry), args.Error(1)
}

func (m *MockEntrySource) Get(ctx context.Context, id string) (models.JournalEntry, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.JournalEntry), args.Error(1)
}

func (m *MockEntrySource) MarkPosted(ctx context.Context, id, externalJournalID string) error {
	args := m.Called(ctx, id, externalJournalID)
	return args.Error(0)
}

type MockJournalPoster struct {
	mock.Mock
}

func (m *MockJournalPoster) PostJournal(ctx context.Context, tenantID, narration string, date time.Time, lines []ledger.JournalLine, alreadyPosted ledger.AlreadyPosted) (string, error) {
	args := m.Called(ctx, tenantID, narration, date, lines, alreadyPosted)
	return args.String(0), args.Error(1)
}

type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Acquire(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocker) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
