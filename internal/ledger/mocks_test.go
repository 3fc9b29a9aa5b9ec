package ledger

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockTokenProvider struct {
	mock.Mock
}

func (m *MockTokenProvider) AccessToken(ctx context.Context, tenantID string) (string, error) {
	args := m.Called(ctx, tenantID)
	return args.String(0), args.Error(1)
}

func (m *MockTokenProvider) ForceRefresh(ctx context.Context, tenantID string) (string, error) {
	args := m.Called(ctx, tenantID)
	return args.String(0), args.Error(1)
}

func (m *MockTokenProvider) MarkDisconnected(ctx context.Context, tenantID, reason string) error {
	args := m.Called(ctx, tenantID, reason)
	return args.Error(0)
}
