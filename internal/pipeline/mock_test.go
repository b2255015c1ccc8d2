package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/thesayf/deployai-sub003/internal/ai"
	"github.com/thesayf/deployai-sub003/internal/model"
)

// --- Gateway Mock ---

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Generate(ctx context.Context, req ai.GenerateRequest) (*ai.GenerateResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ai.GenerateResponse), args.Error(1)
}

// --- Notifier Mock ---

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendReportReady(ctx context.Context, contact model.Contact, reportID string) (string, error) {
	args := m.Called(ctx, contact, reportID)
	return args.String(0), args.Error(1)
}
