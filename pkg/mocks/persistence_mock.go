// Package mocks provides testify mocks of the store and event publisher.
package mocks

import (
	"context"

	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockRunStore is a mock implementation of persistence.RunStore interface.
type MockRunStore struct {
	mock.Mock
}

var _ persistence.RunStore = (*MockRunStore)(nil)

func (m *MockRunStore) SaveRun(ctx context.Context, run *models.Run) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunStore) RunByID(ctx context.Context, id string) (*models.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunStore) Runs(ctx context.Context) ([]*models.Run, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockRunStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockPublisher is a mock implementation of the run event publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, env events.Envelope) {
	m.Called(ctx, env)
}
