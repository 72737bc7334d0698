// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

// -- Connector Mock --

// MockConnector mocks the schemas.Connector interface.
type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) Connect(ctx context.Context, identifier string) (schemas.Driver, error) {
	args := m.Called(ctx, identifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(schemas.Driver), args.Error(1)
}

// -- Identifier Lookup Mock --

// MockIdentifierLookup mocks the schemas.IdentifierLookup interface.
type MockIdentifierLookup struct {
	mock.Mock
}

func (m *MockIdentifierLookup) AlternateIdentifiers(ctx context.Context, email string) ([]string, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// -- Auth Provider Mock --

// MockAuthProvider mocks the schemas.AuthProvider interface.
type MockAuthProvider struct {
	mock.Mock
}

func (m *MockAuthProvider) Name() string { return m.Called().String(0) }

func (m *MockAuthProvider) NeedsLogin(snap *schemas.PageSnapshot) bool {
	return m.Called(snap).Bool(0)
}

func (m *MockAuthProvider) Login(ctx context.Context, drv schemas.Driver, creds schemas.Credentials) (schemas.LoginResult, error) {
	args := m.Called(ctx, drv, creds)
	return args.Get(0).(schemas.LoginResult), args.Error(1)
}

// -- Store Mocks --

// MockResultSink mocks the engine's result sink.
type MockResultSink struct {
	mock.Mock
}

// WriteStatus provides a mock function for persisting run results.
func (m *MockResultSink) WriteStatus(ctx context.Context, result *schemas.RunResult) error {
	return m.Called(ctx, result).Error(0)
}

// MockAccountDirectory mocks the account directory used by the CLI and engine.
type MockAccountDirectory struct {
	mock.Mock
}

func (m *MockAccountDirectory) FindAccount(ctx context.Context, id string) (*schemas.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Account), args.Error(1)
}

func (m *MockAccountDirectory) ListAccounts(ctx context.Context) ([]schemas.Account, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Account), args.Error(1)
}

func (m *MockAccountDirectory) AlternateIdentifiers(ctx context.Context, email string) ([]string, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
