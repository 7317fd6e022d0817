package testing

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/imamik/vmpilot/internal/remote"
)

// MockAPI is a testify mock of remote.API. Use it where the exact calls
// matter; remote.Fake is simpler when only the resulting state does.
type MockAPI struct {
	mock.Mock
}

var _ remote.API = (*MockAPI)(nil)

// NewMockAPI creates a mock with no expectations.
func NewMockAPI() *MockAPI {
	return &MockAPI{}
}

// Create records the call and returns the configured handle.
func (m *MockAPI) Create(ctx context.Context, kind remote.Kind, spec remote.Spec) (remote.Handle, error) {
	args := m.Called(ctx, kind, spec)
	return args.Get(0).(remote.Handle), args.Error(1)
}

// Destroy records the call.
func (m *MockAPI) Destroy(ctx context.Context, h remote.Handle) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

// Attach records the call and returns the configured ack.
func (m *MockAPI) Attach(ctx context.Context, h remote.Handle, cfg remote.AttachConfig) (remote.Ack, error) {
	args := m.Called(ctx, h, cfg)
	return args.Get(0).(remote.Ack), args.Error(1)
}

// Detach records the call.
func (m *MockAPI) Detach(ctx context.Context, h remote.Handle, cfg remote.AttachConfig) error {
	args := m.Called(ctx, h, cfg)
	return args.Error(0)
}

// OnCreate expects a Create of kind and answers with a handle of the given ID.
func (m *MockAPI) OnCreate(kind remote.Kind, id string) *mock.Call {
	return m.On("Create", mock.Anything, kind, mock.Anything).
		Return(remote.Handle{Kind: kind, ID: id}, nil)
}
