package registry

import (
	"context"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockIdentityStore mocks the interfaces.IdentityStore interface
type MockIdentityStore struct {
	mock.Mock
}

// GetIdentity mocks the GetIdentity method
func (m *MockIdentityStore) GetIdentity(ctx context.Context, name string) (interfaces.Identity, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(interfaces.Identity), args.Error(1)
}

// PutIdentity mocks the PutIdentity method
func (m *MockIdentityStore) PutIdentity(ctx context.Context, identity interfaces.Identity) error {
	args := m.Called(ctx, identity)
	return args.Error(0)
}

// ListIdentities mocks the ListIdentities method
func (m *MockIdentityStore) ListIdentities(ctx context.Context) ([]interfaces.Identity, error) {
	args := m.Called(ctx)
	return args.Get(0).([]interfaces.Identity), args.Error(1)
}

// IdentityByCredential mocks the IdentityByCredential method
func (m *MockIdentityStore) IdentityByCredential(ctx context.Context, credentialID string) (interfaces.Identity, error) {
	args := m.Called(ctx, credentialID)
	return args.Get(0).(interfaces.Identity), args.Error(1)
}

// MockLocker mocks the interfaces.Locker interface
type MockLocker struct {
	mock.Mock
}

// Lock mocks the Lock method
func (m *MockLocker) Lock(ctx context.Context, key string) (func(), error) {
	args := m.Called(ctx, key)
	unlock, _ := args.Get(0).(func())
	return unlock, args.Error(1)
}
