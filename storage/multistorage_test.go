package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// remoteBackend stands in for an S3 or Vault location.
type remoteBackend struct {
	mock.Mock
	name string
}

func (b *remoteBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := b.Called(ctx, id, contentType)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (b *remoteBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := b.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (b *remoteBackend) Available(ctx context.Context) bool {
	return b.Called(ctx).Bool(0)
}

func (b *remoteBackend) Name() string {
	return b.name
}

func (b *remoteBackend) LocationURI() string {
	return "s3://" + b.name
}

func newRemote(name string, available bool) *remoteBackend {
	b := &remoteBackend{name: name}
	b.On("Available", mock.Anything).Return(available)
	return b
}

func newKeyReplicas(t *testing.T, remotes ...interfaces.StorageBackend) (*MultiStorageBackend, *FileBackend) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	local, err := NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)
	return NewMultiStorageBackend(append([]interfaces.StorageBackend{local}, remotes...), logger), local
}

func TestMultiStorageBackend_StoreReplicatesSealedKey(t *testing.T) {
	ctx := context.Background()
	sealed := []byte("age-encryption.org/v1 sealed device key")
	want := interfaces.ComputeID(sealed)

	remote := newRemote("keys-eu", true)
	remote.On("Store", mock.Anything, sealed, interfaces.KeyMaterialType).Return(want, nil).Once()
	down := newRemote("keys-us", false)

	multi, local := newKeyReplicas(t, remote, down)
	id, err := multi.Store(ctx, sealed, interfaces.KeyMaterialType)
	require.NoError(t, err)
	assert.Equal(t, want, id)

	data, err := local.Fetch(ctx, id, interfaces.KeyMaterialType)
	require.NoError(t, err)
	assert.Equal(t, sealed, data)

	remote.AssertExpectations(t)
	down.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)
}

func TestMultiStorageBackend_StoreSurvivesRemoteFailure(t *testing.T) {
	ctx := context.Background()
	sealed := []byte("claim bundle")

	remote := newRemote("bundles", true)
	remote.On("Store", mock.Anything, sealed, interfaces.ClaimBundleType).Return(interfaces.ContentID{}, interfaces.ErrBackendUnavailable)

	multi, _ := newKeyReplicas(t, remote)
	id, err := multi.Store(ctx, sealed, interfaces.ClaimBundleType)
	require.NoError(t, err)
	assert.True(t, id.Matches(sealed))
}

func TestMultiStorageBackend_StoreFailsWhenNothingAccepts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	failing := newRemote("bundles", true)
	failing.On("Store", mock.Anything, mock.Anything, mock.Anything).Return(interfaces.ContentID{}, errors.New("access denied"))
	multi := NewMultiStorageBackend([]interfaces.StorageBackend{failing, newRemote("offline", false)}, logger)
	_, err := multi.Store(ctx, []byte("bundle"), interfaces.ClaimBundleType)
	assert.ErrorContains(t, err, "bundles: access denied")

	multi = NewMultiStorageBackend([]interfaces.StorageBackend{newRemote("offline", false)}, logger)
	_, err = multi.Store(ctx, []byte("bundle"), interfaces.ClaimBundleType)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	assert.False(t, multi.Available(ctx))
}

func TestMultiStorageBackend_FetchFallsThrough(t *testing.T) {
	ctx := context.Background()
	sealed := []byte("sealed key only held remotely")
	id := interfaces.ComputeID(sealed)

	down := newRemote("keys-us", false)
	remote := newRemote("keys-eu", true)
	remote.On("Fetch", mock.Anything, id, interfaces.KeyMaterialType).Return(sealed, nil).Once()

	multi, _ := newKeyReplicas(t, down, remote)
	data, err := multi.Fetch(ctx, id, interfaces.KeyMaterialType)
	require.NoError(t, err)
	assert.Equal(t, sealed, data)

	remote.AssertExpectations(t)
	down.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
}

func TestMultiStorageBackend_FetchPrefersFirstCopy(t *testing.T) {
	ctx := context.Background()
	remote := newRemote("keys-eu", true)

	multi, local := newKeyReplicas(t, remote)
	id, err := local.Store(ctx, []byte("local copy"), interfaces.KeyMaterialType)
	require.NoError(t, err)

	data, err := multi.Fetch(ctx, id, interfaces.KeyMaterialType)
	require.NoError(t, err)
	assert.Equal(t, []byte("local copy"), data)
	remote.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
}

func TestMultiStorageBackend_FetchMissEverywhere(t *testing.T) {
	ctx := context.Background()
	id := interfaces.ComputeID([]byte("never stored"))

	remote := newRemote("keys-eu", true)
	remote.On("Fetch", mock.Anything, id, interfaces.KeyMaterialType).Return(nil, interfaces.ErrContentNotFound)

	multi, _ := newKeyReplicas(t, remote)
	_, err := multi.Fetch(ctx, id, interfaces.KeyMaterialType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	offline := NewMultiStorageBackend([]interfaces.StorageBackend{newRemote("keys-us", false)}, logger)
	_, err = offline.Fetch(ctx, id, interfaces.KeyMaterialType)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestMultiStorageBackend_LocationURI(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	multi := NewMultiStorageBackend([]interfaces.StorageBackend{newRemote("a", true), newRemote("b", false)}, logger)
	assert.Equal(t, "multi:[s3://a,s3://b]", multi.LocationURI())
	assert.Equal(t, "multi-storage", multi.Name())
}
