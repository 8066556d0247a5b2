package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewMemoryStore(), NewKeyedLocker(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func strPtr(s string) *string { return &s }

func TestRegisterCreates(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	identity, err := reg.Register(ctx, interfaces.ThingSpec{
		Name:          "pi-0007",
		Attributes:    map[string]string{"site": "barn-1"},
		ThingTypeName: strPtr("rpi"),
		CredentialID:  "cert-1",
		PolicyIDs:     []string{"device"},
	}, interfaces.OverrideSettings{})
	require.NoError(t, err)

	assert.Equal(t, "pi-0007", identity.Name)
	assert.Equal(t, interfaces.LifecyclePending, identity.Lifecycle)
	assert.Equal(t, int64(1), identity.Version)
	assert.Equal(t, "rpi", identity.ThingTypeName)
	assert.Equal(t, []string{}, identity.ThingGroups)

	found, err := reg.Lookup(ctx, "pi-0007")
	require.NoError(t, err)
	assert.Equal(t, identity, found)

	byCred, err := reg.ByCredential(ctx, "cert-1")
	require.NoError(t, err)
	assert.Equal(t, "pi-0007", byCred.Name)

	_, err = reg.Lookup(ctx, "pi-0008")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = reg.Register(ctx, interfaces.ThingSpec{Name: "bad/name"}, interfaces.OverrideSettings{})
	assert.ErrorIs(t, err, interfaces.ErrParameter)
}

func TestRegisterOverrides(t *testing.T) {
	first := interfaces.ThingSpec{
		Name:          "pi-0007",
		Attributes:    map[string]string{"a": "1", "b": "1"},
		ThingTypeName: strPtr("rpi3"),
		ThingGroups:   []string{"g1"},
		CredentialID:  "cert-1",
	}
	second := interfaces.ThingSpec{
		Name:          "pi-0007",
		Attributes:    map[string]string{"b": "2", "c": "2"},
		ThingTypeName: strPtr("rpi4"),
		ThingGroups:   []string{"g2"},
		CredentialID:  "cert-2",
	}

	tests := []struct {
		name      string
		action    interfaces.OverrideAction
		wantAttrs map[string]string
		wantType  string
		wantGroup []string
	}{
		{"do nothing", interfaces.OverrideDoNothing, map[string]string{"a": "1", "b": "1"}, "rpi3", []string{"g1"}},
		{"default is do nothing", "", map[string]string{"a": "1", "b": "1"}, "rpi3", []string{"g1"}},
		{"replace", interfaces.OverrideReplace, map[string]string{"b": "2", "c": "2"}, "rpi4", []string{"g2"}},
		{"merge", interfaces.OverrideMerge, map[string]string{"a": "1", "b": "1", "c": "2"}, "rpi3", []string{"g1", "g2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			reg := newTestRegistry()
			overrides := interfaces.OverrideSettings{AttributePayload: tt.action, ThingTypeName: tt.action, ThingGroups: tt.action}

			_, err := reg.Register(ctx, first, overrides)
			require.NoError(t, err)
			identity, err := reg.Register(ctx, second, overrides)
			require.NoError(t, err)

			assert.Equal(t, tt.wantAttrs, identity.Attributes)
			assert.Equal(t, tt.wantType, identity.ThingTypeName)
			assert.Equal(t, tt.wantGroup, identity.ThingGroups)
			assert.Equal(t, "cert-2", identity.CredentialID)
			assert.Equal(t, int64(2), identity.Version)
		})
	}
}

func TestRegisterUndeclaredPropertiesUntouched(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	replace := interfaces.OverrideSettings{
		AttributePayload: interfaces.OverrideReplace,
		ThingTypeName:    interfaces.OverrideReplace,
		ThingGroups:      interfaces.OverrideReplace,
	}

	_, err := reg.Register(ctx, interfaces.ThingSpec{
		Name:          "pi-1",
		Attributes:    map[string]string{"a": "1"},
		ThingTypeName: strPtr("rpi"),
		ThingGroups:   []string{"g"},
	}, replace)
	require.NoError(t, err)

	identity, err := reg.Register(ctx, interfaces.ThingSpec{Name: "pi-1"}, replace)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, identity.Attributes)
	assert.Equal(t, "rpi", identity.ThingTypeName)
	assert.Equal(t, []string{"g"}, identity.ThingGroups)
}

func TestRegisterFail(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	overrides := interfaces.OverrideSettings{AttributePayload: interfaces.OverrideFail}

	_, err := reg.Register(ctx, interfaces.ThingSpec{Name: "pi-1"}, overrides)
	require.NoError(t, err)

	_, err = reg.Register(ctx, interfaces.ThingSpec{Name: "pi-1"}, overrides)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)
}

func TestMarkRegistered(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	_, err := reg.MarkRegistered(ctx, "pi-1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = reg.Register(ctx, interfaces.ThingSpec{Name: "pi-1"}, interfaces.OverrideSettings{})
	require.NoError(t, err)

	identity, err := reg.MarkRegistered(ctx, "pi-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.LifecycleRegistered, identity.Lifecycle)
	assert.Equal(t, int64(2), identity.Version)

	again, err := reg.MarkRegistered(ctx, "pi-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)

	// re-registration keeps the lifecycle
	updated, err := reg.Register(ctx, interfaces.ThingSpec{Name: "pi-1"}, interfaces.OverrideSettings{})
	require.NoError(t, err)
	assert.Equal(t, interfaces.LifecycleRegistered, updated.Lifecycle)
}

// Concurrent registrations of the same names never produce two things with
// one name and never lose an update.
func TestConcurrentRegistrationUniqueness(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	merge := interfaces.OverrideSettings{AttributePayload: interfaces.OverrideMerge}

	const names = 5
	const perName = 20

	var wg sync.WaitGroup
	for n := 0; n < names; n++ {
		for i := 0; i < perName; i++ {
			wg.Add(1)
			go func(n, i int) {
				defer wg.Done()
				_, err := reg.Register(ctx, interfaces.ThingSpec{
					Name:       fmt.Sprintf("pi-%d", n),
					Attributes: map[string]string{fmt.Sprintf("k%d", i): "v"},
				}, merge)
				assert.NoError(t, err)
			}(n, i)
		}
	}
	wg.Wait()

	identities, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, identities, names)

	seen := map[string]bool{}
	for i, identity := range identities {
		assert.False(t, seen[identity.Name])
		seen[identity.Name] = true
		assert.Equal(t, fmt.Sprintf("pi-%d", i), identity.Name)
		assert.Len(t, identity.Attributes, perName)
		assert.Equal(t, int64(perName), identity.Version)
	}
}

func TestKeyedLocker(t *testing.T) {
	locker := NewKeyedLocker()
	ctx := context.Background()

	unlockA, err := locker.Lock(ctx, "a")
	require.NoError(t, err)

	// other keys do not contend
	unlockB, err := locker.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	// same key blocks until released
	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		unlock, err := locker.Lock(ctx, "a")
		assert.NoError(t, err)
		acquired.Store(true)
		unlock()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load())
	unlockA()
	unlockA()
	<-done
	assert.True(t, acquired.Load())

	// cancelled waiters give up
	unlockA, err = locker.Lock(ctx, "a")
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = locker.Lock(cancelled, "a")
	assert.ErrorIs(t, err, context.Canceled)
	unlockA()

	assert.Equal(t, 0, locker.size())
}

func TestRegisterStoreErrors(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storeErr := errors.New("connection reset")

	store := &MockIdentityStore{}
	store.On("GetIdentity", mock.Anything, "pi-1").Return(interfaces.Identity{}, storeErr)
	reg := NewRegistry(store, nil, logger)

	_, err := reg.Register(ctx, interfaces.ThingSpec{Name: "pi-1"}, interfaces.OverrideSettings{})
	assert.ErrorIs(t, err, storeErr)
	store.AssertExpectations(t)

	// a version conflict from the store surfaces unchanged
	conflicting := &MockIdentityStore{}
	conflicting.On("GetIdentity", mock.Anything, "pi-2").Return(interfaces.Identity{}, interfaces.ErrNotFound)
	conflicting.On("PutIdentity", mock.Anything, mock.MatchedBy(func(i interfaces.Identity) bool {
		return i.Name == "pi-2" && i.Version == 1
	})).Return(interfaces.ErrConflict)
	reg = NewRegistry(conflicting, nil, logger)

	_, err = reg.Register(ctx, interfaces.ThingSpec{Name: "pi-2"}, interfaces.OverrideSettings{})
	assert.ErrorIs(t, err, interfaces.ErrConflict)
	conflicting.AssertExpectations(t)

	locker := &MockLocker{}
	locker.On("Lock", mock.Anything, "pi-3").Return(nil, context.DeadlineExceeded)
	reg = NewRegistry(NewMemoryStore(), locker, logger)

	_, err = reg.Register(ctx, interfaces.ThingSpec{Name: "pi-3"}, interfaces.OverrideSettings{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	locker.AssertExpectations(t)
}

func TestMemoryStoreVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutIdentity(ctx, interfaces.Identity{Name: "a", Version: 1}))
	assert.ErrorIs(t, store.PutIdentity(ctx, interfaces.Identity{Name: "a", Version: 1}), interfaces.ErrConflict)
	assert.ErrorIs(t, store.PutIdentity(ctx, interfaces.Identity{Name: "a", Version: 3}), interfaces.ErrConflict)
	require.NoError(t, store.PutIdentity(ctx, interfaces.Identity{Name: "a", Version: 2}))
	assert.ErrorIs(t, store.PutIdentity(ctx, interfaces.Identity{Name: "b", Version: 2}), interfaces.ErrConflict)
}
