package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// MemoryStore is an in-memory interfaces.IdentityStore.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]interfaces.Identity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]interfaces.Identity)}
}

func (s *MemoryStore) GetIdentity(_ context.Context, name string) (interfaces.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, found := s.identities[name]
	if !found {
		return interfaces.Identity{}, fmt.Errorf("thing %s: %w", name, interfaces.ErrNotFound)
	}
	return identity.Clone(), nil
}

func (s *MemoryStore) PutIdentity(_ context.Context, identity interfaces.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if existing, found := s.identities[identity.Name]; found {
		stored = existing.Version
	}
	if identity.Version != stored+1 {
		return fmt.Errorf("thing %s at version %d, write is version %d: %w", identity.Name, stored, identity.Version, interfaces.ErrConflict)
	}

	s.identities[identity.Name] = identity.Clone()
	return nil
}

func (s *MemoryStore) ListIdentities(_ context.Context) ([]interfaces.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]interfaces.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity.Clone())
	}
	return out, nil
}

func (s *MemoryStore) IdentityByCredential(_ context.Context, credentialID string) (interfaces.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, identity := range s.identities {
		if identity.CredentialID == credentialID {
			return identity.Clone(), nil
		}
	}
	return interfaces.Identity{}, fmt.Errorf("credential %s: %w", credentialID, interfaces.ErrNotFound)
}
