package credentials

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// MemoryStore is an in-process CredentialStore and ClaimStore.
type MemoryStore struct {
	mu     sync.RWMutex
	creds  map[string]interfaces.DeviceCredential
	claims map[string]interfaces.ClaimCredential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:  make(map[string]interfaces.DeviceCredential),
		claims: make(map[string]interfaces.ClaimCredential),
	}
}

func (s *MemoryStore) CreateCredential(_ context.Context, cred interfaces.DeviceCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[cred.ID]; ok {
		return interfaces.ErrAlreadyExists
	}
	cred.AttachedPolicies = slices.Clone(cred.AttachedPolicies)
	s.creds[cred.ID] = cred
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, id string) (interfaces.DeviceCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[id]
	if !ok {
		return interfaces.DeviceCredential{}, interfaces.ErrNotFound
	}
	cred.AttachedPolicies = slices.Clone(cred.AttachedPolicies)
	return cred, nil
}

func (s *MemoryStore) UpdateCredentialStatus(_ context.Context, id string, status interfaces.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	cred.Status = status
	s.creds[id] = cred
	return nil
}

func (s *MemoryStore) AttachPolicy(_ context.Context, id string, policyName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if !cred.HasPolicy(policyName) {
		cred.AttachedPolicies = append(slices.Clone(cred.AttachedPolicies), policyName)
		s.creds[id] = cred
	}
	return nil
}

func (s *MemoryStore) CreateClaim(_ context.Context, claim interfaces.ClaimCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claims[claim.ID]; ok {
		return interfaces.ErrAlreadyExists
	}
	s.claims[claim.ID] = claim
	return nil
}

func (s *MemoryStore) GetClaim(_ context.Context, id string) (interfaces.ClaimCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claim, ok := s.claims[id]
	if !ok {
		return interfaces.ClaimCredential{}, interfaces.ErrNotFound
	}
	return claim, nil
}

func (s *MemoryStore) UpdateClaimStatus(_ context.Context, id string, status interfaces.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	claim.Status = status
	s.claims[id] = claim
	return nil
}

func (s *MemoryStore) ListClaims(_ context.Context) ([]interfaces.ClaimCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]interfaces.ClaimCredential, 0, len(s.claims))
	for _, c := range s.claims {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryKeyStore keeps private keys in process memory. Intended for tests and
// for servers whose keys are delivered to devices and never read back.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]cryptoutils.Privkey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]cryptoutils.Privkey)}
}

func (s *MemoryKeyStore) PutKey(_ context.Context, keyPEM []byte) (string, error) {
	handle := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[handle] = slices.Clone(keyPEM)
	return handle, nil
}

func (s *MemoryKeyStore) GetKey(_ context.Context, handle string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[handle]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return slices.Clone(key), nil
}

func (s *MemoryKeyStore) DeleteKey(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[handle]; !ok {
		return interfaces.ErrNotFound
	}
	delete(s.keys, handle)
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
