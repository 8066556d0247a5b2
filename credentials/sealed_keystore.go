package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// SealedKeyStore seals private keys with a passphrase and keeps them in a
// content-addressed storage backend. Handles are the hex content ids.
type SealedKeyStore struct {
	backend    interfaces.StorageBackend
	passphrase []byte
	log        *slog.Logger
}

func NewSealedKeyStore(backend interfaces.StorageBackend, passphrase []byte, log *slog.Logger) (*SealedKeyStore, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("sealed key store requires a passphrase")
	}
	return &SealedKeyStore{backend: backend, passphrase: passphrase, log: log}, nil
}

func (s *SealedKeyStore) PutKey(ctx context.Context, keyPEM []byte) (string, error) {
	sealed, err := cryptoutils.Seal(s.passphrase, keyPEM)
	if err != nil {
		return "", err
	}

	id, err := s.backend.Store(ctx, sealed, interfaces.KeyMaterialType)
	if err != nil {
		return "", fmt.Errorf("failed to store sealed key in %s: %w", s.backend.Name(), err)
	}

	s.log.Debug("Stored sealed key", "handle", id.String(), "backend", s.backend.Name())
	return id.String(), nil
}

func (s *SealedKeyStore) GetKey(ctx context.Context, handle string) ([]byte, error) {
	id, err := interfaces.NewContentIDFromHex(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key handle: %v", interfaces.ErrNotFound, err)
	}

	sealed, err := s.backend.Fetch(ctx, id, interfaces.KeyMaterialType)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, fmt.Errorf("%w: key %s", interfaces.ErrNotFound, handle)
	}
	if err != nil {
		return nil, err
	}

	return cryptoutils.Open(s.passphrase, sealed)
}
