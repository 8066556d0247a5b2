package claimbundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"filippo.io/age"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

const maxBundleSize = 8 << 20

// Seal encrypts a bundle archive to the age public keys (age1...) of the
// image build pipeline.
func Seal(archive []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, errors.New("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(archive); err != nil {
		return nil, fmt.Errorf("encrypting bundle: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts a sealed bundle with age private keys (AGE-SECRET-KEY-1...),
// as written by age-keygen, and unpacks it.
func Open(sealed []byte, privateKey string) (*Bundle, error) {
	identities, err := age.ParseIdentities(strings.NewReader(privateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(sealed), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting bundle: %w", err)
	}
	archive, err := io.ReadAll(io.LimitReader(r, maxBundleSize))
	if err != nil {
		return nil, fmt.Errorf("decrypting bundle: %w", err)
	}
	return Parse(archive)
}

// Publisher stages sealed bundles where the image build picks them up.
type Publisher struct {
	backend    interfaces.StorageBackend
	recipients []string
	log        *slog.Logger
}

func NewPublisher(backend interfaces.StorageBackend, recipients []string, log *slog.Logger) (*Publisher, error) {
	if backend == nil {
		return nil, errors.New("no storage backend")
	}
	for _, key := range recipients {
		if _, err := age.ParseX25519Recipient(strings.TrimSpace(key)); err != nil {
			return nil, fmt.Errorf("invalid age public key %q: %w", key, err)
		}
	}
	return &Publisher{backend: backend, recipients: recipients, log: log}, nil
}

// Publish builds, seals and stores a bundle. The returned content id names
// the bundle for the image build.
func (p *Publisher) Publish(ctx context.Context, in Input) (interfaces.ContentID, error) {
	archive, err := Build(in)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	sealed, err := Seal(archive, p.recipients)
	if err != nil {
		return interfaces.ContentID{}, err
	}

	id, err := p.backend.Store(ctx, sealed, interfaces.ClaimBundleType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to store bundle in %s: %w", p.backend.Name(), err)
	}

	p.log.Info("Published claim bundle", "claim_id", in.Claim.ID, "bundle", id.String(), "backend", p.backend.LocationURI())
	return id, nil
}

// Fetch loads a published bundle and opens it with privateKey.
func Fetch(ctx context.Context, backend interfaces.StorageBackend, id interfaces.ContentID, privateKey string) (*Bundle, error) {
	sealed, err := backend.Fetch(ctx, id, interfaces.ClaimBundleType)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bundle %s: %w", id.String(), err)
	}
	return Open(sealed, privateKey)
}
