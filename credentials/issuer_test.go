package credentials

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) (*Issuer, *MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ca, caKey, err := cryptoutils.NewCA("Test Fleet CA", 0)
	require.NoError(t, err)

	store := NewMemoryStore()
	issuer, err := NewIssuer(ca, caKey, store, store, NewMemoryKeyStore(), logger)
	require.NoError(t, err)
	return issuer, store
}

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	cert, err := cryptoutils.TLSCert(certPEM).GetX509Cert()
	require.NoError(t, err)
	return cert
}

func TestNewIssuerRejectsMismatchedKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ca, _, err := cryptoutils.NewCA("A", 0)
	require.NoError(t, err)
	_, otherKey, err := cryptoutils.NewCA("B", 0)
	require.NoError(t, err)

	store := NewMemoryStore()
	_, err = NewIssuer(ca, otherKey, store, store, NewMemoryKeyStore(), logger)
	assert.Error(t, err)
}

func TestIssueDeviceCredential(t *testing.T) {
	ctx := context.Background()
	issuer, store := newTestIssuer(t)

	cred, keyPEM, err := issuer.IssueDeviceCredential(ctx)
	require.NoError(t, err)

	assert.Equal(t, interfaces.CredentialInactive, cred.Status)
	assert.Len(t, cred.ID, 64)
	assert.NotEmpty(t, cred.PrivateKeyHandle)
	require.NoError(t, cryptoutils.VerifyCertificate(keyPEM, cred.CertificatePEM, ""))

	cert := parseCert(t, cred.CertificatePEM)
	assert.Equal(t, cred.ID, cert.Subject.SerialNumber)
	require.NoError(t, issuer.CA().VerifyClient(cert))

	stored, err := store.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.CertificatePEM, stored.CertificatePEM)

	key, err := issuer.PrivateKey(ctx, cred.PrivateKeyHandle)
	require.NoError(t, err)
	assert.Equal(t, keyPEM, key)
}

func TestIssueDeviceCredentialUniqueIDs(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	seen := map[string]bool{}
	for range 10 {
		cred, _, err := issuer.IssueDeviceCredential(ctx)
		require.NoError(t, err)
		assert.False(t, seen[cred.ID])
		seen[cred.ID] = true
	}
}

func TestIssueRetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	base, _ := newTestIssuer(t)

	ids := []string{"cert-1", "cert-1", "cert-1", "cert-2"}
	calls := 0
	issuer := base.WithIDFunc(func() (string, error) {
		id := ids[calls]
		calls++
		return id, nil
	})

	first, _, err := issuer.IssueDeviceCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cert-1", first.ID)

	second, _, err := issuer.IssueDeviceCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cert-2", second.ID)
	assert.Equal(t, 4, calls)
}

func TestIssueCollisionBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	base, _ := newTestIssuer(t)

	calls := 0
	issuer := base.WithMaxIssueAttempts(3).WithIDFunc(func() (string, error) {
		calls++
		return "cert-123", nil
	})

	_, _, err := issuer.IssueDeviceCredential(ctx)
	require.NoError(t, err)

	calls = 0
	_, _, err = issuer.IssueDeviceCredential(ctx)
	assert.ErrorIs(t, err, interfaces.ErrIssuance)
	assert.Equal(t, 3, calls)
}

// racingStore reports an id collision on insert for the first collisions
// inserts, as when another replica takes the id after the lookup.
type racingStore struct {
	*MemoryStore
	collisions int
	inserts    int
}

func (s *racingStore) CreateCredential(ctx context.Context, cred interfaces.DeviceCredential) error {
	s.inserts++
	if s.inserts <= s.collisions {
		return interfaces.ErrAlreadyExists
	}
	return s.MemoryStore.CreateCredential(ctx, cred)
}

func newRacingIssuer(t *testing.T, collisions int) (*Issuer, *racingStore, *MemoryKeyStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ca, caKey, err := cryptoutils.NewCA("Test Fleet CA", 0)
	require.NoError(t, err)

	store := &racingStore{MemoryStore: NewMemoryStore(), collisions: collisions}
	keys := NewMemoryKeyStore()
	issuer, err := NewIssuer(ca, caKey, store, store, keys, logger)
	require.NoError(t, err)
	return issuer, store, keys
}

func TestIssueInsertCollisionKeepsOneKey(t *testing.T) {
	ctx := context.Background()
	issuer, store, keys := newRacingIssuer(t, 2)

	cred, keyPEM, err := issuer.IssueDeviceCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, store.inserts)
	assert.Equal(t, 1, keys.Len())

	stored, err := keys.GetKey(ctx, cred.PrivateKeyHandle)
	require.NoError(t, err)
	assert.Equal(t, []byte(keyPEM), stored)

	_, err = tls.X509KeyPair(cred.CertificatePEM, stored)
	assert.NoError(t, err, "stored key must belong to the issued certificate")
}

func TestIssueFailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	base, store, keys := newRacingIssuer(t, 10)
	issuer := base.WithMaxIssueAttempts(3)

	_, _, err := issuer.IssueDeviceCredential(ctx)
	assert.ErrorIs(t, err, interfaces.ErrIssuance)
	assert.Equal(t, 3, store.inserts)
	assert.Equal(t, 0, keys.Len())
}

func TestIssueWithValidity(t *testing.T) {
	base, _ := newTestIssuer(t)
	issuer := base.WithValidity(48 * time.Hour)

	cred, _, err := issuer.IssueDeviceCredential(context.Background())
	require.NoError(t, err)

	cert := parseCert(t, cred.CertificatePEM)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), cert.NotAfter, 5*time.Minute)
}

func TestIssueIDFuncFailure(t *testing.T) {
	base, _ := newTestIssuer(t)
	issuer := base.WithIDFunc(func() (string, error) { return "", errors.New("entropy exhausted") })

	_, _, err := issuer.IssueDeviceCredential(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrIssuance)
}

func TestIssueFromCSR(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	keyPEM, csr, err := cryptoutils.CreateCSRWithRandomKey("pi-0007")
	require.NoError(t, err)

	cred, err := issuer.IssueFromCSR(ctx, csr)
	require.NoError(t, err)
	assert.Empty(t, cred.PrivateKeyHandle)
	assert.Equal(t, interfaces.CredentialInactive, cred.Status)
	require.NoError(t, cryptoutils.VerifyCertificate(keyPEM, cred.CertificatePEM, ""))

	_, err = issuer.PrivateKey(ctx, cred.PrivateKeyHandle)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = issuer.IssueFromCSR(ctx, cryptoutils.TLSCSR("not a csr"))
	assert.ErrorIs(t, err, interfaces.ErrParameter)
}

func TestActivateCredential(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	cred, _, err := issuer.IssueDeviceCredential(ctx)
	require.NoError(t, err)

	require.NoError(t, issuer.ActivateCredential(ctx, cred.ID))
	// idempotent
	require.NoError(t, issuer.ActivateCredential(ctx, cred.ID))

	got, err := issuer.Credential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CredentialActive, got.Status)

	assert.ErrorIs(t, issuer.ActivateCredential(ctx, "missing"), interfaces.ErrNotFound)

	require.NoError(t, issuer.RevokeCredential(ctx, cred.ID))
	assert.ErrorIs(t, issuer.ActivateCredential(ctx, cred.ID), interfaces.ErrCredentialRevoked)
	assert.ErrorIs(t, issuer.RevokeCredential(ctx, "missing"), interfaces.ErrNotFound)
}

func TestAttachPolicy(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	cred, _, err := issuer.IssueDeviceCredential(ctx)
	require.NoError(t, err)

	require.NoError(t, issuer.AttachPolicy(ctx, cred.ID, "device-policy"))
	require.NoError(t, issuer.AttachPolicy(ctx, cred.ID, "device-policy"))

	got, err := issuer.Credential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"device-policy"}, got.AttachedPolicies)

	assert.ErrorIs(t, issuer.AttachPolicy(ctx, "missing", "device-policy"), interfaces.ErrNotFound)
}

func TestClaimCredentialLifecycle(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	claim, keyPEM, err := issuer.CreateClaimCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CredentialActive, claim.Status)
	require.NoError(t, cryptoutils.VerifyCertificate(keyPEM, claim.CertificatePEM, claimCommonName))

	cert := parseCert(t, claim.CertificatePEM)
	got, err := issuer.VerifyClaim(ctx, cert)
	require.NoError(t, err)
	assert.Equal(t, claim.ID, got.ID)

	// a device credential signed by the same CA is not a claim credential
	dev, _, err := issuer.IssueDeviceCredential(ctx)
	require.NoError(t, err)
	require.NoError(t, issuer.ActivateCredential(ctx, dev.ID))
	_, err = issuer.VerifyClaim(ctx, parseCert(t, dev.CertificatePEM))
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	_, err = issuer.VerifyClaim(ctx, nil)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	require.NoError(t, issuer.RevokeClaimCredential(ctx, claim.ID))
	_, err = issuer.VerifyClaim(ctx, cert)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	// revoking the claim leaves device credentials alone
	_, err = issuer.VerifyDevice(ctx, parseCert(t, dev.CertificatePEM))
	require.NoError(t, err)

	assert.ErrorIs(t, issuer.RevokeClaimCredential(ctx, "missing"), interfaces.ErrNotFound)
}

func TestVerifyClaimForeignCA(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)
	other, _ := newTestIssuer(t)

	foreign, _, err := other.CreateClaimCredential(ctx)
	require.NoError(t, err)

	_, err = issuer.VerifyClaim(ctx, parseCert(t, foreign.CertificatePEM))
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
}

func TestImportClaimCertificate(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	keyPEM, csr, err := cryptoutils.CreateCSRWithRandomKey(claimCommonName)
	require.NoError(t, err)
	certPEM, err := cryptoutils.SignCSR(issuer.ca, issuer.caKey, csr, cryptoutils.LeafOptions{CommonName: claimCommonName})
	require.NoError(t, err)
	require.NoError(t, cryptoutils.VerifyCertificate(keyPEM, certPEM, claimCommonName))

	claim, err := issuer.ImportClaimCertificate(ctx, certPEM)
	require.NoError(t, err)
	assert.Empty(t, claim.PrivateKeyHandle)

	got, err := issuer.VerifyClaim(ctx, parseCert(t, certPEM))
	require.NoError(t, err)
	assert.Equal(t, claim.ID, got.ID)

	_, err = issuer.ImportClaimCertificate(ctx, certPEM)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)

	_, err = issuer.ImportClaimCertificate(ctx, []byte("not a certificate"))
	assert.ErrorIs(t, err, interfaces.ErrParameter)

	other, _ := newTestIssuer(t)
	foreign, _, err := other.CreateClaimCredential(ctx)
	require.NoError(t, err)
	_, err = issuer.ImportClaimCertificate(ctx, foreign.CertificatePEM)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
}

func TestVerifyDeviceRequiresActive(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	cred, _, err := issuer.IssueDeviceCredential(ctx)
	require.NoError(t, err)
	cert := parseCert(t, cred.CertificatePEM)

	_, err = issuer.VerifyDevice(ctx, cert)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	require.NoError(t, issuer.ActivateCredential(ctx, cred.ID))
	got, err := issuer.VerifyDevice(ctx, cert)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)

	require.NoError(t, issuer.RevokeCredential(ctx, cred.ID))
	_, err = issuer.VerifyDevice(ctx, cert)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
}

func TestIssueServerCertificate(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	certPEM, keyPEM, err := issuer.IssueServerCertificate([]string{"fleet.example.com", "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, cryptoutils.VerifyCertificate(keyPEM, certPEM, "fleet.example.com"))

	cert := parseCert(t, certPEM)
	assert.Equal(t, []string{"fleet.example.com"}, cert.DNSNames)
	assert.Len(t, cert.IPAddresses, 1)

	_, _, err = issuer.IssueServerCertificate(nil)
	assert.Error(t, err)
}

func TestSealedKeyStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)

	_, err = NewSealedKeyStore(backend, nil, logger)
	assert.Error(t, err)

	keys, err := NewSealedKeyStore(backend, []byte("operator passphrase"), logger)
	require.NoError(t, err)

	_, keyPEM, err := cryptoutils.GenerateKey()
	require.NoError(t, err)

	handle, err := keys.PutKey(ctx, keyPEM)
	require.NoError(t, err)

	got, err := keys.GetKey(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte(keyPEM), got)

	raw, err := backend.Fetch(ctx, mustContentID(t, handle), interfaces.KeyMaterialType)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "PRIVATE KEY")

	wrong, err := NewSealedKeyStore(backend, []byte("wrong"), logger)
	require.NoError(t, err)
	_, err = wrong.GetKey(ctx, handle)
	assert.ErrorIs(t, err, cryptoutils.ErrSealCorrupted)

	_, err = keys.GetKey(ctx, "zz")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = keys.GetKey(ctx, interfaces.ComputeID([]byte("absent")).String())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func mustContentID(t *testing.T, handle string) interfaces.ContentID {
	t.Helper()
	id, err := interfaces.NewContentIDFromHex(handle)
	require.NoError(t, err)
	return id
}
