package claimbundle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/ruteri/fleet-provisioning-backend/credentials"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newInput(t *testing.T) Input {
	t.Helper()
	ca, caKey, err := cryptoutils.NewCA("Test Fleet CA", 0)
	require.NoError(t, err)
	store := credentials.NewMemoryStore()
	issuer, err := credentials.NewIssuer(ca, caKey, store, store, credentials.NewMemoryKeyStore(), testLogger())
	require.NoError(t, err)

	claim, keyPEM, err := issuer.CreateClaimCredential(context.Background())
	require.NoError(t, err)

	return Input{
		Claim:         claim,
		PrivateKeyPEM: keyPEM,
		CACert:        ca,
		Endpoint:      "srv://_fleet-provisioning._tcp.example.com",
		TemplateName:  "fleet-template",
		WifiSSID:      "factory-floor",
		WifiCountry:   "DE",
		SSHPublicKey:  "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOperator operator@example.com\n",
	}
}

func TestBuildAndParse(t *testing.T) {
	in := newInput(t)

	archive, err := Build(in)
	require.NoError(t, err)

	b, err := Parse(archive)
	require.NoError(t, err)
	assert.Equal(t, in.Claim.ID, b.Manifest.ClaimID)
	assert.Equal(t, in.Endpoint, b.Manifest.Endpoint)
	assert.Equal(t, "fleet-template", b.Manifest.TemplateName)
	assert.Equal(t, "factory-floor", b.Manifest.WifiSSID)
	assert.Equal(t, "DE", b.Manifest.WifiCountry)
	assert.Equal(t, cryptoutils.TLSCert(in.Claim.CertificatePEM), b.CertificatePEM)
	assert.Equal(t, in.PrivateKeyPEM, b.PrivateKeyPEM)
	assert.Equal(t, in.CACert, b.CACert)
	assert.Equal(t, in.SSHPublicKey, b.SSHPublicKey)
	assert.NoError(t, cryptoutils.VerifyCertificate(b.PrivateKeyPEM, b.CertificatePEM, ""))
}

func TestBuildRejectsIncompleteInput(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Input)
	}{
		{"no endpoint", func(in *Input) { in.Endpoint = "" }},
		{"no template", func(in *Input) { in.TemplateName = "" }},
		{"no key", func(in *Input) { in.PrivateKeyPEM = nil }},
		{"bad country code", func(in *Input) { in.WifiCountry = "Germany" }},
		{"key of another certificate", func(in *Input) {
			_, other, err := cryptoutils.GenerateKey()
			require.NoError(t, err)
			in.PrivateKeyPEM = other
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newInput(t)
			tt.modify(&in)
			_, err := Build(in)
			assert.ErrorContains(t, err, "invalid bundle input")
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("not a tar archive"))
	assert.Error(t, err)

	_, err = Parse(nil)
	assert.ErrorContains(t, err, ManifestFile)
}

func TestSealAndOpen(t *testing.T) {
	in := newInput(t)
	archive, err := Build(in)
	require.NoError(t, err)

	pipeline, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	escrow, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	outsider, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	sealed, err := Seal(archive, []string{pipeline.Recipient().String(), escrow.Recipient().String()})
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(in.PrivateKeyPEM))

	for _, identity := range []*age.X25519Identity{pipeline, escrow} {
		b, err := Open(sealed, identity.String())
		require.NoError(t, err)
		assert.Equal(t, in.Claim.ID, b.Manifest.ClaimID)
	}

	keyFile := "# created: 2026-10-19T10:00:00Z\n# public key: " + pipeline.Recipient().String() + "\n" + pipeline.String() + "\n"
	_, err = Open(sealed, keyFile)
	require.NoError(t, err)

	_, err = Open(sealed, outsider.String())
	assert.ErrorContains(t, err, "decrypting bundle")

	_, err = Seal(archive, nil)
	assert.Error(t, err)
	_, err = Seal(archive, []string{"age1notakey"})
	assert.Error(t, err)
}

func TestPublishAndFetch(t *testing.T) {
	ctx := context.Background()
	in := newInput(t)

	backend, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	pipeline, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	publisher, err := NewPublisher(backend, []string{pipeline.Recipient().String()}, testLogger())
	require.NoError(t, err)

	id, err := publisher.Publish(ctx, in)
	require.NoError(t, err)

	b, err := Fetch(ctx, backend, id, pipeline.String())
	require.NoError(t, err)
	assert.Equal(t, in.Claim.ID, b.Manifest.ClaimID)
	assert.Equal(t, in.PrivateKeyPEM, b.PrivateKeyPEM)

	_, err = NewPublisher(backend, []string{"not-a-key"}, testLogger())
	assert.Error(t, err)
	_, err = NewPublisher(nil, nil, testLogger())
	assert.Error(t, err)
}

func TestWriteFiles(t *testing.T) {
	in := newInput(t)
	archive, err := Build(in)
	require.NoError(t, err)
	b, err := Parse(archive)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "boot")
	require.NoError(t, b.WriteFiles(dir))

	info, err := os.Stat(filepath.Join(dir, ClaimKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cert, err := os.ReadFile(filepath.Join(dir, ClaimCertFile))
	require.NoError(t, err)
	assert.Equal(t, in.Claim.CertificatePEM, cert)

	keys, err := os.ReadFile(filepath.Join(dir, SSHPublicKeyFile))
	require.NoError(t, err)
	assert.Equal(t, in.SSHPublicKey, string(keys))
}
