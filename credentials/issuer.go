package credentials

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

const (
	// DefaultMaxIssueAttempts bounds the retries on credential id collision.
	DefaultMaxIssueAttempts = 5

	claimCommonName  = "fleet claim credential"
	deviceCommonName = "fleet device credential"
	organization     = "Fleet Provisioning"
)

// IDFunc produces a candidate credential id.
type IDFunc func() (string, error)

// RandomID returns 32 random bytes, hex encoded.
func RandomID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Issuer creates claim and device credentials signed by the fleet CA.
// It is safe for concurrent use.
type Issuer struct {
	ca    cryptoutils.CACert
	caKey cryptoutils.Privkey

	creds  interfaces.CredentialStore
	claims interfaces.ClaimStore
	keys   interfaces.KeyStore

	newID       IDFunc
	maxAttempts int
	validity    time.Duration
	log         *slog.Logger
}

// NewIssuer creates an issuer for the given CA. The CA certificate and key are validated.
func NewIssuer(ca cryptoutils.CACert, caKey cryptoutils.Privkey, creds interfaces.CredentialStore, claims interfaces.ClaimStore, keys interfaces.KeyStore, log *slog.Logger) (*Issuer, error) {
	if _, err := cryptoutils.NewCACert(ca); err != nil {
		return nil, err
	}

	caCert, err := ca.GetX509Cert()
	if err != nil {
		return nil, err
	}

	key, err := caKey.ECDSA()
	if err != nil {
		return nil, fmt.Errorf("invalid CA key: %w", err)
	}

	caPub, ok := caCert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !caPub.Equal(&key.PublicKey) {
		return nil, errors.New("CA key does not match CA certificate")
	}

	return &Issuer{
		ca:          ca,
		caKey:       caKey,
		creds:       creds,
		claims:      claims,
		keys:        keys,
		newID:       RandomID,
		maxAttempts: DefaultMaxIssueAttempts,
		validity:    cryptoutils.DefaultLeafValidity,
		log:         log,
	}, nil
}

// WithIDFunc returns a copy of the issuer that draws credential ids from fn.
func (i *Issuer) WithIDFunc(fn IDFunc) *Issuer {
	cp := *i
	cp.newID = fn
	return &cp
}

// WithMaxIssueAttempts returns a copy of the issuer with a different collision retry budget.
func (i *Issuer) WithMaxIssueAttempts(n int) *Issuer {
	cp := *i
	cp.maxAttempts = max(n, 1)
	return &cp
}

// WithValidity returns a copy of the issuer issuing leaf certificates with the given lifetime.
func (i *Issuer) WithValidity(d time.Duration) *Issuer {
	cp := *i
	cp.validity = d
	return &cp
}

// CA returns the fleet CA certificate.
func (i *Issuer) CA() cryptoutils.CACert {
	return i.ca
}

// IssueDeviceCredential generates a fresh key pair and an INACTIVE device credential.
// The private key is kept in the key store and also returned to the caller for delivery to the device.
func (i *Issuer) IssueDeviceCredential(ctx context.Context) (interfaces.DeviceCredential, cryptoutils.Privkey, error) {
	key, keyPEM, err := cryptoutils.GenerateKey()
	if err != nil {
		return interfaces.DeviceCredential{}, nil, fmt.Errorf("%w: %v", interfaces.ErrIssuance, err)
	}

	cred, err := i.issue(ctx, func(id string) (cryptoutils.TLSCert, error) {
		return cryptoutils.SignCertificate(i.ca, i.caKey, &key.PublicKey, i.leafOptions(id))
	}, keyPEM)
	if err != nil {
		return interfaces.DeviceCredential{}, nil, err
	}
	return cred, keyPEM, nil
}

// IssueFromCSR issues an INACTIVE device credential for a key that stays on the device.
func (i *Issuer) IssueFromCSR(ctx context.Context, csr cryptoutils.TLSCSR) (interfaces.DeviceCredential, error) {
	if _, err := cryptoutils.NewTLSCSR(csr); err != nil {
		return interfaces.DeviceCredential{}, fmt.Errorf("%w: %v", interfaces.ErrParameter, err)
	}

	return i.issue(ctx, func(id string) (cryptoutils.TLSCert, error) {
		return cryptoutils.SignCSR(i.ca, i.caKey, csr, i.leafOptions(id))
	}, nil)
}

// issue draws ids until one is free, bounded by maxAttempts. keyPEM, when
// set, is stored once and its handle reused across collision retries.
func (i *Issuer) issue(ctx context.Context, sign func(id string) (cryptoutils.TLSCert, error), keyPEM cryptoutils.Privkey) (interfaces.DeviceCredential, error) {
	var handle string
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		id, err := i.newID()
		if err != nil {
			i.releaseKey(ctx, handle)
			return interfaces.DeviceCredential{}, fmt.Errorf("%w: %v", interfaces.ErrIssuance, err)
		}

		if _, err := i.creds.GetCredential(ctx, id); err == nil {
			i.log.Warn("Credential id collision", "credential_id", id, "attempt", attempt)
			continue
		} else if !errors.Is(err, interfaces.ErrNotFound) {
			i.releaseKey(ctx, handle)
			return interfaces.DeviceCredential{}, fmt.Errorf("failed to check credential id: %w", err)
		}

		certPEM, err := sign(id)
		if err != nil {
			i.releaseKey(ctx, handle)
			return interfaces.DeviceCredential{}, fmt.Errorf("%w: %v", interfaces.ErrIssuance, err)
		}

		if len(keyPEM) != 0 && handle == "" {
			handle, err = i.keys.PutKey(ctx, keyPEM)
			if err != nil {
				return interfaces.DeviceCredential{}, fmt.Errorf("failed to store private key: %w", err)
			}
		}

		cred := interfaces.DeviceCredential{
			ID:               id,
			CertificatePEM:   certPEM,
			PrivateKeyHandle: handle,
			Status:           interfaces.CredentialInactive,
			CreatedAt:        time.Now().UTC(),
		}

		err = i.creds.CreateCredential(ctx, cred)
		if errors.Is(err, interfaces.ErrAlreadyExists) {
			i.log.Warn("Credential id collision on insert", "credential_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			i.releaseKey(ctx, handle)
			return interfaces.DeviceCredential{}, fmt.Errorf("failed to store credential: %w", err)
		}

		i.log.Debug("Issued device credential", "credential_id", id)
		return cred, nil
	}

	i.releaseKey(ctx, handle)
	return interfaces.DeviceCredential{}, fmt.Errorf("%w: no unique credential id after %d attempts", interfaces.ErrIssuance, i.maxAttempts)
}

// keyDeleter is implemented by key stores that can drop a key.
type keyDeleter interface {
	DeleteKey(ctx context.Context, handle string) error
}

// releaseKey drops a key stored for an issuance that did not produce a credential.
func (i *Issuer) releaseKey(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	deleter, ok := i.keys.(keyDeleter)
	if !ok {
		i.log.Warn("Key store keeps the private key of a failed issuance", "handle", handle)
		return
	}
	if err := deleter.DeleteKey(ctx, handle); err != nil {
		i.log.Warn("Failed to delete private key of a failed issuance", "handle", handle, "err", err)
	}
}

// leafOptions embeds the credential id in the subject serial number so a
// presented certificate can be mapped back to its credential.
func (i *Issuer) leafOptions(id string) cryptoutils.LeafOptions {
	return cryptoutils.LeafOptions{
		CommonName:    deviceCommonName,
		Organization:  organization,
		SubjectSerial: id,
		Validity:      i.validity,
	}
}

// ActivateCredential marks a credential ACTIVE. It is idempotent on ACTIVE credentials.
func (i *Issuer) ActivateCredential(ctx context.Context, id string) error {
	cred, err := i.creds.GetCredential(ctx, id)
	if err != nil {
		return err
	}

	switch cred.Status {
	case interfaces.CredentialActive:
		return nil
	case interfaces.CredentialRevoked:
		return fmt.Errorf("%w: %s", interfaces.ErrCredentialRevoked, id)
	}

	if err := i.creds.UpdateCredentialStatus(ctx, id, interfaces.CredentialActive); err != nil {
		return err
	}
	i.log.Info("Activated device credential", "credential_id", id)
	return nil
}

// RevokeCredential marks a device credential REVOKED.
func (i *Issuer) RevokeCredential(ctx context.Context, id string) error {
	if _, err := i.creds.GetCredential(ctx, id); err != nil {
		return err
	}
	if err := i.creds.UpdateCredentialStatus(ctx, id, interfaces.CredentialRevoked); err != nil {
		return err
	}
	i.log.Info("Revoked device credential", "credential_id", id)
	return nil
}

// Credential returns a device credential by id.
func (i *Issuer) Credential(ctx context.Context, id string) (interfaces.DeviceCredential, error) {
	return i.creds.GetCredential(ctx, id)
}

// AttachPolicy attaches a named policy to a device credential.
func (i *Issuer) AttachPolicy(ctx context.Context, id string, policyName string) error {
	cred, err := i.creds.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if cred.Status == interfaces.CredentialRevoked {
		return fmt.Errorf("%w: %s", interfaces.ErrCredentialRevoked, id)
	}
	return i.creds.AttachPolicy(ctx, id, policyName)
}

// VerifyDevice maps a presented certificate to an ACTIVE device credential.
func (i *Issuer) VerifyDevice(ctx context.Context, cert *x509.Certificate) (interfaces.DeviceCredential, error) {
	if err := i.ca.VerifyClient(cert); err != nil {
		return interfaces.DeviceCredential{}, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}

	cred, err := i.creds.GetCredential(ctx, cert.Subject.SerialNumber)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.DeviceCredential{}, fmt.Errorf("%w: unknown device certificate", interfaces.ErrUnauthorized)
	}
	if err != nil {
		return interfaces.DeviceCredential{}, err
	}

	stored, err := cryptoutils.PEMFingerprint(cred.CertificatePEM)
	if err != nil || stored != cryptoutils.Fingerprint(cert) {
		return interfaces.DeviceCredential{}, fmt.Errorf("%w: certificate does not match credential", interfaces.ErrUnauthorized)
	}

	if cred.Status != interfaces.CredentialActive {
		return interfaces.DeviceCredential{}, fmt.Errorf("%w: credential is %s", interfaces.ErrUnauthorized, cred.Status)
	}
	return cred, nil
}

// CreateClaimCredential creates the shared claim credential for a fleet.
// Its id is the certificate fingerprint.
func (i *Issuer) CreateClaimCredential(ctx context.Context) (interfaces.ClaimCredential, cryptoutils.Privkey, error) {
	key, keyPEM, err := cryptoutils.GenerateKey()
	if err != nil {
		return interfaces.ClaimCredential{}, nil, fmt.Errorf("%w: %v", interfaces.ErrIssuance, err)
	}

	certPEM, err := cryptoutils.SignCertificate(i.ca, i.caKey, &key.PublicKey, cryptoutils.LeafOptions{
		CommonName:   claimCommonName,
		Organization: organization,
		Validity:     cryptoutils.DefaultCAValidity,
	})
	if err != nil {
		return interfaces.ClaimCredential{}, nil, fmt.Errorf("%w: %v", interfaces.ErrIssuance, err)
	}

	id, err := cryptoutils.PEMFingerprint(certPEM)
	if err != nil {
		return interfaces.ClaimCredential{}, nil, err
	}

	handle, err := i.keys.PutKey(ctx, keyPEM)
	if err != nil {
		return interfaces.ClaimCredential{}, nil, fmt.Errorf("failed to store private key: %w", err)
	}

	claim := interfaces.ClaimCredential{
		ID:               id,
		CertificatePEM:   certPEM,
		PrivateKeyHandle: handle,
		Status:           interfaces.CredentialActive,
		CreatedAt:        time.Now().UTC(),
	}
	if err := i.claims.CreateClaim(ctx, claim); err != nil {
		return interfaces.ClaimCredential{}, nil, fmt.Errorf("failed to store claim credential: %w", err)
	}

	i.log.Info("Created claim credential", "claim_id", id)
	return claim, keyPEM, nil
}

// ImportClaimCertificate registers a claim certificate whose key was generated
// elsewhere. The certificate must chain to the fleet CA.
func (i *Issuer) ImportClaimCertificate(ctx context.Context, certPEM []byte) (interfaces.ClaimCredential, error) {
	cert, err := cryptoutils.NewTLSCert(certPEM)
	if err != nil {
		return interfaces.ClaimCredential{}, fmt.Errorf("%w: %v", interfaces.ErrParameter, err)
	}
	x509Cert, err := cert.GetX509Cert()
	if err != nil {
		return interfaces.ClaimCredential{}, fmt.Errorf("%w: %v", interfaces.ErrParameter, err)
	}
	if err := i.ca.VerifyClient(x509Cert); err != nil {
		return interfaces.ClaimCredential{}, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}

	claim := interfaces.ClaimCredential{
		ID:             cryptoutils.Fingerprint(x509Cert),
		CertificatePEM: cert,
		Status:         interfaces.CredentialActive,
		CreatedAt:      time.Now().UTC(),
	}
	if err := i.claims.CreateClaim(ctx, claim); err != nil {
		return interfaces.ClaimCredential{}, fmt.Errorf("failed to store claim credential: %w", err)
	}

	i.log.Info("Imported claim credential", "claim_id", claim.ID)
	return claim, nil
}

// RevokeClaimCredential revokes a claim credential fleet-wide. Device
// credentials issued through it are not affected.
func (i *Issuer) RevokeClaimCredential(ctx context.Context, id string) error {
	if _, err := i.claims.GetClaim(ctx, id); err != nil {
		return err
	}
	if err := i.claims.UpdateClaimStatus(ctx, id, interfaces.CredentialRevoked); err != nil {
		return err
	}
	i.log.Info("Revoked claim credential", "claim_id", id)
	return nil
}

// VerifyClaim checks that a presented certificate is an ACTIVE claim credential signed by the fleet CA.
func (i *Issuer) VerifyClaim(ctx context.Context, cert *x509.Certificate) (interfaces.ClaimCredential, error) {
	if cert == nil {
		return interfaces.ClaimCredential{}, fmt.Errorf("%w: no client certificate", interfaces.ErrUnauthorized)
	}

	if err := i.ca.VerifyClient(cert); err != nil {
		return interfaces.ClaimCredential{}, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}

	claim, err := i.claims.GetClaim(ctx, cryptoutils.Fingerprint(cert))
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.ClaimCredential{}, fmt.Errorf("%w: not a claim credential", interfaces.ErrUnauthorized)
	}
	if err != nil {
		return interfaces.ClaimCredential{}, err
	}

	if claim.Status != interfaces.CredentialActive {
		return interfaces.ClaimCredential{}, fmt.Errorf("%w: claim credential is %s", interfaces.ErrUnauthorized, claim.Status)
	}
	return claim, nil
}

// PrivateKey returns the private key behind a handle.
func (i *Issuer) PrivateKey(ctx context.Context, handle string) (cryptoutils.Privkey, error) {
	if handle == "" {
		return nil, fmt.Errorf("%w: credential has no stored private key", interfaces.ErrNotFound)
	}
	return i.keys.GetKey(ctx, handle)
}

// IssueServerCertificate signs a TLS certificate for the registration endpoint.
// Hosts may be DNS names or IP addresses.
func (i *Issuer) IssueServerCertificate(hosts []string) (cryptoutils.TLSCert, cryptoutils.Privkey, error) {
	if len(hosts) == 0 {
		return nil, nil, errors.New("at least one host is required")
	}

	opts := cryptoutils.LeafOptions{CommonName: hosts[0], Organization: organization, Validity: i.validity}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			opts.IPAddresses = append(opts.IPAddresses, ip)
		} else {
			opts.DNSNames = append(opts.DNSNames, h)
		}
	}

	key, keyPEM, err := cryptoutils.GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	certPEM, err := cryptoutils.SignCertificate(i.ca, i.caKey, &key.PublicKey, opts)
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}
