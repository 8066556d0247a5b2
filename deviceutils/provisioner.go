package deviceutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"github.com/ruteri/fleet-provisioning-backend/api"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/provisioning"
)

// Provisioner turns a device holding the claim credential into a registered
// thing with its own certificate.
type Provisioner struct {
	Provider api.RegistrationProvider

	ClientID     string
	TemplateName string
	// Format is the payload format of the topics, json unless set.
	Format string
	// UseCSR keeps the private key on the device by sending a CSR instead of
	// asking the server for a key pair.
	UseCSR     bool
	Parameters map[string]any

	Log *slog.Logger
}

// Result is what a device keeps after registration.
type Result struct {
	ThingName           string
	CertificateID       string
	CertificatePEM      cryptoutils.TLSCert
	PrivateKeyPEM       cryptoutils.Privkey
	DeviceConfiguration map[string]any
}

// Do runs the registration exchange. Nothing is written to disk; see
// Result.WriteFiles.
func (p *Provisioner) Do(ctx context.Context) (*Result, error) {
	if p.Provider == nil {
		return nil, errors.New("no registration provider")
	}
	if p.ClientID == "" || p.TemplateName == "" {
		return nil, errors.New("client id and template name are required")
	}
	format := p.Format
	if format == "" {
		format = provisioning.FormatJSON
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	session, err := p.Provider.OpenSession(ctx, p.ClientID)
	if err != nil {
		return nil, fmt.Errorf("could not open registration session: %w", err)
	}
	log.Debug("registration session opened", "session_id", session.SessionID)

	var (
		res   Result
		token string
	)
	if p.UseCSR {
		keyPEM, csr, err := cryptoutils.CreateCSRWithRandomKey(p.ClientID)
		if err != nil {
			return nil, fmt.Errorf("could not create certificate request: %w", err)
		}
		resp, err := p.Provider.CreateCertificateFromCSR(ctx, session.SessionID, format, csr)
		if err != nil {
			return nil, fmt.Errorf("certificate request failed: %w", err)
		}
		res.CertificateID, res.CertificatePEM, res.PrivateKeyPEM = resp.CertificateID, cryptoutils.TLSCert(resp.CertificatePEM), keyPEM
		token = resp.CertificateOwnershipToken
	} else {
		resp, err := p.Provider.CreateKeysAndCertificate(ctx, session.SessionID, format)
		if err != nil {
			return nil, fmt.Errorf("certificate request failed: %w", err)
		}
		res.CertificateID, res.CertificatePEM, res.PrivateKeyPEM = resp.CertificateID, cryptoutils.TLSCert(resp.CertificatePEM), cryptoutils.Privkey(resp.PrivateKey)
		token = resp.CertificateOwnershipToken
	}

	if err := cryptoutils.VerifyCertificate(res.PrivateKeyPEM, res.CertificatePEM, ""); err != nil {
		return nil, fmt.Errorf("invalid certificate in registration response: %w", err)
	}

	reg, err := p.Provider.RegisterThing(ctx, session.SessionID, p.TemplateName, format, api.RegisterThingRequest{
		CertificateOwnershipToken: token,
		Parameters:                maps.Clone(p.Parameters),
	})
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	res.ThingName = reg.ThingName
	res.DeviceConfiguration = reg.DeviceConfiguration

	log.Info("device provisioned", "thing", res.ThingName, "certificate_id", res.CertificateID)
	return &res, nil
}

// Files written by WriteFiles.
const (
	CertificateFile = "cert.pem"
	PrivateKeyFile  = "key.pem"
	ConfigFile      = "config.json"
)

// WriteFiles stores the device certificate, its key and the device
// configuration in dir. The key is only readable by the owner.
func (r *Result) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	config, err := json.MarshalIndent(map[string]any{
		"thingName":           r.ThingName,
		"certificateId":       r.CertificateID,
		"deviceConfiguration": r.DeviceConfiguration,
	}, "", "  ")
	if err != nil {
		return err
	}

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{CertificateFile, r.CertificatePEM, 0o644},
		{PrivateKeyFile, r.PrivateKeyPEM, 0o600},
		{ConfigFile, config, 0o644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("could not write %s: %w", f.name, err)
		}
	}
	return nil
}
