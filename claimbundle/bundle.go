package claimbundle

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// Entries of a bundle archive.
const (
	ManifestFile     = "bundle.json"
	ClaimCertFile    = "claim.pem"
	ClaimKeyFile     = "claim.key"
	CACertFile       = "ca.pem"
	SSHPublicKeyFile = "authorized_keys"
)

const maxEntrySize = 1 << 20

// Input is what the image build needs to produce a device image that
// provisions itself on first boot.
type Input struct {
	Claim         interfaces.ClaimCredential
	PrivateKeyPEM cryptoutils.Privkey
	CACert        cryptoutils.CACert

	// Endpoint is the registration endpoint: a URL, or srv:// followed by
	// the SRV name listing the endpoints.
	Endpoint     string
	TemplateName string

	WifiSSID     string
	WifiCountry  string
	SSHPublicKey string
}

// Manifest is the bundle.json entry of a bundle.
type Manifest struct {
	ClaimID      string    `json:"claimId"`
	Endpoint     string    `json:"endpoint"`
	TemplateName string    `json:"templateName"`
	WifiSSID     string    `json:"wifiSsid,omitempty"`
	WifiCountry  string    `json:"wifiCountry,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Bundle is the unpacked content of a bundle archive.
type Bundle struct {
	Manifest       Manifest
	CertificatePEM cryptoutils.TLSCert
	PrivateKeyPEM  cryptoutils.Privkey
	CACert         cryptoutils.CACert
	SSHPublicKey   string
}

func (in Input) validate() error {
	switch {
	case in.Claim.ID == "" || len(in.Claim.CertificatePEM) == 0:
		return errors.New("claim credential is required")
	case len(in.PrivateKeyPEM) == 0:
		return errors.New("claim private key is required")
	case len(in.CACert) == 0:
		return errors.New("CA certificate is required")
	case in.Endpoint == "":
		return errors.New("registration endpoint is required")
	case in.TemplateName == "":
		return errors.New("template name is required")
	case in.WifiCountry != "" && len(in.WifiCountry) != 2:
		return fmt.Errorf("wifi country %q is not a two letter country code", in.WifiCountry)
	}
	return cryptoutils.VerifyCertificate(in.PrivateKeyPEM, cryptoutils.TLSCert(in.Claim.CertificatePEM), "")
}

// Build writes the bundle as a tar archive.
func Build(in Input) ([]byte, error) {
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("invalid bundle input: %w", err)
	}

	manifest, err := json.MarshalIndent(Manifest{
		ClaimID:      in.Claim.ID,
		Endpoint:     in.Endpoint,
		TemplateName: in.TemplateName,
		WifiSSID:     in.WifiSSID,
		WifiCountry:  in.WifiCountry,
		CreatedAt:    time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	type entry struct {
		name string
		data []byte
		mode int64
	}
	entries := []entry{
		{ManifestFile, manifest, 0o644},
		{ClaimCertFile, in.Claim.CertificatePEM, 0o644},
		{ClaimKeyFile, in.PrivateKeyPEM, 0o600},
		{CACertFile, in.CACert, 0o644},
	}
	if in.SSHPublicKey != "" {
		entries = append(entries, entry{SSHPublicKeyFile, []byte(in.SSHPublicKey), 0o644})
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    e.mode,
			Size:    int64(len(e.data)),
			ModTime: time.Unix(0, 0),
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("could not write %s: %w", e.name, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, fmt.Errorf("could not write %s: %w", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse reads a bundle archive produced by Build.
func Parse(archive []byte) (*Bundle, error) {
	var (
		b        Bundle
		manifest []byte
	)

	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid bundle archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxEntrySize))
		if err != nil {
			return nil, fmt.Errorf("could not read %s: %w", hdr.Name, err)
		}

		switch hdr.Name {
		case ManifestFile:
			manifest = data
		case ClaimCertFile:
			b.CertificatePEM = data
		case ClaimKeyFile:
			b.PrivateKeyPEM = data
		case CACertFile:
			b.CACert = data
		case SSHPublicKeyFile:
			b.SSHPublicKey = string(data)
		}
	}

	if manifest == nil {
		return nil, fmt.Errorf("invalid bundle archive: %s is missing", ManifestFile)
	}
	if err := json.Unmarshal(manifest, &b.Manifest); err != nil {
		return nil, fmt.Errorf("invalid bundle manifest: %w", err)
	}
	if len(b.CertificatePEM) == 0 || len(b.PrivateKeyPEM) == 0 || len(b.CACert) == 0 {
		return nil, errors.New("invalid bundle archive: claim credential is incomplete")
	}
	return &b, nil
}

// WriteFiles unpacks the bundle into dir using the archive entry names.
func (b *Bundle) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	manifest, err := json.MarshalIndent(b.Manifest, "", "  ")
	if err != nil {
		return err
	}

	type file struct {
		name string
		data []byte
		perm os.FileMode
	}
	files := []file{
		{ManifestFile, manifest, 0o644},
		{ClaimCertFile, b.CertificatePEM, 0o644},
		{ClaimKeyFile, b.PrivateKeyPEM, 0o600},
		{CACertFile, b.CACert, 0o644},
	}
	if b.SSHPublicKey != "" {
		files = append(files, file{SSHPublicKeyFile, []byte(b.SSHPublicKey), 0o644})
	}

	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("could not write %s: %w", f.name, err)
		}
	}
	return nil
}
