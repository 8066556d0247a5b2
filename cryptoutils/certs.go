package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

const (
	// DefaultCAValidity is the lifetime of a freshly created fleet CA.
	DefaultCAValidity = 10 * 365 * 24 * time.Hour
	// DefaultLeafValidity is the lifetime of claim and device certificates.
	DefaultLeafValidity = 365 * 24 * time.Hour
)

// LeafOptions describes a certificate signed by the fleet CA.
type LeafOptions struct {
	CommonName    string
	Organization  string
	// SubjectSerial is written to the subject serialNumber attribute.
	SubjectSerial string
	DNSNames      []string
	IPAddresses   []net.IP
	Validity      time.Duration
}

// GenerateKey creates a P-256 key pair and returns it together with its PEM encoding.
func GenerateKey() (*ecdsa.PrivateKey, Privkey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// NewCA creates a self-signed CA certificate with a fresh key.
// The CA may sign leaf certificates only (MaxPathLen 0).
func NewCA(commonName string, validity time.Duration) (CACert, Privkey, error) {
	if validity == 0 {
		validity = DefaultCAValidity
	}

	caKey, keyPEM, err := GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Fleet Provisioning"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), keyPEM, nil
}

// SignCertificate issues a leaf certificate for pub, signed by the CA.
func SignCertificate(ca CACert, caKey Privkey, pub crypto.PublicKey, opts LeafOptions) (TLSCert, error) {
	caCert, err := ca.GetX509Cert()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	signer, err := caKey.ECDSA()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	validity := opts.Validity
	if validity == 0 {
		validity = DefaultLeafValidity
	}

	subject := pkix.Name{CommonName: opts.CommonName, SerialNumber: opts.SubjectSerial}
	if opts.Organization != "" {
		subject.Organization = []string{opts.Organization}
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), nil
}

// SignCSR verifies a certificate signing request and issues a leaf certificate for its key.
// The subject in the request is ignored in favour of opts.
func SignCSR(ca CACert, caKey Privkey, csr TLSCSR, opts LeafOptions) (TLSCert, error) {
	parsedCSR, err := csr.GetX509CSR()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}

	if err := parsedCSR.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature verification failed: %w", err)
	}

	return SignCertificate(ca, caKey, parsedCSR.PublicKey, opts)
}

// Fingerprint returns the hex SHA-256 digest of the certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// PEMFingerprint parses a PEM certificate and returns its fingerprint.
func PEMFingerprint(certPEM []byte) (string, error) {
	cert, err := TLSCert(certPEM).GetX509Cert()
	if err != nil {
		return "", err
	}
	return Fingerprint(cert), nil
}

// VerifyCertificate validates that a certificate matches a given private key.
// If expectedCN is not empty the certificate's common name must match it too.
func VerifyCertificate(keyPEM, certPEM []byte, expectedCN string) error {
	privateKey, err := Privkey(keyPEM).ECDSA()
	if err != nil {
		return err
	}

	cert, err := TLSCert(certPEM).GetX509Cert()
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	if expectedCN != "" && cert.Subject.CommonName != expectedCN {
		return fmt.Errorf("CommonName is %s, expected %s", cert.Subject.CommonName, expectedCN)
	}

	certKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("unsupported key type")
	}

	if !certKey.Equal(&privateKey.PublicKey) {
		return errors.New("private key doesn't match certificate")
	}
	return nil
}

// CreateCSRWithRandomKey generates a new ECDSA key pair and creates a Certificate Signing Request (CSR)
// with the specified Common Name (CN).
//
// Returns:
//   - Private key in PEM format
//   - CSR in PEM format
//   - Error if key generation or CSR creation fails
func CreateCSRWithRandomKey(cn string) (Privkey, TLSCSR, error) {
	privateKey, keyPEM, err := GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	csrTemplate := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &csrTemplate, privateKey)
	if err != nil {
		return nil, nil, err
	}

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	return keyPEM, TLSCSR(csrPEM), nil
}

func randomSerial() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}
