package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// TLSCSR represents a TLS Certificate Signing Request in PEM format.
type TLSCSR []byte

// NewTLSCSR creates a new CSR object from PEM-encoded data with validation.
func NewTLSCSR(data []byte) (TLSCSR, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return TLSCSR{}, errors.New("invalid CSR: not in PEM format or not a certificate request")
	}

	parsed, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return TLSCSR{}, fmt.Errorf("invalid CSR structure: %w", err)
	}

	if err := parsed.CheckSignature(); err != nil {
		return TLSCSR{}, fmt.Errorf("CSR signature verification failed: %w", err)
	}

	return TLSCSR(data), nil
}

// GetX509CSR returns the parsed X.509 certificate request.
func (csr TLSCSR) GetX509CSR() (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csr)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificateRequest(block.Bytes)
}

// TLSCert represents a TLS Certificate in PEM format.
type TLSCert []byte

// NewTLSCert creates a new certificate object from PEM-encoded data with validation.
func NewTLSCert(data []byte) (TLSCert, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return TLSCert{}, errors.New("invalid certificate: not in PEM format or not a certificate")
	}

	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return TLSCert{}, fmt.Errorf("invalid certificate structure: %w", err)
	}

	return TLSCert(data), nil
}

// GetX509Cert returns the parsed X.509 certificate.
func (cert TLSCert) GetX509Cert() (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// IsExpired checks if the certificate has expired.
func (cert TLSCert) IsExpired() (bool, error) {
	x509Cert, err := cert.GetX509Cert()
	if err != nil {
		return false, err
	}
	return x509Cert.NotAfter.Before(time.Now()), nil
}

// CACert represents a Certificate Authority Certificate in PEM format.
type CACert []byte

// NewCACert creates a new CA certificate object from PEM-encoded data with validation.
func NewCACert(data []byte) (CACert, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return CACert{}, errors.New("invalid CA certificate: not in PEM format or not a certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CACert{}, fmt.Errorf("invalid CA certificate structure: %w", err)
	}

	if !cert.IsCA {
		return CACert{}, errors.New("certificate is not a CA certificate (IsCA flag not set)")
	}

	return CACert(data), nil
}

// GetX509Cert returns the parsed X.509 certificate.
func (ca CACert) GetX509Cert() (*x509.Certificate, error) {
	block, _ := pem.Decode(ca)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// CertPool returns a pool containing only this CA.
func (ca CACert) CertPool() (*x509.CertPool, error) {
	caCert, err := ca.GetX509Cert()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	return pool, nil
}

// VerifyClient checks that a leaf certificate was signed by this CA for client authentication.
func (ca CACert) VerifyClient(leaf *x509.Certificate) error {
	pool, err := ca.CertPool()
	if err != nil {
		return err
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return err
}

// Privkey represents an EC private key in PEM format.
type Privkey []byte

// NewPrivkey creates a new private key object from PEM-encoded data with validation.
func NewPrivkey(data []byte) (Privkey, error) {
	if _, err := Privkey(data).ECDSA(); err != nil {
		return Privkey{}, err
	}
	return Privkey(data), nil
}

// ECDSA returns the parsed ECDSA private key, accepting PKCS#8 and SEC 1 encodings.
func (priv Privkey) ECDSA() (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "EC PRIVATE KEY") {
		return nil, errors.New("invalid private key: not in PEM format or not a private key")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key structure: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", key)
	}
	return ecKey, nil
}
