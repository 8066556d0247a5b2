package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs and manages
// multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log          *slog.Logger
	clientCertFn func() (tls.Certificate, error)
}

// NewStorageBackendFactory creates a new factory instance that can create storage backends.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log: logger,
	}
}

// WithTLSAuth returns a copy of the factory that presents the client certificate
// returned by fn to backends supporting TLS client authentication (Vault).
func (sf *StorageBackendFactory) WithTLSAuth(fn func() (tls.Certificate, error)) *StorageBackendFactory {
	return &StorageBackendFactory{
		log:          sf.log,
		clientCertFn: fn,
	}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch location.Scheme {
	case "s3":
		return sf.createS3Backend(location)
	case "file":
		return sf.createFileBackend(location)
	case "vault":
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// It will store content to all available backends and fetch from the first one that has the content.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))

	for _, loc := range locations {
		backend, err := sf.StorageBackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	if len(backends) == 1 {
		return backends[0], nil
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
// Without embedded credentials the default AWS credential chain is used.
func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", loc.Host))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	prefix := strings.Trim(loc.Path, "/")

	accessKey, secretKey := loc.Credentials()
	return NewS3Backend(loc.Host, prefix, loc.Param("region", "us-east-1"), loc.Param("endpoint", ""), accessKey, secretKey, sf.log)
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileBackend(path, sf.log)
}

// createVaultBackend creates a Vault KV v2 backend.
// URI format: vault://host:port/mount/path?insecure=true
// The token is read from VAULT_TOKEN unless a client certificate is configured.
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating vault backend", slog.String("host", loc.Host))

	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	if loc.Host == "" || mount == "" {
		return nil, fmt.Errorf("%w: vault URI needs host and mount: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	scheme := "https"
	if loc.Flag("insecure") {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	var clientCert *tls.Certificate
	if sf.clientCertFn != nil {
		cert, err := sf.clientCertFn()
		if err != nil {
			return nil, fmt.Errorf("could not load vault client certificate: %w", err)
		}
		clientCert = &cert
	}

	return NewVaultBackend(address, mount, dataPath, clientCert, os.Getenv("VAULT_TOKEN"), sf.log)
}
