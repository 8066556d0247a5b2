package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// VaultBackend keeps fleet artifacts, typically sealed device keys, in a
// HashiCorp Vault KV v2 mount. Each artifact is one secret holding the
// base64 encoded bytes and the artifact type.
type VaultBackend struct {
	kv          *api.KVv2
	sys         *api.Sys
	mount       string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend connects to the Vault at address. clientCert enables TLS
// certificate auth. Without a token VAULT_TOKEN from the environment applies.
func NewVaultBackend(address, mount, dataPath string, clientCert *tls.Certificate, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	if clientCert != nil {
		config.HttpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{*clientCert},
				MinVersion:   tls.VersionTLS12,
			}},
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mount = strings.Trim(mount, "/")
	dataPath = strings.Trim(dataPath, "/")
	return &VaultBackend{
		kv:          client.KVv2(mount),
		sys:         client.Sys(),
		mount:       mount,
		dataPath:    dataPath,
		log:         log.With(slog.String("backend", "vault"), slog.String("mount", mount)),
		locationURI: fmt.Sprintf("vault://%s/%s/%s", vaultHost(address), mount, dataPath),
	}, nil
}

// Fetch reads the latest version of an artifact.
func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	secretPath := b.secretPath(id, contentType)

	secret, err := b.kv.Get(ctx, secretPath)
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to read secret", slog.String("path", secretPath), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	encoded, ok := secret.Data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret %s has no content", secretPath)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault secret %s: %w", secretPath, err)
	}
	if err := checkContent(id, data); err != nil {
		b.log.Error("Secret does not match its content id", slog.String("path", secretPath))
		return nil, err
	}

	b.log.Debug("Fetched artifact", slog.String("path", secretPath), slog.Int("size", len(data)))
	return data, nil
}

// Store writes an artifact as a new secret version.
func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	secretPath := b.secretPath(id, contentType)

	_, err := b.kv.Put(ctx, secretPath, map[string]any{
		"content": base64.StdEncoding.EncodeToString(data),
		"type":    contentType.String(),
	})
	if err != nil {
		b.log.Error("Failed to write secret", slog.String("path", secretPath), "err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored artifact", slog.String("path", secretPath))
	return id, nil
}

// Available reports whether Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.sys.HealthWithContext(ctx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Warn("Vault is not serving", slog.Bool("initialized", health.Initialized), slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mount, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

// secretPath is relative to the KV mount: <dataPath>/<type>/<content id>.
func (b *VaultBackend) secretPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return strings.TrimPrefix(fmt.Sprintf("%s/%s/%s", b.dataPath, contentType, id), "/")
}

func vaultHost(address string) string {
	if u, err := url.Parse(address); err == nil && u.Host != "" {
		return u.Host
	}
	return address
}
