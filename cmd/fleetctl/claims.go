package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ruteri/fleet-provisioning-backend/claimbundle"
	"github.com/ruteri/fleet-provisioning-backend/config"
	"github.com/ruteri/fleet-provisioning-backend/credentials"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/storage"
	"github.com/urfave/cli/v2"
)

// newClaimCredential signs a claim certificate offline. The server learns
// about it from the claims list of its configuration or the admin API.
func newClaimCredential(ctx context.Context, ca cryptoutils.CACert, caKey cryptoutils.Privkey, logger *slog.Logger) (interfaces.ClaimCredential, cryptoutils.Privkey, error) {
	store := credentials.NewMemoryStore()
	issuer, err := credentials.NewIssuer(ca, caKey, store, store, credentials.NewMemoryKeyStore(), logger)
	if err != nil {
		return interfaces.ClaimCredential{}, nil, err
	}
	return issuer.CreateClaimCredential(ctx)
}

func publishBundle(ctx context.Context, cfg *config.Config, in claimbundle.Input, logger *slog.Logger) (interfaces.ContentID, error) {
	backend, err := bundleBackend(cfg, storage.NewStorageBackendFactory(logger))
	if err != nil {
		return interfaces.ContentID{}, err
	}
	publisher, err := claimbundle.NewPublisher(backend, cfg.Bundles.Recipients, logger)
	if err != nil {
		return interfaces.ContentID{}, err
	}

	in.Endpoint = cfg.Bundles.Endpoint
	in.TemplateName = cfg.ClaimTemplate
	in.WifiSSID = cfg.Bundles.WifiSSID
	in.WifiCountry = cfg.Bundles.WifiCountry
	if cfg.Bundles.SSHPublicKeyFile != "" {
		key, err := os.ReadFile(cfg.Bundles.SSHPublicKeyFile)
		if err != nil {
			return interfaces.ContentID{}, fmt.Errorf("could not read ssh public key: %w", err)
		}
		in.SSHPublicKey = string(key)
	}
	return publisher.Publish(ctx, in)
}

func validate(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	templates, err := cfg.LoadTemplates()
	if err != nil {
		return err
	}
	policies, err := cfg.LoadPolicies()
	if err != nil {
		return err
	}
	if err := cfg.ClaimPolicy().Validate(); err != nil {
		return fmt.Errorf("claim policy: %w", err)
	}

	return printJSON(map[string][]string{
		"templates": templates.Names(),
		"policies":  policies.Names(),
	})
}
