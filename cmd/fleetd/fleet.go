package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/fleet-provisioning-backend/config"
	"github.com/ruteri/fleet-provisioning-backend/credentials"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/policy"
	"github.com/ruteri/fleet-provisioning-backend/policy/policyopa"
	"github.com/ruteri/fleet-provisioning-backend/provisioning"
	"github.com/ruteri/fleet-provisioning-backend/registry"
	"github.com/ruteri/fleet-provisioning-backend/registry/pgstore"
	"github.com/ruteri/fleet-provisioning-backend/registry/redislock"
	"github.com/ruteri/fleet-provisioning-backend/storage"
	"github.com/ruteri/fleet-provisioning-backend/template"
)

type fleet struct {
	issuer    *credentials.Issuer
	registry  *registry.Registry
	service   *provisioning.Service
	templates *template.Catalog
	policies  *policy.Catalog
	tlsConfig *tls.Config

	closers []func()
}

func (f *fleet) Close() {
	for i := len(f.closers) - 1; i >= 0; i-- {
		f.closers[i]()
	}
}

type stores struct {
	credentials interfaces.CredentialStore
	claims      interfaces.ClaimStore
	identities  interfaces.IdentityStore
}

func buildFleet(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *fleet, err error) {
	f := &fleet{}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	ca, caKey, err := cfg.LoadCA()
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, f, logger)
	if err != nil {
		return nil, err
	}
	keys, err := openKeyStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	locker, err := openLocker(ctx, cfg, f, logger)
	if err != nil {
		return nil, err
	}
	authorizer, err := newAuthorizer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	f.issuer, err = credentials.NewIssuer(ca, caKey, st.credentials, st.claims, keys, logger)
	if err != nil {
		return nil, err
	}
	if cfg.CA.LeafValidity > 0 {
		f.issuer = f.issuer.WithValidity(cfg.CA.LeafValidity)
	}
	if err := importClaims(ctx, cfg, f.issuer, logger); err != nil {
		return nil, err
	}

	f.templates, err = cfg.LoadTemplates()
	if err != nil {
		return nil, err
	}
	f.policies, err = cfg.LoadPolicies()
	if err != nil {
		return nil, err
	}

	f.registry = registry.NewRegistry(st.identities, locker, logger)
	engine := policy.NewEngine(logger)
	f.service, err = provisioning.NewService(provisioning.Options{
		Credentials: f.issuer,
		Registry:    f.registry,
		Evaluator:   template.NewEvaluator(f.issuer, f.policies, f.registry, engine, cfg.SharedTopics, logger),
		Templates:   f.templates,
		Policies:    f.policies,
		Engine:      engine,
		Authorizer:  authorizer,
		ClaimPolicy: cfg.ClaimPolicy(),
		Resources:   cfg.ResourceNamer(),
		Hook:        cfg.PreProvisionHook(),
	}, logger)
	if err != nil {
		return nil, err
	}

	f.tlsConfig, err = serverTLSConfig(cfg, f.issuer)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func openStores(ctx context.Context, cfg *config.Config, f *fleet, logger *slog.Logger) (stores, error) {
	switch cfg.Store.Type {
	case config.StorePostgres:
		logger.Info("Connecting to PostgreSQL")
		pg, err := pgstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return stores{}, err
		}
		f.closers = append(f.closers, pg.Close)
		return stores{credentials: pg, claims: pg, identities: pg}, nil
	case config.StoreMemory:
		logger.Warn("Using in-memory stores, registrations are lost on restart")
		creds := credentials.NewMemoryStore()
		return stores{credentials: creds, claims: creds, identities: registry.NewMemoryStore()}, nil
	default:
		return stores{}, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

func openKeyStore(cfg *config.Config, logger *slog.Logger) (interfaces.KeyStore, error) {
	if cfg.Keys.Type != config.KeysSealed {
		return credentials.NewMemoryKeyStore(), nil
	}

	locations, err := config.ParseLocations(cfg.Keys.Locations)
	if err != nil {
		return nil, err
	}
	factory := storage.NewStorageBackendFactory(logger)
	if cfg.Keys.VaultClientCertFile != "" {
		factory = factory.WithTLSAuth(func() (tls.Certificate, error) {
			return tls.LoadX509KeyPair(cfg.Keys.VaultClientCertFile, cfg.Keys.VaultClientKeyFile)
		})
	}
	backend, err := factory.CreateMultiBackend(locations)
	if err != nil {
		return nil, fmt.Errorf("could not create key storage: %w", err)
	}
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, err
	}

	logger.Info("Sealing private keys", "backend", backend.LocationURI())
	return credentials.NewSealedKeyStore(backend, passphrase, logger)
}

func openLocker(ctx context.Context, cfg *config.Config, f *fleet, logger *slog.Logger) (interfaces.Locker, error) {
	if cfg.Locker.Type != config.LockerRedis {
		return nil, nil
	}

	locker, err := redislock.New(cfg.Locker.Addr, cfg.Locker.Password, cfg.Locker.DB)
	if err != nil {
		return nil, err
	}
	f.closers = append(f.closers, func() {
		if err := locker.Close(); err != nil {
			logger.Warn("Failed to close redis client", "err", err)
		}
	})
	if err := locker.Ping(ctx); err != nil {
		return nil, fmt.Errorf("could not reach redis at %s: %w", cfg.Locker.Addr, err)
	}
	return locker, nil
}

func newAuthorizer(ctx context.Context, cfg *config.Config) (policy.Authorizer, error) {
	if cfg.Authorizer == config.AuthorizerOPA {
		authorizer, err := policyopa.NewAuthorizer(ctx)
		if err != nil {
			return nil, err
		}
		return authorizer, nil
	}
	return policy.GlobAuthorizer{}, nil
}

// importClaims registers the claim certificates listed in the configuration.
// Certificates already known from an earlier start are skipped.
func importClaims(ctx context.Context, cfg *config.Config, issuer *credentials.Issuer, logger *slog.Logger) error {
	claims, err := cfg.LoadClaims()
	if err != nil {
		return err
	}
	for i, certPEM := range claims {
		_, err := issuer.ImportClaimCertificate(ctx, certPEM)
		if errors.Is(err, interfaces.ErrAlreadyExists) {
			logger.Debug("Claim certificate already registered", "file", cfg.Claims[i])
			continue
		}
		if err != nil {
			return fmt.Errorf("claim certificate %s: %w", cfg.Claims[i], err)
		}
	}
	return nil
}

// serverTLSConfig asks devices for a client certificate without requiring
// one; the handlers decide which certificate an operation needs.
func serverTLSConfig(cfg *config.Config, issuer *credentials.Issuer) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if cfg.TLS.CertFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		certPEM, keyPEM, issueErr := issuer.IssueServerCertificate(cfg.TLS.Hosts)
		if issueErr != nil {
			return nil, issueErr
		}
		cert, err = tls.X509KeyPair(certPEM, keyPEM)
	}
	if err != nil {
		return nil, fmt.Errorf("could not load server certificate: %w", err)
	}

	clientCAs, err := issuer.CA().CertPool()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
