package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/policy"
	"github.com/ruteri/fleet-provisioning-backend/provisioning"
	"github.com/ruteri/fleet-provisioning-backend/template"
)

func (c *Config) ResourceNamer() policy.ResourceNamer {
	return policy.ResourceNamer{Region: c.Region, Account: c.Account}
}

// LoadTemplates parses the configured template files. The claim template
// must be among them.
func (c *Config) LoadTemplates() (*template.Catalog, error) {
	catalog := template.NewCatalog()
	for _, path := range c.Templates {
		if _, err := catalog.LoadFile(path); err != nil {
			return nil, fmt.Errorf("template %s: %w", path, err)
		}
	}
	if c.ClaimTemplate != "" {
		if _, err := catalog.Get(c.ClaimTemplate); err != nil {
			return nil, fmt.Errorf("claim_template: %w", err)
		}
	}
	return catalog, nil
}

// LoadPolicies parses the configured policy files and adds the built-in
// device policy unless a file already defines it.
func (c *Config) LoadPolicies() (*policy.Catalog, error) {
	catalog := policy.NewCatalog()
	for _, path := range c.Policies {
		if _, err := catalog.LoadFile(path); err != nil {
			return nil, fmt.Errorf("policy %s: %w", path, err)
		}
	}

	_, err := catalog.Get(c.DevicePolicy)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		if err := catalog.Add(policy.DevicePolicy(c.DevicePolicy, c.ResourceNamer(), c.SharedTopics)); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	return catalog, nil
}

// ClaimPolicy is granted to every holder of a claim credential.
func (c *Config) ClaimPolicy() policy.Document {
	return policy.ClaimPolicy(DefaultClaimPolicy, c.ResourceNamer(), c.ClaimTemplate)
}

// LoadCA reads the fleet CA certificate and its key.
func (c *Config) LoadCA() (cryptoutils.CACert, cryptoutils.Privkey, error) {
	certData, err := os.ReadFile(c.CA.CertFile)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	ca, err := cryptoutils.NewCACert(certData)
	if err != nil {
		return nil, nil, err
	}

	keyData, err := os.ReadFile(c.CA.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read CA key: %w", err)
	}
	key, err := cryptoutils.NewPrivkey(keyData)
	if err != nil {
		return nil, nil, err
	}
	return ca, key, nil
}

// LoadClaims reads the claim certificate files registered at startup.
func (c *Config) LoadClaims() ([][]byte, error) {
	claims := make([][]byte, 0, len(c.Claims))
	for _, path := range c.Claims {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read claim certificate: %w", err)
		}
		claims = append(claims, data)
	}
	return claims, nil
}

// Passphrase reads the passphrase of the sealed key store.
func (c *Config) Passphrase() ([]byte, error) {
	data, err := os.ReadFile(c.Keys.PassphraseFile)
	if err != nil {
		return nil, fmt.Errorf("could not read key passphrase: %w", err)
	}
	passphrase := bytes.TrimSpace(data)
	if len(passphrase) == 0 {
		return nil, errors.New("key passphrase is empty")
	}
	return passphrase, nil
}

// ParseLocations parses storage URIs.
func ParseLocations(uris []string) ([]interfaces.StorageBackendLocation, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for i, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			// uri may embed credentials, so it is not echoed
			return nil, fmt.Errorf("storage location %d: %w", i, err)
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// PreProvisionHook returns the configured hook, or nil.
func (c *Config) PreProvisionHook() provisioning.PreProvisionHook {
	if c.Hook.URL == "" {
		return nil
	}
	return provisioning.NewHTTPHook(c.Hook.URL, &http.Client{Timeout: c.Hook.Timeout})
}
