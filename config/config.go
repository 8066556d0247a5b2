package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/ruteri/fleet-provisioning-backend/policy"
	"gopkg.in/yaml.v3"
)

// Backend selectors.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	LockerLocal = "local"
	LockerRedis = "redis"

	AuthorizerGlob = "glob"
	AuthorizerOPA  = "opa"

	KeysMemory = "memory"
	KeysSealed = "sealed"
)

const (
	DefaultListenAddr   = "0.0.0.0:8443"
	DefaultDevicePolicy = "device-policy"
	DefaultClaimPolicy  = "claim-policy"
	DefaultSessionTTL   = 5 * time.Minute
	DefaultHookTimeout  = 5 * time.Second
)

// Config is the configuration of a registration server and of the operator
// tooling working against it.
type Config struct {
	// ListenAddr serves the device API. Defaults to 0.0.0.0:8443.
	ListenAddr string `yaml:"listen_addr"`

	// AdminAddr serves the operator API without authentication. It must only
	// be reachable from trusted networks. Empty disables it.
	AdminAddr string `yaml:"admin_addr"`

	// Region and Account are the partition of every resource ARN.
	Region  string `yaml:"region"`
	Account string `yaml:"account"`

	CA  CAConfig  `yaml:"ca"`
	TLS TLSConfig `yaml:"tls"`

	// Templates and Policies are files in JSON with comments. Each is named
	// after its file name without extension.
	Templates []string `yaml:"templates"`
	Policies  []string `yaml:"policies"`

	// ClaimTemplate is the only template claim credential holders may
	// submit to.
	ClaimTemplate string `yaml:"claim_template"`

	// DevicePolicy is added to the policy catalog unless a policy file of
	// the same name is configured.
	DevicePolicy string `yaml:"device_policy"`

	// SharedTopics may be granted to every device besides its own
	// namespace. Defaults to [openworld].
	SharedTopics []string `yaml:"shared_topics"`

	// Claims are claim certificate files registered at startup.
	Claims []string `yaml:"claims"`

	Store      StoreConfig    `yaml:"store"`
	Locker     LockerConfig   `yaml:"locker"`
	Keys       KeyStoreConfig `yaml:"keys"`
	Authorizer string         `yaml:"authorizer"`
	Sessions   SessionConfig  `yaml:"sessions"`
	Hook       HookConfig     `yaml:"hook"`
	Bundles    BundleConfig   `yaml:"bundles"`
}

type CAConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// LeafValidity is the lifetime of device and server certificates. Zero
	// keeps the issuer default of one year.
	LeafValidity time.Duration `yaml:"leaf_validity"`
}

// TLSConfig is the server certificate of the device API. Without cert_file
// a certificate for hosts is signed by the fleet CA at startup.
type TLSConfig struct {
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Hosts    []string `yaml:"hosts"`
}

type StoreConfig struct {
	// Type is memory or postgres.
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

type LockerConfig struct {
	// Type is local or redis. Use redis when several replicas share a store.
	Type     string `yaml:"type"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KeyStoreConfig struct {
	// Type is memory or sealed.
	Type string `yaml:"type"`

	// Locations are storage URIs (file://, s3://, vault://) receiving the
	// sealed keys.
	Locations []string `yaml:"locations"`

	PassphraseFile string `yaml:"passphrase_file"`

	// VaultClientCertFile and VaultClientKeyFile authenticate to vault://
	// locations with a TLS client certificate instead of VAULT_TOKEN.
	VaultClientCertFile string `yaml:"vault_client_cert_file"`
	VaultClientKeyFile  string `yaml:"vault_client_key_file"`
}

type SessionConfig struct {
	// TTL is how long an idle registration session is kept.
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HookConfig enables the pre-provisioning hook when URL is set.
type HookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// BundleConfig describes the claim bundle handed to the image build.
type BundleConfig struct {
	// Locations are storage URIs receiving sealed bundles.
	Locations []string `yaml:"locations"`

	// Recipients are the age public keys of the image build pipeline.
	Recipients []string `yaml:"recipients"`

	// Endpoint is the registration endpoint devices connect to: a URL, or
	// an SRV name prefixed with srv://.
	Endpoint string `yaml:"endpoint"`

	WifiSSID         string `yaml:"wifi_ssid"`
	WifiCountry      string `yaml:"wifi_country"`
	SSHPublicKeyFile string `yaml:"ssh_public_key_file"`
}

// Load reads a YAML configuration file and applies defaults. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.DevicePolicy == "" {
		c.DevicePolicy = DefaultDevicePolicy
	}
	if c.SharedTopics == nil {
		c.SharedTopics = []string{policy.SharedTopic}
	}
	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}
	if c.Locker.Type == "" {
		c.Locker.Type = LockerLocal
	}
	if c.Keys.Type == "" {
		c.Keys.Type = KeysMemory
	}
	if c.Authorizer == "" {
		c.Authorizer = AuthorizerGlob
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = DefaultSessionTTL
	}
	if c.Hook.Timeout == 0 {
		c.Hook.Timeout = DefaultHookTimeout
	}
}

// Validate checks the settings needed to run a registration server.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ListenAddr != "", "listen_addr is required")
	check(c.Region != "", "region is required")
	check(c.Account != "", "account is required")
	check(c.CA.CertFile != "" && c.CA.KeyFile != "", "ca.cert_file and ca.key_file are required")
	check((c.TLS.CertFile == "") == (c.TLS.KeyFile == ""), "tls.cert_file and tls.key_file must be set together")
	check(c.TLS.CertFile != "" || len(c.TLS.Hosts) > 0, "either tls.cert_file or tls.hosts is required")
	check(len(c.Templates) > 0, "at least one template is required")
	check(c.ClaimTemplate != "", "claim_template is required")
	check(c.CA.LeafValidity >= 0, "ca.leaf_validity must not be negative")
	check(c.Sessions.TTL > 0, "sessions.ttl must be positive")
	check(c.Sessions.SweepInterval >= 0, "sessions.sweep_interval must not be negative")

	check(slices.Contains([]string{StoreMemory, StorePostgres}, c.Store.Type), "unknown store type %q (supported: memory, postgres)", c.Store.Type)
	check(c.Store.Type != StorePostgres || c.Store.DSN != "", "store.dsn is required for the postgres store")

	check(slices.Contains([]string{LockerLocal, LockerRedis}, c.Locker.Type), "unknown locker type %q (supported: local, redis)", c.Locker.Type)
	check(c.Locker.Type != LockerRedis || c.Locker.Addr != "", "locker.addr is required for the redis locker")

	check(slices.Contains([]string{KeysMemory, KeysSealed}, c.Keys.Type), "unknown key store type %q (supported: memory, sealed)", c.Keys.Type)
	if c.Keys.Type == KeysSealed {
		check(len(c.Keys.Locations) > 0, "keys.locations are required for the sealed key store")
		check(c.Keys.PassphraseFile != "", "keys.passphrase_file is required for the sealed key store")
		check((c.Keys.VaultClientCertFile == "") == (c.Keys.VaultClientKeyFile == ""), "keys.vault_client_cert_file and keys.vault_client_key_file must be set together")
	}

	check(slices.Contains([]string{AuthorizerGlob, AuthorizerOPA}, c.Authorizer), "unknown authorizer %q (supported: glob, opa)", c.Authorizer)

	return errors.Join(errs...)
}
