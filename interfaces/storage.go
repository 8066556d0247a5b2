package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// ContentID addresses a stored artifact by the SHA-256 of its bytes. Sealed
// bundles and sealed keys are referred to by it, so a copy from any location
// can be checked before use.
type ContentID [sha256.Size]byte

// ComputeID returns the id of data.
func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

// NewContentIDFromHex parses the hex form printed by String. A 0x prefix is accepted.
func NewContentIDFromHex(s string) (ContentID, error) {
	var id ContentID
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid content id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid content id %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Matches reports whether data hashes to id.
func (id ContentID) Matches(data []byte) bool {
	return ComputeID(data) == id
}

// ContentType is the kind of a stored artifact. Backends keep each kind
// under its own prefix.
type ContentType string

const (
	// ClaimBundleType is an age sealed claim bundle handed to the image build.
	ClaimBundleType ContentType = "bundle"
	// KeyMaterialType is a sealed device or claim private key.
	KeyMaterialType ContentType = "key"
	// DocumentType is a provisioning template or policy document.
	DocumentType ContentType = "document"
)

func (ct ContentType) String() string {
	return string(ct)
}

// storageSchemes are the URI schemes a storage location may use.
var storageSchemes = []string{"file", "s3", "vault"}

// StorageBackendLocation is a parsed storage URI such as
// s3://ACCESS:SECRET@bucket/prefix?region=eu-west-1 or
// vault://vault.internal:8200/secret/fleet.
type StorageBackendLocation struct {
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	// User carries credentials embedded in the URI, nil if there are none.
	User *url.Userinfo
}

// NewStorageBackendLocation parses uri and checks its scheme.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	u, err := url.Parse(uri)
	if err != nil {
		// url.Error repeats the URI, credentials included
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(storageSchemes, scheme) {
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
	return StorageBackendLocation{
		Scheme: scheme,
		Host:   u.Host,
		Path:   u.Path,
		Query:  u.Query(),
		User:   u.User,
	}, nil
}

// String returns the URI with any password redacted, suitable for logs.
func (loc StorageBackendLocation) String() string {
	u := url.URL{
		Scheme:   loc.Scheme,
		User:     loc.User,
		Host:     loc.Host,
		Path:     loc.Path,
		RawQuery: loc.Query.Encode(),
	}
	return u.Redacted()
}

// Credentials returns the user and password embedded in the URI.
func (loc StorageBackendLocation) Credentials() (user, password string) {
	if loc.User == nil {
		return "", ""
	}
	password, _ = loc.User.Password()
	return loc.User.Username(), password
}

// Param returns a query parameter, or def when it is absent.
func (loc StorageBackendLocation) Param(name, def string) string {
	if v := loc.Query.Get(name); v != "" {
		return v
	}
	return def
}

// Flag reports whether a query parameter is set to a true value (1, t, true).
func (loc StorageBackendLocation) Flag(name string) bool {
	v, err := strconv.ParseBool(loc.Query.Get(name))
	return err == nil && v
}

var (
	ErrContentNotFound = errors.New("content not found")

	// ErrContentMismatch means the stored bytes do not hash to the id they
	// were fetched by.
	ErrContentMismatch = errors.New("content does not match its id")

	// ErrBackendUnavailable covers network, authentication and service
	// failures of a storage backend.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend keeps content addressed artifacts in one location.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)

	// Store writes data and returns its content id. Storing the same bytes
	// twice is not an error.
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	Available(ctx context.Context) bool

	// Name identifies the backend in logs.
	Name() string

	LocationURI() string
}
