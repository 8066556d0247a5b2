package interfaces

import "context"

// CredentialStore persists device credentials.
type CredentialStore interface {
	// CreateCredential inserts a new credential. Returns ErrAlreadyExists if the id is taken.
	CreateCredential(ctx context.Context, cred DeviceCredential) error

	// GetCredential returns ErrNotFound for unknown ids.
	GetCredential(ctx context.Context, id string) (DeviceCredential, error)

	// UpdateCredentialStatus sets the status. Returns ErrNotFound for unknown ids.
	UpdateCredentialStatus(ctx context.Context, id string, status CredentialStatus) error

	// AttachPolicy adds a policy name to the credential; attaching twice is a no-op.
	AttachPolicy(ctx context.Context, id string, policyName string) error
}

// ClaimStore persists claim credentials, keyed by certificate fingerprint.
type ClaimStore interface {
	CreateClaim(ctx context.Context, claim ClaimCredential) error
	GetClaim(ctx context.Context, id string) (ClaimCredential, error)
	UpdateClaimStatus(ctx context.Context, id string, status CredentialStatus) error
	ListClaims(ctx context.Context) ([]ClaimCredential, error)
}

// KeyStore holds private keys and hands out opaque handles to them.
type KeyStore interface {
	PutKey(ctx context.Context, keyPEM []byte) (handle string, err error)
	GetKey(ctx context.Context, handle string) ([]byte, error)
}
