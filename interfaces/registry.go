package interfaces

import "context"

// IdentityStore persists things. Writes are versioned: PutIdentity succeeds
// only when the stored version is exactly one less than the written version
// (zero for a new thing), and returns ErrConflict otherwise.
type IdentityStore interface {
	GetIdentity(ctx context.Context, name string) (Identity, error)
	PutIdentity(ctx context.Context, identity Identity) error
	ListIdentities(ctx context.Context) ([]Identity, error)
	IdentityByCredential(ctx context.Context, credentialID string) (Identity, error)
}

// Locker provides mutual exclusion scoped to a single key.
// Different keys never contend with each other.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
