// Package interfaces defines the core types, sentinel errors and narrow
// interfaces shared by the fleet provisioning components.
//
// # Identity and Credential Types
//
//   - ClaimCredential: shared bootstrap certificate baked into every factory image
//   - DeviceCredential: per-device certificate issued during provisioning
//   - Identity: the registered, uniquely named representation of one device (a "thing")
//   - OverrideSettings: per-property conflict resolution applied when a thing already exists
//
// # Store Interfaces
//
//   - CredentialStore and ClaimStore: persistence for issued certificates
//   - KeyStore: private key custody, addressed by handle
//   - IdentityStore and Locker: thing persistence and per-name mutual exclusion
//
// # Storage Interfaces
//
// StorageBackend provides content-addressed storage for artifacts handed to
// external collaborators (claim bundles for the image build) and for sealed
// key material. StorageBackendFactory creates backends from location URIs.
//
// # Errors
//
// Every failure a provisioning transaction can surface is classified by one
// of the sentinel errors declared in errors.go and is matched with errors.Is.
package interfaces
