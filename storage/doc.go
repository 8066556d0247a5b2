// Package storage provides content-addressed storage with pluggable backends.
//
// The fleet backend uses it for two things: sealed private keys
// (credentials.SealedKeyStore) and sealed claim bundles handed to the
// image-build pipeline (claimbundle.Publish).
//
//   - File system storage for single-node deployments and tests
//   - S3-compatible storage for the artifact bucket shared with the image build
//   - Vault KV v2 storage for key material
//
// # Storage URI Format
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/fleet/artifacts
//   - s3://bucket-name/prefix/?region=eu-west-1
//   - vault://vault.example.com:8200/secret/fleet
//
// # Content Addressing
//
// The content identifier is the SHA-256 hash of the data. Content types
// (bundles, keys, documents) are kept in separate namespaces.
//
// MultiStorageBackend writes to every available backend and reads from the
// first one that has the content.
package storage
