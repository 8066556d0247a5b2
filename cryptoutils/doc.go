// Package cryptoutils provides the PKI and sealing primitives used by the
// fleet provisioning backend.
//
// # Certificates
//
// The fleet CA is a self-signed P-256 certificate (NewCA). Claim and device
// certificates are leaf certificates signed by it (SignCertificate), carrying
// both client and server authentication usages. Credentials are identified by
// the SHA-256 fingerprint of their DER encoding (Fingerprint).
//
// # Sealing
//
// Private keys kept at rest are sealed with AES-256-GCM under a key derived
// from an operator passphrase with Argon2id (Seal, Open). The sealed format is:
//
//	[version (1 byte)][salt (16 bytes)][nonce (12 bytes)][ciphertext]
package cryptoutils
