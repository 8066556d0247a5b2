// Package credentials issues and tracks the certificates used by the fleet.
//
// The Issuer owns the fleet CA. It creates the shared claim credential once at
// fleet setup and a unique device credential for every provisioning
// transaction. Device credentials are created INACTIVE and are only activated
// after the provisioning template has been evaluated successfully, so an
// abandoned or rejected transaction leaves behind a credential that can never
// be used.
package credentials
