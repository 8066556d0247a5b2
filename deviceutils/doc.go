// Package deviceutils is the device side of fleet provisioning.
//
// A device image carries the claim credential and either a registration
// endpoint or a DNS name whose SRV records list the endpoints
// (ResolveEndpoints). On first boot the device runs a Provisioner against
// the endpoint, which exchanges the claim credential for a device
// certificate and a registered thing, and keeps the result with
// Result.WriteFiles.
package deviceutils
