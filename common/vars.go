// Package common holds process-wide helpers shared by the fleet binaries.
package common

// Version is set at build time with -ldflags "-X .../common.Version=..."
var Version = "dev"

const PackageName = "github.com/ruteri/fleet-provisioning-backend"
