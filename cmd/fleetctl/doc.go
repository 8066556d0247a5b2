// Package main (cmd/fleetctl) is the operator tool of a fleet deployment.
//
// Commands:
//
//	ca init             - Create the fleet CA certificate and key
//	claim create        - Sign a claim credential offline, optionally registering
//	                      it with the server (--register) and staging a sealed
//	                      bundle for the image build (--publish)
//	claim revoke        - Revoke a claim credential fleet-wide
//	credential revoke   - Revoke a device credential
//	thing list|get      - Inspect registered things
//	bundle open         - Fetch and unpack a sealed claim bundle
//	validate            - Check the configuration, templates and policies
//
// Commands talking to the server use the admin API at --admin-addr.
package main
