// Package main (cmd/fleetd) implements the registration server of the fleet.
//
// Devices holding a claim credential open a registration session over mutual
// TLS, obtain a device certificate, and register as a thing through a
// provisioning template. Registered devices present their own certificate to
// ask the authorizer about MQTT-style actions.
//
// Settings come from a YAML file (see package config). A few of them can be
// overridden with flags or environment variables so secrets stay out of the
// file:
//
//	FLEET_POSTGRES_DSN    - overrides store.dsn
//	FLEET_REDIS_PASSWORD  - overrides locker.password
//
// The admin API listens on admin_addr without authentication. Keep it on a
// loopback or otherwise private interface.
//
// Example usage:
//
//	fleetd --config=/etc/fleet/fleet.yaml --log-json
package main
