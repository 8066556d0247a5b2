// Package main (cmd/device) registers a device the way fleet firmware does.
//
// The claim credential comes from a sealed bundle (--bundle with
// --identity-file) or from PEM files. Endpoints of the form srv://<name> are
// resolved through DNS SRV records and tried in preference order until one
// answers. The device certificate, its key and the device configuration are
// written to --out.
package main
