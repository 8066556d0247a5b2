/*
Package api holds the wire contract of the registration server.

It defines the message shapes published on the registration topics, the
JSON and CBOR codecs a device may choose between, the mapping from
registration errors to error codes and HTTP statuses, the HTTP server
configuration, and DeviceClient, which walks the registration exchange from
the device side.

# Topics over HTTP

A session is opened with POST /api/sessions over a TLS connection that
presents the claim certificate. Every request message is then posted to
/api/sessions/{session_id}/publish?topic=<topic>, encoded in the format named
by the last topic segment. The reply carries the accepted or rejected topic
in the X-Reply-Topic header:

	$aws/certificates/create/json                        -> CreateKeysAndCertificateResponse
	$aws/certificates/create-from-csr/cbor               -> CreateCertificateFromCSRResponse
	$aws/provisioning-templates/<name>/provision/json    -> RegisterThingResponse

A rejected reply is an ErrorResponse. DeviceClient returns it as an error
that matches the sentinel errors of package interfaces with errors.Is.
*/
package api
