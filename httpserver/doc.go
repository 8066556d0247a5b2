/*
Package httpserver serves the fleet registration API over HTTP.

The server has two listeners. The registration listener faces devices and
authenticates them by TLS client certificate:

  - POST /api/sessions opens a registration session for a claim certificate
  - GET /api/sessions/{session_id} reports the session state
  - POST /api/sessions/{session_id}/publish?topic=... delivers one request
    message of the registration exchange and returns its reply
  - POST /api/device/authorize answers policy questions for a provisioned
    device, for use by a message broker
  - /livez, /readyz, /drain and /undrain for load balancers

The admin listener is optional, unauthenticated and meant for a private
network:

  - GET /api/admin/things and GET /api/admin/things/{name}
  - POST /api/admin/credentials/{id}/revoke
  - POST /api/admin/claims/{id}/revoke

Idle registration sessions are expired in the background after
HTTPServerConfig.SessionTTL.
*/
package httpserver
