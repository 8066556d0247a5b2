package api_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/fleet-provisioning-backend/api"
	"github.com/ruteri/fleet-provisioning-backend/credentials"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/httpserver"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/policy"
	"github.com/ruteri/fleet-provisioning-backend/provisioning"
	"github.com/ruteri/fleet-provisioning-backend/registry"
	"github.com/ruteri/fleet-provisioning-backend/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const templateName = "fleet-template"

const fleetTemplate = `{
	"Parameters": {
		"SerialNumber": {"Type": "String"},
		"AWS::IoT::Certificate::Id": {"Type": "String"}
	},
	"Resources": {
		"certificate": {
			"Type": "AWS::IoT::Certificate",
			"Properties": {"CertificateId": {"Ref": "AWS::IoT::Certificate::Id"}, "Status": "Active"}
		},
		"policy": {"Type": "AWS::IoT::Policy", "Properties": {"PolicyName": "device-policy"}},
		"thing": {
			"Type": "AWS::IoT::Thing",
			"Properties": {"ThingName": {"Ref": "SerialNumber"}}
		}
	}
}`

type tlsFleet struct {
	url      string
	roots    *x509.CertPool
	claimTLS tls.Certificate
}

func newTLSFleet(t *testing.T) *tlsFleet {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	namer := policy.ResourceNamer{Region: "eu-west-1", Account: "123456789012"}

	ca, caKey, err := cryptoutils.NewCA("Test Fleet CA", 0)
	require.NoError(t, err)
	store := credentials.NewMemoryStore()
	issuer, err := credentials.NewIssuer(ca, caKey, store, store, credentials.NewMemoryKeyStore(), logger)
	require.NoError(t, err)

	claim, claimKey, err := issuer.CreateClaimCredential(ctx)
	require.NoError(t, err)
	claimTLS, err := tls.X509KeyPair(claim.CertificatePEM, claimKey)
	require.NoError(t, err)

	policies := policy.NewCatalog()
	require.NoError(t, policies.Add(policy.DevicePolicy("device-policy", namer, []string{policy.SharedTopic})))
	templates := template.NewCatalog()
	tmpl, err := template.Parse(templateName, []byte(fleetTemplate))
	require.NoError(t, err)
	require.NoError(t, templates.Add(tmpl))

	reg := registry.NewRegistry(registry.NewMemoryStore(), nil, logger)
	engine := policy.NewEngine(logger)
	service, err := provisioning.NewService(provisioning.Options{
		Credentials: issuer,
		Registry:    reg,
		Evaluator:   template.NewEvaluator(issuer, policies, reg, engine, []string{policy.SharedTopic}, logger),
		Templates:   templates,
		Policies:    policies,
		Engine:      engine,
		ClaimPolicy: policy.ClaimPolicy("claim-policy", namer, templateName),
		Resources:   namer,
	}, logger)
	require.NoError(t, err)

	srv, err := httpserver.New(&api.HTTPServerConfig{Log: logger, GracefulShutdownDuration: time.Second}, httpserver.NewHandler(service, logger), nil)
	require.NoError(t, err)

	serverCert, serverKey, err := issuer.IssueServerCertificate([]string{"127.0.0.1"})
	require.NoError(t, err)
	serverTLS, err := tls.X509KeyPair(serverCert, serverKey)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(ca))

	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.TLS = &tls.Config{
		Certificates: []tls.Certificate{serverTLS},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    roots,
	}
	ts.StartTLS()
	t.Cleanup(ts.Close)

	return &tlsFleet{url: ts.URL, roots: roots, claimTLS: claimTLS}
}

func TestDeviceClientRegistration(t *testing.T) {
	for _, format := range []string{provisioning.FormatJSON, provisioning.FormatCBOR} {
		t.Run(format, func(t *testing.T) {
			ctx := context.Background()
			f := newTLSFleet(t)
			client := api.NewDeviceClient(f.url, f.claimTLS, f.roots)

			session, err := client.OpenSession(ctx, "pi-0007")
			require.NoError(t, err)
			assert.Equal(t, "AWAITING_CERT_REQUEST", session.State)

			keys, err := client.CreateKeysAndCertificate(ctx, session.SessionID, format)
			require.NoError(t, err)
			assert.NotEmpty(t, keys.PrivateKey)

			reg, err := client.RegisterThing(ctx, session.SessionID, templateName, format, api.RegisterThingRequest{
				CertificateOwnershipToken: keys.CertificateOwnershipToken,
				Parameters:                map[string]any{"SerialNumber": "pi-0007"},
			})
			require.NoError(t, err)
			assert.Equal(t, "pi-0007", reg.ThingName)

			state, err := client.SessionState(ctx, session.SessionID)
			require.NoError(t, err)
			assert.Equal(t, "REGISTERED", state.State)
			assert.Equal(t, "pi-0007", state.ThingName)

			// a replayed submission is rejected and the session stays registered
			_, err = client.RegisterThing(ctx, session.SessionID, templateName, format, api.RegisterThingRequest{
				CertificateOwnershipToken: keys.CertificateOwnershipToken,
				Parameters:                map[string]any{"SerialNumber": "pi-0007"},
			})
			require.Error(t, err)
			assert.True(t, api.IsRejected(err))
			assert.ErrorIs(t, err, interfaces.ErrInvalidState)

			deviceTLS, err := tls.X509KeyPair([]byte(keys.CertificatePEM), []byte(keys.PrivateKey))
			require.NoError(t, err)
			device := api.NewDeviceClient(f.url, deviceTLS, f.roots)

			decision, err := device.Authorize(ctx, api.AuthorizeRequest{Action: policy.ActionPublish, Resource: "pi-0007/telemetry"})
			require.NoError(t, err)
			assert.True(t, decision.Allowed)

			decision, err = device.Authorize(ctx, api.AuthorizeRequest{Action: policy.ActionPublish, Resource: "pi-0008/telemetry"})
			require.NoError(t, err)
			assert.False(t, decision.Allowed)
		})
	}
}

func TestDeviceClientCSR(t *testing.T) {
	ctx := context.Background()
	f := newTLSFleet(t)
	client := api.NewDeviceClient(f.url, f.claimTLS, f.roots)

	keyPEM, csr, err := cryptoutils.CreateCSRWithRandomKey("pi-0042")
	require.NoError(t, err)

	session, err := client.OpenSession(ctx, "pi-0042")
	require.NoError(t, err)
	cert, err := client.CreateCertificateFromCSR(ctx, session.SessionID, provisioning.FormatCBOR, csr)
	require.NoError(t, err)

	_, err = tls.X509KeyPair([]byte(cert.CertificatePEM), keyPEM)
	require.NoError(t, err, "issued certificate must match the CSR key")
}

func TestDeviceClientErrors(t *testing.T) {
	ctx := context.Background()
	f := newTLSFleet(t)
	client := api.NewDeviceClient(f.url, f.claimTLS, f.roots)

	_, err := client.SessionState(ctx, "no-such-session")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = client.OpenSession(ctx, "")
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	session, err := client.OpenSession(ctx, "pi-1")
	require.NoError(t, err)
	_, err = client.RegisterThing(ctx, session.SessionID, templateName, provisioning.FormatJSON, api.RegisterThingRequest{CertificateOwnershipToken: "x"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	// a client without a certificate cannot open a session
	anonymous := api.NewDeviceClient(f.url, tls.Certificate{}, f.roots)
	_, err = anonymous.OpenSession(ctx, "pi-2")
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
}
