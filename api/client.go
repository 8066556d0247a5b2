package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/fleet-provisioning-backend/provisioning"
	"github.com/stretchr/testify/mock"
)

// RegistrationProvider walks the registration exchange on behalf of a device.
type RegistrationProvider interface {
	OpenSession(ctx context.Context, clientID string) (*SessionResponse, error)
	SessionState(ctx context.Context, sessionID string) (*SessionResponse, error)
	CreateKeysAndCertificate(ctx context.Context, sessionID, format string) (*CreateKeysAndCertificateResponse, error)
	CreateCertificateFromCSR(ctx context.Context, sessionID, format string, csr []byte) (*CreateCertificateFromCSRResponse, error)
	RegisterThing(ctx context.Context, sessionID, templateName, format string, req RegisterThingRequest) (*RegisterThingResponse, error)
}

// DeviceAuthorizer asks the registration service for policy decisions on
// behalf of a provisioned device.
type DeviceAuthorizer interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResponse, error)
}

const maxResponseSize = 1 << 20

// DeviceClient implements RegistrationProvider and DeviceAuthorizer against
// a remote registration server. The certificate of its TLS client decides
// which calls succeed: the claim certificate for registration, a device
// certificate for authorization.
type DeviceClient struct {
	// ServerAddr is the base URL of the registration server
	ServerAddr string

	HTTPClient *http.Client
}

// NewDeviceClient returns a client presenting cert and trusting roots. A nil
// roots uses the system pool. An empty cert presents no certificate.
func NewDeviceClient(serverAddr string, cert tls.Certificate, roots *x509.CertPool) *DeviceClient {
	tlsConfig := &tls.Config{
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	}
	if len(cert.Certificate) > 0 {
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return &DeviceClient{
		ServerAddr: serverAddr,
		HTTPClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}
}

func (c *DeviceClient) OpenSession(ctx context.Context, clientID string) (*SessionResponse, error) {
	var resp SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", CreateSessionRequest{ClientID: clientID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *DeviceClient) SessionState(ctx context.Context, sessionID string) (*SessionResponse, error) {
	var resp SessionResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *DeviceClient) CreateKeysAndCertificate(ctx context.Context, sessionID, format string) (*CreateKeysAndCertificateResponse, error) {
	topic := provisioning.RequestTopic(provisioning.OpCreateKeysAndCertificate, "", format)
	var resp CreateKeysAndCertificateResponse
	if err := c.publish(ctx, sessionID, topic, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *DeviceClient) CreateCertificateFromCSR(ctx context.Context, sessionID, format string, csr []byte) (*CreateCertificateFromCSRResponse, error) {
	topic := provisioning.RequestTopic(provisioning.OpCreateCertificateFromCSR, "", format)
	var resp CreateCertificateFromCSRResponse
	if err := c.publish(ctx, sessionID, topic, CreateCertificateFromCSRRequest{CertificateSigningRequest: string(csr)}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *DeviceClient) RegisterThing(ctx context.Context, sessionID, templateName, format string, req RegisterThingRequest) (*RegisterThingResponse, error) {
	topic := provisioning.RequestTopic(provisioning.OpRegisterThing, templateName, format)
	var resp RegisterThingResponse
	if err := c.publish(ctx, sessionID, topic, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *DeviceClient) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResponse, error) {
	var resp AuthorizeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/device/authorize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// publish sends a request message on topic and decodes the reply. A reply on
// the rejected topic is returned as *ErrorResponse.
func (c *DeviceClient) publish(ctx context.Context, sessionID, topic string, in, out any) error {
	t, err := provisioning.ParseTopic(topic)
	if err != nil {
		return err
	}
	codec, err := CodecFor(t.Format)
	if err != nil {
		return err
	}

	body, err := codec.Marshal(in)
	if err != nil {
		return err
	}

	target := fmt.Sprintf("%s/api/sessions/%s/publish?topic=%s", c.ServerAddr, url.PathEscape(sessionID), url.QueryEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", codec.ContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not publish on %s: %w", topic, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("could not read reply on %s: %w", topic, err)
	}

	switch resp.Header.Get(ReplyTopicHeader) {
	case t.Accepted():
		if err := codec.Unmarshal(data, out); err != nil {
			return fmt.Errorf("could not parse reply on %s: %w", t.Accepted(), err)
		}
		return nil
	case t.Rejected():
		var rejected ErrorResponse
		if err := codec.Unmarshal(data, &rejected); err != nil {
			return fmt.Errorf("could not parse reply on %s: %w", t.Rejected(), err)
		}
		return &rejected
	}
	return responseError(resp.StatusCode, data)
}

func (c *DeviceClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	return doJSON(ctx, c.HTTPClient, c.ServerAddr, method, path, in, out)
}

func doJSON(ctx context.Context, client *http.Client, serverAddr, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, serverAddr+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("could not read response of %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("could not parse response of %s: %w", path, err)
	}
	return nil
}

// responseError prefers the structured error of the server and falls back to
// the raw body.
func responseError(status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.ErrorCode != "" {
		return &errResp
	}
	if len(body) == 0 {
		return fmt.Errorf("server returned non-200 response: %d", status)
	}
	return fmt.Errorf("server returned error %d: %s", status, string(bytes.TrimSpace(body)))
}

// IsRejected reports whether err is a rejection sent by the server, as
// opposed to a transport failure.
func IsRejected(err error) bool {
	var errResp *ErrorResponse
	return errors.As(err, &errResp)
}

// MockRegistrationProvider implements RegistrationProvider for testing.
type MockRegistrationProvider struct {
	mock.Mock
}

func (m *MockRegistrationProvider) OpenSession(ctx context.Context, clientID string) (*SessionResponse, error) {
	args := m.Called(ctx, clientID)
	resp, _ := args.Get(0).(*SessionResponse)
	return resp, args.Error(1)
}

func (m *MockRegistrationProvider) SessionState(ctx context.Context, sessionID string) (*SessionResponse, error) {
	args := m.Called(ctx, sessionID)
	resp, _ := args.Get(0).(*SessionResponse)
	return resp, args.Error(1)
}

func (m *MockRegistrationProvider) CreateKeysAndCertificate(ctx context.Context, sessionID, format string) (*CreateKeysAndCertificateResponse, error) {
	args := m.Called(ctx, sessionID, format)
	resp, _ := args.Get(0).(*CreateKeysAndCertificateResponse)
	return resp, args.Error(1)
}

func (m *MockRegistrationProvider) CreateCertificateFromCSR(ctx context.Context, sessionID, format string, csr []byte) (*CreateCertificateFromCSRResponse, error) {
	args := m.Called(ctx, sessionID, format, csr)
	resp, _ := args.Get(0).(*CreateCertificateFromCSRResponse)
	return resp, args.Error(1)
}

func (m *MockRegistrationProvider) RegisterThing(ctx context.Context, sessionID, templateName, format string, req RegisterThingRequest) (*RegisterThingResponse, error) {
	args := m.Called(ctx, sessionID, templateName, format, req)
	resp, _ := args.Get(0).(*RegisterThingResponse)
	return resp, args.Error(1)
}
