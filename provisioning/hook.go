package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PreProvisionRequest is what a pre-provisioning hook sees before the
// template is evaluated.
type PreProvisionRequest struct {
	ClaimCertificateID string            `json:"claimCertificateId"`
	CertificateID      string            `json:"certificateId"`
	CertificatePEM     string            `json:"certificatePem"`
	TemplateName       string            `json:"templateName"`
	ClientID           string            `json:"clientId"`
	Parameters         map[string]string `json:"parameters"`
}

// PreProvisionResponse allows or denies a registration. ParameterOverrides
// replace submitted parameters of the same name.
type PreProvisionResponse struct {
	AllowProvisioning  bool              `json:"allowProvisioning"`
	ParameterOverrides map[string]string `json:"parameterOverrides"`
}

// PreProvisionHook vets registrations, e.g. against a list of known serial numbers.
type PreProvisionHook interface {
	PreProvision(ctx context.Context, req PreProvisionRequest) (PreProvisionResponse, error)
}

// HookFunc adapts a function to PreProvisionHook.
type HookFunc func(ctx context.Context, req PreProvisionRequest) (PreProvisionResponse, error)

func (f HookFunc) PreProvision(ctx context.Context, req PreProvisionRequest) (PreProvisionResponse, error) {
	return f(ctx, req)
}

// HTTPHook posts the request as JSON to an external endpoint and expects a
// PreProvisionResponse back.
type HTTPHook struct {
	url    string
	client *http.Client
}

const (
	defaultHookTimeout  = 5 * time.Second
	maxHookResponseSize = 64 << 10
)

func NewHTTPHook(url string, client *http.Client) *HTTPHook {
	if client == nil {
		client = &http.Client{Timeout: defaultHookTimeout}
	}
	return &HTTPHook{url: url, client: client}
}

func (h *HTTPHook) PreProvision(ctx context.Context, req PreProvisionRequest) (PreProvisionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PreProvisionResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return PreProvisionResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return PreProvisionResponse{}, fmt.Errorf("pre-provisioning hook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return PreProvisionResponse{}, fmt.Errorf("pre-provisioning hook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHookResponseSize+1))
	if err != nil {
		return PreProvisionResponse{}, fmt.Errorf("failed to read pre-provisioning hook response: %w", err)
	}
	if len(data) > maxHookResponseSize {
		return PreProvisionResponse{}, fmt.Errorf("pre-provisioning hook response exceeds %d bytes", maxHookResponseSize)
	}

	var out PreProvisionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return PreProvisionResponse{}, fmt.Errorf("invalid pre-provisioning hook response: %w", err)
	}
	return out, nil
}
