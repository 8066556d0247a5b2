package api

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// AdminClient talks to the operator API of a registration server.
type AdminClient struct {
	// ServerAddr is the base URL of the admin listener
	ServerAddr string

	HTTPClient *http.Client
}

func NewAdminClient(serverAddr string) *AdminClient {
	return &AdminClient{
		ServerAddr: serverAddr,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *AdminClient) ListThings(ctx context.Context) ([]ThingResponse, error) {
	var resp ThingListResponse
	if err := doJSON(ctx, c.HTTPClient, c.ServerAddr, http.MethodGet, "/api/admin/things", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Things, nil
}

func (c *AdminClient) GetThing(ctx context.Context, name string) (*ThingResponse, error) {
	var resp ThingResponse
	if err := doJSON(ctx, c.HTTPClient, c.ServerAddr, http.MethodGet, "/api/admin/things/"+url.PathEscape(name), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *AdminClient) RevokeCredential(ctx context.Context, id string) (*RevokeResponse, error) {
	var resp RevokeResponse
	if err := doJSON(ctx, c.HTTPClient, c.ServerAddr, http.MethodPost, "/api/admin/credentials/"+url.PathEscape(id)+"/revoke", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *AdminClient) RevokeClaim(ctx context.Context, id string) (*RevokeResponse, error) {
	var resp RevokeResponse
	if err := doJSON(ctx, c.HTTPClient, c.ServerAddr, http.MethodPost, "/api/admin/claims/"+url.PathEscape(id)+"/revoke", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ImportClaim registers a claim certificate signed by the fleet CA.
func (c *AdminClient) ImportClaim(ctx context.Context, certPEM []byte) (*ClaimResponse, error) {
	var resp ClaimResponse
	if err := doJSON(ctx, c.HTTPClient, c.ServerAddr, http.MethodPost, "/api/admin/claims", ImportClaimRequest{CertificatePEM: string(certPEM)}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
