package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/fleet-provisioning-backend/api"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// ThingDirectory reads the identity registry.
type ThingDirectory interface {
	Lookup(ctx context.Context, name string) (interfaces.Identity, error)
	List(ctx context.Context) ([]interfaces.Identity, error)
}

// CredentialAdmin revokes device and claim credentials and registers claim
// certificates created offline.
type CredentialAdmin interface {
	RevokeCredential(ctx context.Context, id string) error
	RevokeClaimCredential(ctx context.Context, id string) error
	ImportClaimCertificate(ctx context.Context, certPEM []byte) (interfaces.ClaimCredential, error)
}

// AdminHandler serves the operator API. It performs no authentication of its
// own and must only be reachable from trusted networks.
type AdminHandler struct {
	things      ThingDirectory
	credentials CredentialAdmin
	log         *slog.Logger
}

func NewAdminHandler(things ThingDirectory, credentials CredentialAdmin, log *slog.Logger) *AdminHandler {
	return &AdminHandler{things: things, credentials: credentials, log: log}
}

func (h *AdminHandler) HandleListThings(w http.ResponseWriter, r *http.Request) {
	identities, err := h.things.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := api.ThingListResponse{Things: make([]api.ThingResponse, 0, len(identities))}
	for _, identity := range identities {
		resp.Things = append(resp.Things, api.NewThingResponse(identity))
	}
	writeJSON(w, h.log, http.StatusOK, resp)
}

func (h *AdminHandler) HandleGetThing(w http.ResponseWriter, r *http.Request) {
	identity, err := h.things.Lookup(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, api.NewThingResponse(identity))
}

// HandleRevokeCredential revokes a device credential. The thing stays
// registered, but the device can no longer authenticate with it.
func (h *AdminHandler) HandleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.credentials.RevokeCredential(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("device credential revoked by operator", "credential_id", id)
	writeJSON(w, h.log, http.StatusOK, api.RevokeResponse{ID: id, Status: string(interfaces.CredentialRevoked)})
}

// HandleRevokeClaim revokes a claim credential, stopping every
// unprovisioned device carrying it from registering.
func (h *AdminHandler) HandleRevokeClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.credentials.RevokeClaimCredential(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("claim credential revoked by operator", "claim_id", id)
	writeJSON(w, h.log, http.StatusOK, api.RevokeResponse{ID: id, Status: string(interfaces.CredentialRevoked)})
}

// HandleImportClaim registers a claim certificate. Devices carrying the
// matching key can open registration sessions afterwards.
func (h *AdminHandler) HandleImportClaim(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: could not read request: %v", interfaces.ErrParameter, err))
		return
	}

	var req api.ImportClaimRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", interfaces.ErrParameter, err))
		return
	}

	claim, err := h.credentials.ImportClaimCertificate(r.Context(), []byte(req.CertificatePEM))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, http.StatusCreated, api.ClaimResponse{ID: claim.ID, Status: string(claim.Status), CreatedAt: claim.CreatedAt})
}

func (h *AdminHandler) writeError(w http.ResponseWriter, err error) {
	errResp := api.ErrorResponseFor(err)
	if errResp.ErrorCode == api.CodeInternalFailure {
		h.log.Error("admin request failed", "err", err)
	}
	writeJSON(w, h.log, errResp.StatusCode, errResp)
}
