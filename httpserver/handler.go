package httpserver

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/fleet-provisioning-backend/api"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/metrics"
	"github.com/ruteri/fleet-provisioning-backend/provisioning"
)

// RegistrationService is the registration state machine as seen by the
// HTTP transport.
type RegistrationService interface {
	Connect(ctx context.Context, claimCert *x509.Certificate, clientID string) (*provisioning.Session, error)
	Session(id string) (*provisioning.Session, error)
	ExpireSessions(ttl time.Duration) int
	AuthorizeDevice(ctx context.Context, cert *x509.Certificate, action, name string) (provisioning.DeviceDecision, error)
}

const maxPayloadSize = 64 << 10

// Handler serves the device facing registration API.
type Handler struct {
	service RegistrationService
	log     *slog.Logger
	metrics *metrics.Recorder
}

func NewHandler(service RegistrationService, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// ExpireSessions drops idle sessions, see provisioning.Service.
func (h *Handler) ExpireSessions(ttl time.Duration) int {
	return h.service.ExpireSessions(ttl)
}

// HandleCreateSession processes POST /api/sessions. The claim certificate is
// the TLS client certificate.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	cert, err := peerCertificate(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req api.CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadSize)).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: malformed session request: %v", interfaces.ErrParameter, err))
		return
	}

	session, err := h.service.Connect(r.Context(), cert, req.ClientID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.metrics.SessionOpened()
	writeJSON(w, h.log, http.StatusCreated, sessionResponse(session))
}

// HandleGetSession processes GET /api/sessions/{session_id}.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.claimSession(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, sessionResponse(session))
}

// HandlePublish processes POST /api/sessions/{session_id}/publish?topic=...
//
// The body is the request message encoded in the topic's format. The reply
// is encoded the same way and names its topic in the X-Reply-Topic header.
// Any failure past authentication moves the session to REJECTED.
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	session, err := h.claimSession(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	topic, err := provisioning.ParseTopic(r.URL.Query().Get("topic"))
	if err != nil {
		h.writeError(w, session.Abort(err))
		return
	}
	codec, err := api.CodecFor(topic.Format)
	if err != nil {
		h.writeError(w, session.Abort(err))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		h.writeReply(w, codec, topic.Rejected(), session.Abort(fmt.Errorf("%w: %v", interfaces.ErrParameter, err)))
		return
	}

	reply, err := h.dispatch(r.Context(), session, topic, codec, body)
	if err != nil {
		h.writeReply(w, codec, topic.Rejected(), err)
		return
	}
	h.writeReply(w, codec, topic.Accepted(), reply)
}

func (h *Handler) dispatch(ctx context.Context, session *provisioning.Session, topic provisioning.Topic, codec api.Codec, body []byte) (any, error) {
	switch topic.Operation {
	case provisioning.OpCreateKeysAndCertificate:
		offer, err := session.CreateCredential(ctx, topic.Name, nil)
		if err != nil {
			return nil, err
		}
		return api.CreateKeysAndCertificateResponse{
			CertificateID:             offer.CredentialID,
			CertificatePEM:            string(offer.CertificatePEM),
			PrivateKey:                string(offer.PrivateKeyPEM),
			CertificateOwnershipToken: offer.OwnershipToken,
		}, nil

	case provisioning.OpCreateCertificateFromCSR:
		var req api.CreateCertificateFromCSRRequest
		if err := codec.Unmarshal(body, &req); err != nil {
			return nil, session.Abort(fmt.Errorf("%w: malformed payload on %s: %v", interfaces.ErrParameter, topic.Name, err))
		}
		offer, err := session.CreateCredential(ctx, topic.Name, cryptoutils.TLSCSR(req.CertificateSigningRequest))
		if err != nil {
			return nil, err
		}
		return api.CreateCertificateFromCSRResponse{
			CertificateID:             offer.CredentialID,
			CertificatePEM:            string(offer.CertificatePEM),
			CertificateOwnershipToken: offer.OwnershipToken,
		}, nil

	case provisioning.OpRegisterThing:
		var req api.RegisterThingRequest
		if err := codec.Unmarshal(body, &req); err != nil {
			return nil, session.Abort(fmt.Errorf("%w: malformed payload on %s: %v", interfaces.ErrParameter, topic.Name, err))
		}
		reg, err := session.RegisterThing(ctx, topic.Name, provisioning.RegisterRequest{
			OwnershipToken: req.CertificateOwnershipToken,
			Parameters:     req.Parameters,
		})
		if err != nil {
			return nil, err
		}
		h.metrics.Registered(topic.TemplateName)
		config := reg.DeviceConfiguration
		if config == nil {
			config = map[string]any{}
		}
		return api.RegisterThingResponse{DeviceConfiguration: config, ThingName: reg.ThingName}, nil
	}

	return nil, session.Abort(fmt.Errorf("%w: unsupported operation on %s", interfaces.ErrParameter, topic.Name))
}

// HandleAuthorize processes POST /api/device/authorize for a device
// presenting its own certificate.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	cert, err := peerCertificate(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req api.AuthorizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadSize)).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: malformed authorization request: %v", interfaces.ErrParameter, err))
		return
	}

	decision, err := h.service.AuthorizeDevice(r.Context(), cert, req.Action, req.Resource)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, h.log, http.StatusOK, api.AuthorizeResponse{
		Allowed:   decision.Decision.Allowed(),
		Decision:  decision.Decision.String(),
		ThingName: decision.ThingName,
		Resource:  decision.Resource,
	})
}

// claimSession returns the session named in the path once the caller has
// presented the claim certificate the session was opened with.
func (h *Handler) claimSession(r *http.Request) (*provisioning.Session, error) {
	cert, err := peerCertificate(r)
	if err != nil {
		return nil, err
	}
	session, err := h.service.Session(chi.URLParam(r, "session_id"))
	if err != nil {
		return nil, err
	}
	if err := session.Authenticate(cert); err != nil {
		return nil, err
	}
	return session, nil
}

func peerCertificate(r *http.Request) (*x509.Certificate, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: no client certificate", interfaces.ErrUnauthorized)
	}
	return r.TLS.PeerCertificates[0], nil
}

func sessionResponse(session *provisioning.Session) api.SessionResponse {
	info := session.Info()
	return api.SessionResponse{
		SessionID: info.ID,
		State:     info.State.String(),
		ThingName: info.ThingName,
	}
}

// writeReply answers a publish. reply is either the accepted message or an
// error, which is sent as an ErrorResponse on the rejected topic.
func (h *Handler) writeReply(w http.ResponseWriter, codec api.Codec, replyTopic string, reply any) {
	status := http.StatusOK
	if err, isErr := reply.(error); isErr {
		errResp := h.errorResponse(err)
		status, reply = errResp.StatusCode, errResp
	}

	data, err := codec.Marshal(reply)
	if err != nil {
		h.log.Error("failed to encode reply", "topic", replyTopic, "err", err)
		http.Error(w, "failed to encode reply", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", codec.ContentType())
	w.Header().Set(api.ReplyTopicHeader, replyTopic)
	w.WriteHeader(status)
	w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	errResp := h.errorResponse(err)
	writeJSON(w, h.log, errResp.StatusCode, errResp)
}

func (h *Handler) errorResponse(err error) *api.ErrorResponse {
	errResp := api.ErrorResponseFor(err)
	h.metrics.Rejected(errResp.ErrorCode)
	if errResp.ErrorCode == api.CodeInternalFailure {
		h.log.Error("request failed", "err", err)
	}
	return errResp
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write response", "err", err)
	}
}
