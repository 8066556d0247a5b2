package api

import (
	"time"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// ReplyTopicHeader carries the topic a publish reply belongs to, either the
// accepted or the rejected topic of the request.
const ReplyTopicHeader = "X-Reply-Topic"

// CreateSessionRequest opens a registration session. The claim certificate
// is taken from the TLS connection.
type CreateSessionRequest struct {
	ClientID string `json:"client_id"`
}

// SessionResponse describes a registration session.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	ThingName string `json:"thing_name,omitempty"`
}

// CreateKeysAndCertificateResponse is the accepted reply on
// $aws/certificates/create/<format>.
type CreateKeysAndCertificateResponse struct {
	CertificateID             string `json:"certificateId"`
	CertificatePEM            string `json:"certificatePem"`
	PrivateKey                string `json:"privateKey"`
	CertificateOwnershipToken string `json:"certificateOwnershipToken"`
}

// CreateCertificateFromCSRRequest is published on
// $aws/certificates/create-from-csr/<format>.
type CreateCertificateFromCSRRequest struct {
	CertificateSigningRequest string `json:"certificateSigningRequest"`
}

type CreateCertificateFromCSRResponse struct {
	CertificateID             string `json:"certificateId"`
	CertificatePEM            string `json:"certificatePem"`
	CertificateOwnershipToken string `json:"certificateOwnershipToken"`
}

// RegisterThingRequest is published on
// $aws/provisioning-templates/<template>/provision/<format>.
type RegisterThingRequest struct {
	CertificateOwnershipToken string         `json:"certificateOwnershipToken"`
	Parameters                map[string]any `json:"parameters,omitempty"`
}

type RegisterThingResponse struct {
	DeviceConfiguration map[string]any `json:"deviceConfiguration"`
	ThingName           string         `json:"thingName,omitempty"`
}

// AuthorizeRequest asks whether the calling device may perform Action.
// Resource is a client id for iot:Connect, a topic filter for iot:Subscribe
// and a topic otherwise.
type AuthorizeRequest struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

type AuthorizeResponse struct {
	Allowed   bool   `json:"allowed"`
	Decision  string `json:"decision"`
	ThingName string `json:"thing_name"`
	Resource  string `json:"resource"`
}

// ThingResponse is the admin view of a registered thing.
type ThingResponse struct {
	Name          string            `json:"name"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	ThingTypeName string            `json:"thing_type_name,omitempty"`
	ThingGroups   []string          `json:"thing_groups,omitempty"`
	CredentialID  string            `json:"credential_id"`
	PolicyIDs     []string          `json:"policy_ids,omitempty"`
	Lifecycle     string            `json:"lifecycle"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func NewThingResponse(identity interfaces.Identity) ThingResponse {
	return ThingResponse{
		Name:          identity.Name,
		Attributes:    identity.Attributes,
		ThingTypeName: identity.ThingTypeName,
		ThingGroups:   identity.ThingGroups,
		CredentialID:  identity.CredentialID,
		PolicyIDs:     identity.PolicyIDs,
		Lifecycle:     string(identity.Lifecycle),
		Version:       identity.Version,
		CreatedAt:     identity.CreatedAt,
		UpdatedAt:     identity.UpdatedAt,
	}
}

type ThingListResponse struct {
	Things []ThingResponse `json:"things"`
}

type RevokeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ImportClaimRequest registers a claim certificate created offline with the
// fleet CA.
type ImportClaimRequest struct {
	CertificatePEM string `json:"certificatePem"`
}

type ClaimResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
