package provisioning

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/policy"
	"github.com/ruteri/fleet-provisioning-backend/template"
	"go.uber.org/atomic"
)

// CredentialOffer answers a certificate request. PrivateKeyPEM is empty when
// the device supplied a CSR.
type CredentialOffer struct {
	CredentialID   string
	CertificatePEM cryptoutils.TLSCert
	PrivateKeyPEM  cryptoutils.Privkey
	OwnershipToken string
}

// RegisterRequest is the submission on a provision topic.
type RegisterRequest struct {
	OwnershipToken string
	Parameters     map[string]any
}

// Registration answers a successful submission.
type Registration struct {
	ThingName           string
	DeviceConfiguration map[string]any
	Credential          interfaces.DeviceCredential
	// Identity is nil when the template declares no thing.
	Identity *interfaces.Identity
}

// SessionInfo is a snapshot of a session.
type SessionInfo struct {
	ID           string
	State        State
	ClientID     string
	ClaimID      string
	CandidateID  string
	ThingName    string
	LastActivity time.Time
}

// Session is the registration exchange of one device connection. Messages
// on a session are handled one at a time.
type Session struct {
	id  string
	svc *Service

	mu             sync.Mutex
	state          State
	clientID       string
	claim          interfaces.ClaimCredential
	claimCert      *x509.Certificate
	claimPolicy    policy.ConcretePolicy
	candidate      *interfaces.DeviceCredential
	ownershipToken string
	thingName      string
	lastActivity   atomic.Time
}

// touch records activity without taking s.mu.
func (s *Session) touch() {
	s.lastActivity.Store(s.svc.now())
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:           s.id,
		State:        s.state,
		ClientID:     s.clientID,
		ClaimID:      s.claim.ID,
		ThingName:    s.thingName,
		LastActivity: s.lastActivity.Load(),
	}
	if s.candidate != nil {
		info.CandidateID = s.candidate.ID
	}
	return info
}

// Authenticate checks that cert is the claim certificate the session was
// opened with. A mismatch leaves the session untouched.
func (s *Session) Authenticate(cert *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("%w: no client certificate", interfaces.ErrUnauthorized)
	}

	s.mu.Lock()
	claimID := s.claim.ID
	s.mu.Unlock()

	if claimID == "" || cryptoutils.Fingerprint(cert) != claimID {
		return fmt.Errorf("%w: session %s belongs to another claim credential", interfaces.ErrUnauthorized, s.id)
	}
	return nil
}

// Connect verifies the claim certificate and checks that the claim policy
// lets the device connect as clientID.
func (s *Session) Connect(ctx context.Context, claimCert *x509.Certificate, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.state != StateAwaitingClaimConnect {
		return s.reject(fmt.Errorf("%w: connect in state %s", interfaces.ErrInvalidState, s.state))
	}
	if clientID == "" {
		return s.reject(fmt.Errorf("%w: empty client id", interfaces.ErrUnauthorized))
	}
	s.clientID = clientID

	claim, err := s.svc.opts.Credentials.VerifyClaim(ctx, claimCert)
	if err != nil {
		return s.reject(err)
	}
	s.claim = claim
	s.claimCert = claimCert

	concrete, err := s.svc.opts.Engine.Evaluate(s.svc.opts.ClaimPolicy, map[string]string{policy.BindingClientID: clientID})
	if err != nil {
		return s.reject(fmt.Errorf("%w: claim policy: %v", interfaces.ErrUnauthorized, err))
	}
	s.claimPolicy = concrete

	if err := s.authorize(ctx, policy.ActionConnect, s.svc.opts.Resources.Client(clientID)); err != nil {
		return s.reject(err)
	}

	s.state = StateAwaitingCertRequest
	s.svc.log.Debug("claim credential connected", "session_id", s.id, "client_id", clientID, "claim_id", claim.ID)
	return nil
}

// CreateCredential issues the candidate device credential. A nil csr asks
// for a server generated key pair and is only valid on the create topic.
func (s *Session) CreateCredential(ctx context.Context, topic string, csr cryptoutils.TLSCSR) (CredentialOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.state != StateAwaitingCertRequest {
		return CredentialOffer{}, s.reject(fmt.Errorf("%w: certificate request in state %s", interfaces.ErrInvalidState, s.state))
	}
	if err := s.verifyClaim(ctx); err != nil {
		return CredentialOffer{}, s.reject(err)
	}

	t, err := ParseTopic(topic)
	if err != nil {
		return CredentialOffer{}, s.reject(err)
	}
	switch {
	case t.Operation == OpRegisterThing:
		return CredentialOffer{}, s.reject(fmt.Errorf("%w: registration before a certificate request", interfaces.ErrInvalidState))
	case t.Operation == OpCreateKeysAndCertificate && len(csr) != 0:
		return CredentialOffer{}, s.reject(fmt.Errorf("%w: %s takes no CSR", interfaces.ErrParameter, t.Name))
	case t.Operation == OpCreateCertificateFromCSR && len(csr) == 0:
		return CredentialOffer{}, s.reject(fmt.Errorf("%w: %s requires a CSR", interfaces.ErrParameter, t.Name))
	}

	if err := s.authorizeExchange(ctx, t); err != nil {
		return CredentialOffer{}, s.reject(err)
	}

	var (
		cred   interfaces.DeviceCredential
		keyPEM cryptoutils.Privkey
	)
	if t.Operation == OpCreateKeysAndCertificate {
		cred, keyPEM, err = s.svc.opts.Credentials.IssueDeviceCredential(ctx)
	} else {
		cred, err = s.svc.opts.Credentials.IssueFromCSR(ctx, csr)
	}
	if err != nil {
		return CredentialOffer{}, s.reject(err)
	}

	s.candidate = &cred
	s.ownershipToken = uuid.NewString()
	s.state = StateAwaitingProvisionSubmit

	s.svc.log.Info("candidate credential issued",
		"session_id", s.id,
		"client_id", s.clientID,
		"credential_id", cred.ID,
		"operation", t.Operation.String())

	return CredentialOffer{
		CredentialID:   cred.ID,
		CertificatePEM: cred.CertificatePEM,
		PrivateKeyPEM:  keyPEM,
		OwnershipToken: s.ownershipToken,
	}, nil
}

// RegisterThing evaluates the template named by topic for the candidate
// credential. On success the candidate is activated and the thing marked
// REGISTERED. On failure the candidate stays inactive.
func (s *Session) RegisterThing(ctx context.Context, topic string, req RegisterRequest) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.state != StateAwaitingProvisionSubmit {
		return Registration{}, s.reject(fmt.Errorf("%w: registration in state %s", interfaces.ErrInvalidState, s.state))
	}
	if err := s.verifyClaim(ctx); err != nil {
		return Registration{}, s.reject(err)
	}

	t, err := ParseTopic(topic)
	if err != nil {
		return Registration{}, s.reject(err)
	}
	if t.Operation != OpRegisterThing {
		return Registration{}, s.reject(fmt.Errorf("%w: repeated certificate request", interfaces.ErrInvalidState))
	}
	if err := s.authorizeExchange(ctx, t); err != nil {
		return Registration{}, s.reject(err)
	}

	if subtle.ConstantTimeCompare([]byte(req.OwnershipToken), []byte(s.ownershipToken)) != 1 {
		return Registration{}, s.reject(fmt.Errorf("%w: certificate ownership token does not match", interfaces.ErrUnauthorized))
	}

	candidateID := s.candidate.ID
	params := maps.Clone(req.Parameters)
	if params == nil {
		params = map[string]any{}
	}
	if v, found := params[template.ParamCertificateID]; found {
		if id, _ := v.(string); id != candidateID {
			return Registration{}, s.reject(fmt.Errorf("%w: %s names another certificate", interfaces.ErrUnauthorized, template.ParamCertificateID))
		}
	}

	tmpl, err := s.svc.opts.Templates.Get(t.TemplateName)
	if err != nil {
		return Registration{}, s.reject(err)
	}

	if s.svc.opts.Hook != nil {
		if err := s.runHook(ctx, t.TemplateName, params); err != nil {
			return Registration{}, s.reject(err)
		}
	}
	params[template.ParamCertificateID] = candidateID

	res, err := s.svc.opts.Evaluator.Evaluate(ctx, tmpl, template.Request{
		CertificateIDHint: candidateID,
		ClaimCredentialID: s.claim.ID,
		Parameters:        params,
	})
	if err != nil {
		return Registration{}, s.reject(err)
	}
	if res.Credential.ID != candidateID {
		return Registration{}, s.reject(fmt.Errorf("%w: template %s resolved certificate %s", interfaces.ErrUnauthorized, tmpl.Name, res.Credential.ID))
	}

	cred := res.Credential
	if res.Activate {
		if err := s.svc.opts.Credentials.ActivateCredential(ctx, candidateID); err != nil {
			return Registration{}, s.reject(err)
		}
		cred.Status = interfaces.CredentialActive
	}

	reg := Registration{
		DeviceConfiguration: res.DeviceConfiguration,
		Credential:          cred,
	}
	if res.Identity != nil {
		identity, err := s.svc.opts.Registry.MarkRegistered(ctx, res.Identity.Name)
		if err != nil {
			return Registration{}, s.reject(err)
		}
		reg.Identity = &identity
		reg.ThingName = identity.Name
	}

	s.thingName = reg.ThingName
	s.state = StateRegistered
	s.svc.log.Info("device registered",
		"session_id", s.id,
		"client_id", s.clientID,
		"template", tmpl.Name,
		"thing", reg.ThingName,
		"credential_id", candidateID,
		"active", cred.Status == interfaces.CredentialActive)
	return reg, nil
}

// Abort rejects the session on a message that never reached the state
// machine, such as an unknown topic or an undecodable payload.
func (s *Session) Abort(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.reject(err)
}

// runHook consults the pre-provisioning hook and applies its overrides to params.
func (s *Session) runHook(ctx context.Context, templateName string, params map[string]any) error {
	hookParams := make(map[string]string, len(params))
	for k, v := range params {
		hookParams[k] = hookValue(v)
	}

	resp, err := s.svc.opts.Hook.PreProvision(ctx, PreProvisionRequest{
		ClaimCertificateID: s.claim.ID,
		CertificateID:      s.candidate.ID,
		CertificatePEM:     string(s.candidate.CertificatePEM),
		TemplateName:       templateName,
		ClientID:           s.clientID,
		Parameters:         hookParams,
	})
	if err != nil {
		return fmt.Errorf("pre-provisioning hook: %w", err)
	}
	if !resp.AllowProvisioning {
		return fmt.Errorf("%w: denied by pre-provisioning hook", interfaces.ErrUnauthorized)
	}
	for k, v := range resp.ParameterOverrides {
		params[k] = v
	}
	return nil
}

func hookValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}

// verifyClaim checks again that the claim credential is ACTIVE, so a claim
// revoked while a session is open stops working for it.
func (s *Session) verifyClaim(ctx context.Context) error {
	if _, err := s.svc.opts.Credentials.VerifyClaim(ctx, s.claimCert); err != nil {
		return err
	}
	return nil
}

// authorizeExchange checks that the claim policy lets the device publish the
// request and receive the reply.
func (s *Session) authorizeExchange(ctx context.Context, t Topic) error {
	res := s.svc.opts.Resources
	if err := s.authorize(ctx, policy.ActionPublish, res.Topic(t.Name)); err != nil {
		return err
	}
	return s.authorize(ctx, policy.ActionReceive, res.Topic(t.Accepted()))
}

func (s *Session) authorize(ctx context.Context, action, resource string) error {
	decision, err := s.svc.opts.Authorizer.Authorize(ctx, []policy.ConcretePolicy{s.claimPolicy}, action, resource)
	if err != nil {
		return err
	}
	if !decision.Allowed() {
		return fmt.Errorf("%w: %s on %s: %s", interfaces.ErrUnauthorized, action, resource, decision)
	}
	return nil
}

// reject moves the session to REJECTED. A registered session stays
// registered. Callers hold s.mu.
func (s *Session) reject(err error) error {
	from := s.state
	if !from.Terminal() {
		s.state = StateRejected
	}

	attrs := []any{
		"session_id", s.id,
		"from", from.String(),
		"client_id", s.clientID,
		"err", err,
	}
	if s.candidate != nil {
		attrs = append(attrs, "candidate_id", s.candidate.ID)
	}
	s.svc.log.Warn("registration rejected", attrs...)
	return err
}
