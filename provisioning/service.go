package provisioning

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/policy"
	"github.com/ruteri/fleet-provisioning-backend/template"
)

// CredentialIssuer is the part of the credential issuer used during registration.
type CredentialIssuer interface {
	VerifyClaim(ctx context.Context, cert *x509.Certificate) (interfaces.ClaimCredential, error)
	IssueDeviceCredential(ctx context.Context) (interfaces.DeviceCredential, cryptoutils.Privkey, error)
	IssueFromCSR(ctx context.Context, csr cryptoutils.TLSCSR) (interfaces.DeviceCredential, error)
	ActivateCredential(ctx context.Context, id string) error
	VerifyDevice(ctx context.Context, cert *x509.Certificate) (interfaces.DeviceCredential, error)
}

// ThingRegistry is the part of the identity registry used during registration.
type ThingRegistry interface {
	MarkRegistered(ctx context.Context, name string) (interfaces.Identity, error)
	ByCredential(ctx context.Context, credentialID string) (interfaces.Identity, error)
}

// TemplateEvaluator runs a provisioning template.
type TemplateEvaluator interface {
	Evaluate(ctx context.Context, tmpl *template.Template, req template.Request) (*template.Result, error)
}

// TemplateSource returns provisioning templates by name.
type TemplateSource interface {
	Get(name string) (*template.Template, error)
}

// Options are the dependencies shared by every session of a Service.
type Options struct {
	Credentials CredentialIssuer
	Registry    ThingRegistry
	Evaluator   TemplateEvaluator
	Templates   TemplateSource
	Policies    template.PolicySource
	Engine      *policy.Engine

	// Authorizer decides claim and device policy checks. Defaults to policy.GlobAuthorizer.
	Authorizer policy.Authorizer

	// ClaimPolicy is granted to every holder of a claim credential. It may
	// reference ${iot:ClientId}.
	ClaimPolicy policy.Document

	Resources policy.ResourceNamer

	// Hook is consulted before template evaluation when set.
	Hook PreProvisionHook
}

// Service creates and tracks registration sessions.
type Service struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
	log *slog.Logger
}

func NewService(opts Options, log *slog.Logger) (*Service, error) {
	if opts.Credentials == nil || opts.Registry == nil || opts.Evaluator == nil || opts.Templates == nil || opts.Policies == nil {
		return nil, errors.New("provisioning service is missing a dependency")
	}
	if opts.Engine == nil {
		opts.Engine = policy.NewEngine(log)
	}
	if opts.Authorizer == nil {
		opts.Authorizer = policy.GlobAuthorizer{}
	}
	if err := opts.ClaimPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid claim policy: %w", err)
	}

	return &Service{
		opts:     opts,
		sessions: make(map[string]*Session),
		now:      time.Now,
		log:      log,
	}, nil
}

// Connect opens a session for a device presenting the claim certificate.
// A session whose connect is rejected is not kept.
func (s *Service) Connect(ctx context.Context, claimCert *x509.Certificate, clientID string) (*Session, error) {
	session := &Session{
		id:    uuid.NewString(),
		svc:   s,
		state: StateAwaitingClaimConnect,
	}
	session.touch()

	if err := session.Connect(ctx, claimCert, clientID); err != nil {
		return session, err
	}

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()
	return session, nil
}

// Session returns a tracked session or ErrNotFound.
func (s *Service) Session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, found := s.sessions[id]
	if !found {
		return nil, fmt.Errorf("session %s: %w", id, interfaces.ErrNotFound)
	}
	return session, nil
}

// ExpireSessions forgets sessions idle for longer than ttl and returns how
// many were dropped. An abandoned session leaves only its inactive candidate behind.
// s.mu is never held while a session lock is taken.
func (s *Service) ExpireSessions(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	var expired []*Session
	for id, session := range s.sessions {
		if session.lastActivity.Load().After(cutoff) {
			continue
		}
		delete(s.sessions, id)
		expired = append(expired, session)
	}
	s.mu.Unlock()

	for _, session := range expired {
		info := session.Info()
		if !info.State.Terminal() {
			s.log.Info("registration session expired",
				"session_id", info.ID,
				"state", info.State.String(),
				"client_id", info.ClientID,
				"candidate_id", info.CandidateID)
		}
	}
	return len(expired)
}

// SessionCount returns the number of tracked sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DeviceDecision is the outcome of a device authorization check.
type DeviceDecision struct {
	ThingName string
	Resource  string
	Decision  policy.Decision
}

// AuthorizeDevice checks an action of a provisioned device against the
// policies bound to its thing. name is a client id for iot:Connect, a topic
// filter for iot:Subscribe and a topic otherwise.
func (s *Service) AuthorizeDevice(ctx context.Context, cert *x509.Certificate, action, name string) (DeviceDecision, error) {
	cred, err := s.opts.Credentials.VerifyDevice(ctx, cert)
	if err != nil {
		return DeviceDecision{}, err
	}

	identity, err := s.opts.Registry.ByCredential(ctx, cred.ID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return DeviceDecision{}, fmt.Errorf("%w: credential %s is not bound to a thing", interfaces.ErrUnauthorized, cred.ID)
	}
	if err != nil {
		return DeviceDecision{}, err
	}
	if identity.Lifecycle != interfaces.LifecycleRegistered {
		return DeviceDecision{}, fmt.Errorf("%w: thing %s is not registered", interfaces.ErrUnauthorized, identity.Name)
	}

	resource, err := s.resourceFor(action, name)
	if err != nil {
		return DeviceDecision{}, err
	}

	bindings := map[string]string{
		policy.BindingThingName: identity.Name,
		policy.BindingClientID:  identity.Name,
	}
	concrete := make([]policy.ConcretePolicy, 0, len(identity.PolicyIDs))
	for _, policyID := range identity.PolicyIDs {
		doc, err := s.opts.Policies.Get(policyID)
		if err != nil {
			return DeviceDecision{}, err
		}
		p, err := s.opts.Engine.Evaluate(doc, bindings)
		if err != nil {
			return DeviceDecision{}, err
		}
		concrete = append(concrete, p)
	}

	decision, err := s.opts.Authorizer.Authorize(ctx, concrete, action, resource)
	if err != nil {
		return DeviceDecision{}, err
	}

	s.log.Debug("device authorization",
		"thing", identity.Name,
		"action", action,
		"resource", resource,
		"decision", decision.String())
	return DeviceDecision{ThingName: identity.Name, Resource: resource, Decision: decision}, nil
}

func (s *Service) resourceFor(action, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty resource name", interfaces.ErrParameter)
	}
	switch {
	case strings.EqualFold(action, policy.ActionConnect):
		return s.opts.Resources.Client(name), nil
	case strings.EqualFold(action, policy.ActionSubscribe):
		return s.opts.Resources.TopicFilter(name), nil
	case strings.EqualFold(action, policy.ActionPublish), strings.EqualFold(action, policy.ActionReceive):
		return s.opts.Resources.Topic(name), nil
	}
	return "", fmt.Errorf("%w: unknown action %q", interfaces.ErrParameter, action)
}
