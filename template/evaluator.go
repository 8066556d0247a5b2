package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/policy"
)

// CredentialResolver is the part of the credential issuer the evaluator needs.
type CredentialResolver interface {
	Credential(ctx context.Context, id string) (interfaces.DeviceCredential, error)
	AttachPolicy(ctx context.Context, id string, policyName string) error
}

// PolicySource returns stored policy documents by name.
type PolicySource interface {
	Get(name string) (policy.Document, error)
}

// IdentityRegistrar registers things with override semantics.
type IdentityRegistrar interface {
	Register(ctx context.Context, spec interfaces.ThingSpec, overrides interfaces.OverrideSettings) (interfaces.Identity, error)
}

// Result of a successful evaluation.
type Result struct {
	// Identity is nil when the template declares no thing.
	Identity         *interfaces.Identity
	Credential       interfaces.DeviceCredential
	ConcretePolicies []policy.ConcretePolicy
	// DeviceConfiguration is returned to the device verbatim.
	DeviceConfiguration map[string]any
	// Activate is false when the certificate resource declares a status
	// other than Active.
	Activate bool
}

// Evaluator interprets provisioning templates.
type Evaluator struct {
	credentials CredentialResolver
	policies    PolicySource
	registrar   IdentityRegistrar
	engine      *policy.Engine
	shared      []string
	log         *slog.Logger
}

// NewEvaluator creates an evaluator. shared lists the topic names every
// device policy may grant besides the device's own namespace.
func NewEvaluator(credentials CredentialResolver, policies PolicySource, registrar IdentityRegistrar, engine *policy.Engine, shared []string, log *slog.Logger) *Evaluator {
	return &Evaluator{
		credentials: credentials,
		policies:    policies,
		registrar:   registrar,
		engine:      engine,
		shared:      slices.Clone(shared),
		log:         log,
	}
}

// evaluation is the state threaded through the resolvers of one request.
type evaluation struct {
	tmpl       *Template
	params     map[string]any
	properties map[string]map[string]any
	thingName  string

	credential *interfaces.DeviceCredential
	policyIDs  []string
	concrete   []policy.ConcretePolicy
	identity   *interfaces.Identity
	activate   bool
}

type resolver func(e *Evaluator, ctx context.Context, ev *evaluation, r Resource) error

var resolvers = map[string]resolver{
	TypeCertificate: (*Evaluator).resolveCertificate,
	TypePolicy:      (*Evaluator).resolvePolicy,
	TypeThing:       (*Evaluator).resolveThing,
}

// Evaluate runs the template for one request.
//
// Parameter validation and property evaluation complete before the first
// resource is resolved, so a parameter error has no side effects.
func (e *Evaluator) Evaluate(ctx context.Context, tmpl *Template, req Request) (*Result, error) {
	submitted, err := req.parameterValues()
	if err != nil {
		return nil, err
	}
	params, err := validateParameters(tmpl.Parameters, submitted)
	if err != nil {
		e.log.Info("template parameters rejected", "template", tmpl.Name, "err", err)
		return nil, err
	}

	ev := &evaluation{
		tmpl:       tmpl,
		params:     params,
		properties: make(map[string]map[string]any, len(tmpl.Resources)),
	}

	for _, r := range tmpl.Resources {
		resolved, err := resolveValue(r.Properties, params)
		if err != nil {
			return nil, fmt.Errorf("%w: resource %s: %v", interfaces.ErrParameter, r.Name, err)
		}
		props, ok := resolved.(map[string]any)
		if !ok {
			return nil, &TemplateEvaluationError{Resource: r.Name, Err: errors.New("properties must be an object")}
		}
		ev.properties[r.Name] = props

		if r.Type == TypeThing {
			if ev.thingName != "" {
				return nil, &TemplateEvaluationError{Resource: r.Name, Err: errors.New("only one thing may be declared")}
			}
			name, _, err := stringProperty(props, "ThingName", true)
			if err != nil {
				return nil, fmt.Errorf("%w: resource %s: %v", interfaces.ErrParameter, r.Name, err)
			}
			if err := interfaces.ValidateThingName(name); err != nil {
				return nil, fmt.Errorf("%w: %v", interfaces.ErrParameter, err)
			}
			ev.thingName = name
		}
	}

	for _, r := range tmpl.Resources {
		resolve := resolvers[r.Type]
		if resolve == nil {
			return nil, &TemplateEvaluationError{Resource: r.Name, Err: fmt.Errorf("unsupported resource type %q", r.Type)}
		}
		if err := resolve(e, ctx, ev, r); err != nil {
			e.log.Warn("template resource failed",
				"template", tmpl.Name,
				"resource", r.Name,
				"type", r.Type,
				"thing", ev.thingName,
				"err", err)
			return nil, &TemplateEvaluationError{Resource: r.Name, Err: err}
		}
	}

	if ev.credential == nil {
		return nil, &TemplateEvaluationError{Resource: tmpl.Name, Err: errors.New("template declares no certificate")}
	}

	return &Result{
		Identity:            ev.identity,
		Credential:          *ev.credential,
		ConcretePolicies:    ev.concrete,
		DeviceConfiguration: tmpl.DeviceConfiguration,
		Activate:            ev.activate,
	}, nil
}

func (e *Evaluator) resolveCertificate(ctx context.Context, ev *evaluation, r Resource) error {
	if ev.credential != nil {
		return errors.New("only one certificate may be declared")
	}

	props := ev.properties[r.Name]
	id, _, err := stringProperty(props, "CertificateId", true)
	if err != nil {
		return err
	}

	cred, err := e.credentials.Credential(ctx, id)
	if err != nil {
		return err
	}
	if cred.Status == interfaces.CredentialRevoked {
		return fmt.Errorf("certificate %s: %w", id, interfaces.ErrCredentialRevoked)
	}

	status, declared, err := stringProperty(props, "Status", false)
	if err != nil {
		return err
	}
	ev.activate = true
	if declared {
		parsed, err := interfaces.ParseCredentialStatus(status)
		if err != nil {
			return err
		}
		ev.activate = parsed == interfaces.CredentialActive
	}

	ev.credential = &cred
	return nil
}

func (e *Evaluator) resolvePolicy(ctx context.Context, ev *evaluation, r Resource) error {
	if ev.credential == nil {
		return errors.New("policy declared before a certificate")
	}

	name, _, err := stringProperty(ev.properties[r.Name], "PolicyName", true)
	if err != nil {
		return err
	}

	doc, err := e.policies.Get(name)
	if err != nil {
		return err
	}

	var bindings map[string]string
	if ev.thingName != "" {
		bindings = map[string]string{
			policy.BindingThingName: ev.thingName,
			policy.BindingClientID:  ev.thingName,
		}
	}
	concrete, err := e.engine.Evaluate(doc, bindings)
	if err != nil {
		return err
	}
	if ev.thingName != "" {
		if err := policy.CheckScoping(concrete, ev.thingName, e.shared); err != nil {
			return err
		}
	}

	if err := e.credentials.AttachPolicy(ctx, ev.credential.ID, name); err != nil {
		return err
	}
	if !ev.credential.HasPolicy(name) {
		ev.credential.AttachedPolicies = append(ev.credential.AttachedPolicies, name)
	}
	if !slices.Contains(ev.policyIDs, name) {
		ev.policyIDs = append(ev.policyIDs, name)
		ev.concrete = append(ev.concrete, concrete)
	}
	return nil
}

func (e *Evaluator) resolveThing(ctx context.Context, ev *evaluation, r Resource) error {
	if ev.credential == nil {
		return errors.New("thing declared before a certificate")
	}

	props := ev.properties[r.Name]
	spec := interfaces.ThingSpec{
		Name:         ev.thingName,
		CredentialID: ev.credential.ID,
		PolicyIDs:    slices.Clone(ev.policyIDs),
	}

	attrs, _, err := stringMapProperty(props, "AttributePayload")
	if err != nil {
		return err
	}
	spec.Attributes = attrs

	thingType, declared, err := stringProperty(props, "ThingTypeName", false)
	if err != nil {
		return err
	}
	if declared {
		spec.ThingTypeName = &thingType
	}

	groups, _, err := stringListProperty(props, "ThingGroups")
	if err != nil {
		return err
	}
	spec.ThingGroups = groups

	identity, err := e.registrar.Register(ctx, spec, r.OverrideSettings)
	if err != nil {
		return err
	}
	ev.identity = &identity
	return nil
}
