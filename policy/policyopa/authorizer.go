// Package policyopa evaluates authorization decisions with an embedded Rego
// module. It is a drop-in policy.Authorizer for deployments that audit or
// extend decisions with OPA.
package policyopa

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"github.com/ruteri/fleet-provisioning-backend/policy"
)

const decisionQuery = "data.fleet.authz.decision"

//go:embed authz.rego
var authzModule string

type Authorizer struct {
	query rego.PreparedEvalQuery
}

func NewAuthorizer(ctx context.Context) (*Authorizer, error) {
	r := rego.New(
		rego.Query(decisionQuery),
		rego.Module("authz.rego", authzModule),
		rego.StrictBuiltinErrors(true),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not prepare authorization module: %w", err)
	}
	return &Authorizer{query: prepared}, nil
}

type statementInput struct {
	Effect    string   `json:"effect"`
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`
}

type authzInput struct {
	Action     string           `json:"action"`
	Resource   string           `json:"resource"`
	Statements []statementInput `json:"statements"`
}

// Authorize implements policy.Authorizer.
func (a *Authorizer) Authorize(ctx context.Context, policies []policy.ConcretePolicy, action, resource string) (policy.Decision, error) {
	if a == nil {
		return policy.DecisionImplicitDeny, errors.New("authorizer is nil")
	}

	results, err := a.query.Eval(ctx, rego.EvalInput(buildInput(policies, action, resource)))
	if err != nil {
		return policy.DecisionImplicitDeny, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return policy.DecisionImplicitDeny, errors.New("empty authorization result")
	}

	switch results[0].Expressions[0].Value {
	case "allow":
		return policy.DecisionAllow, nil
	case "explicit_deny":
		return policy.DecisionExplicitDeny, nil
	case "implicit_deny":
		return policy.DecisionImplicitDeny, nil
	default:
		return policy.DecisionImplicitDeny, fmt.Errorf("unexpected decision %v", results[0].Expressions[0].Value)
	}
}

func buildInput(policies []policy.ConcretePolicy, action, resource string) authzInput {
	input := authzInput{
		Action:     action,
		Resource:   resource,
		Statements: []statementInput{},
	}
	for _, p := range policies {
		for _, stmt := range p.Statements {
			si := statementInput{
				Effect:    string(stmt.Effect),
				Actions:   make([]string, 0, len(stmt.Action)),
				Resources: make([]string, 0, len(stmt.Resource)),
			}
			for _, act := range stmt.Action {
				si.Actions = append(si.Actions, policy.GlobRegexp(act, true))
			}
			for _, res := range stmt.Resource {
				// unresolved placeholders never match
				if strings.Contains(res, "${") {
					continue
				}
				si.Resources = append(si.Resources, policy.GlobRegexp(res, false))
			}
			input.Statements = append(input.Statements, si)
		}
	}
	return input
}
