package policy

import (
	"context"
	"strings"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	// DecisionImplicitDeny means no statement allowed the request.
	DecisionImplicitDeny Decision = iota
	// DecisionAllow means an Allow statement matched and no Deny did.
	DecisionAllow
	// DecisionExplicitDeny means a Deny statement matched.
	DecisionExplicitDeny
)

var decisionToString = map[Decision]string{
	DecisionImplicitDeny: "implicit_deny",
	DecisionAllow:        "allow",
	DecisionExplicitDeny: "explicit_deny",
}

func (d Decision) String() string {
	return decisionToString[d]
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d == DecisionAllow
}

// Authorizer decides whether a set of concrete policies permits an action on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, policies []ConcretePolicy, action, resource string) (Decision, error)
}

// Authorize evaluates the policies in process. An explicit Deny in any
// policy wins over every Allow; no match denies.
func Authorize(policies []ConcretePolicy, action, resource string) Decision {
	allowed := false
	for _, p := range policies {
		for _, stmt := range p.Statements {
			if !statementMatches(stmt, action, resource) {
				continue
			}
			if stmt.Effect == EffectDeny {
				return DecisionExplicitDeny
			}
			if stmt.Effect == EffectAllow {
				allowed = true
			}
		}
	}
	if allowed {
		return DecisionAllow
	}
	return DecisionImplicitDeny
}

func statementMatches(stmt Statement, action, resource string) bool {
	actionMatched := false
	for _, a := range stmt.Action {
		if MatchAction(a, action) {
			actionMatched = true
			break
		}
	}
	if !actionMatched {
		return false
	}
	for _, r := range stmt.Resource {
		// unresolved placeholders never match
		if strings.Contains(r, "${") {
			continue
		}
		if MatchPattern(r, resource) {
			return true
		}
	}
	return false
}

// GlobAuthorizer is the in-process Authorizer.
type GlobAuthorizer struct{}

func (GlobAuthorizer) Authorize(_ context.Context, policies []ConcretePolicy, action, resource string) (Decision, error) {
	return Authorize(policies, action, resource), nil
}
