package policy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// Binding names accepted by Evaluate.
const (
	BindingThingName = "ThingName"
	BindingClientID  = "ClientId"
)

// Placeholders as they appear in resource patterns.
const (
	ThingNamePlaceholder = "${iot:Connection.Thing.ThingName}"
	ClientIDPlaceholder  = "${iot:ClientId}"
)

// placeholderBindings is the allow-list of substitutable variables.
var placeholderBindings = map[string]string{
	"iot:Connection.Thing.ThingName": BindingThingName,
	"iot:ClientId":                   BindingClientID,
}

// ConcretePolicy is a document bound to one identity. It contains no placeholders.
type ConcretePolicy struct {
	ID         string      `json:"PolicyName"`
	Version    string      `json:"Version"`
	Statements []Statement `json:"Statement"`
}

// Engine binds policy documents to concrete identities.
type Engine struct {
	log *slog.Logger
}

func NewEngine(log *slog.Logger) *Engine {
	return &Engine{log: log}
}

// Evaluate substitutes the allow-listed placeholders in every resource
// pattern of doc. Patterns without placeholders are copied unchanged.
// The document and bindings are never modified.
//
// Every binding value that is substituted must be a valid thing name, so a
// binding can never widen a pattern with a wildcard or a topic separator.
func (e *Engine) Evaluate(doc Document, bindings map[string]string) (ConcretePolicy, error) {
	out := ConcretePolicy{
		ID:         doc.ID,
		Version:    doc.Version,
		Statements: make([]Statement, 0, len(doc.Statement)),
	}

	for _, stmt := range doc.Statement {
		concrete := stmt.clone()
		for i, pattern := range stmt.Resource {
			resolved, err := substitute(pattern, bindings)
			if err != nil {
				e.log.Debug("policy evaluation failed", "policy", doc.ID, "pattern", pattern, "err", err)
				return ConcretePolicy{}, fmt.Errorf("policy %s: %w", doc.ID, err)
			}
			concrete.Resource[i] = resolved
		}
		out.Statements = append(out.Statements, concrete)
	}

	return out, nil
}

func substitute(pattern string, bindings map[string]string) (string, error) {
	var b strings.Builder
	rest := pattern
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated placeholder in %q", interfaces.ErrUnknownPlaceholder, pattern)
		}

		variable := rest[start+2 : start+end]
		bindingName, known := placeholderBindings[variable]
		if !known {
			return "", fmt.Errorf("%w: ${%s}", interfaces.ErrUnknownPlaceholder, variable)
		}
		value, bound := bindings[bindingName]
		if !bound {
			return "", fmt.Errorf("%w: %s", interfaces.ErrUnboundVariable, bindingName)
		}
		if err := interfaces.ValidateThingName(value); err != nil {
			return "", fmt.Errorf("%w: binding %s: %v", interfaces.ErrParameter, bindingName, err)
		}

		b.WriteString(rest[:start])
		b.WriteString(value)
		rest = rest[start+end+1:]
	}
}
