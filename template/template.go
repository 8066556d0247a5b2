package template

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/tidwall/jsonc"
)

// Resource types understood by the evaluator.
const (
	TypeCertificate = "AWS::IoT::Certificate"
	TypePolicy      = "AWS::IoT::Policy"
	TypeThing       = "AWS::IoT::Thing"
)

// Well known parameter names.
const (
	ParamSerialNumber  = "SerialNumber"
	ParamCertificateID = "AWS::IoT::Certificate::Id"
)

// ParameterType is the declared type of a template parameter.
type ParameterType string

const (
	ParamString     ParameterType = "String"
	ParamNumber     ParameterType = "Number"
	ParamBoolean    ParameterType = "Boolean"
	ParamStringList ParameterType = "List<String>"
)

// Parameter is a declared template parameter. Default is used when the
// request omits the parameter; a nil Default makes it required.
type Parameter struct {
	Type    ParameterType `json:"Type"`
	Default any           `json:"Default,omitempty"`
}

// Resource is one declaration in a template.
type Resource struct {
	Name             string                      `json:"-"`
	Type             string                      `json:"Type"`
	Properties       map[string]any              `json:"Properties"`
	OverrideSettings interfaces.OverrideSettings `json:"OverrideSettings"`
}

// Template is a parsed provisioning template. Resources keep their
// declaration order.
type Template struct {
	Name                string
	Parameters          map[string]Parameter
	Resources           []Resource
	DeviceConfiguration map[string]any
}

type templateBody struct {
	Parameters          map[string]Parameter `json:"Parameters"`
	Resources           json.RawMessage      `json:"Resources"`
	DeviceConfiguration map[string]any       `json:"DeviceConfiguration"`
}

// Parse decodes a template body. Comments and trailing commas are accepted.
func Parse(name string, data []byte) (*Template, error) {
	if err := interfaces.ValidateThingName(name); err != nil {
		return nil, fmt.Errorf("invalid template name: %w", err)
	}

	var body templateBody
	if err := json.Unmarshal(jsonc.ToJSON(data), &body); err != nil {
		return nil, fmt.Errorf("could not parse template %s: %w", name, err)
	}

	resources, err := decodeResources(body.Resources)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}

	tmpl := &Template{
		Name:                name,
		Parameters:          body.Parameters,
		Resources:           resources,
		DeviceConfiguration: body.DeviceConfiguration,
	}
	if tmpl.Parameters == nil {
		tmpl.Parameters = map[string]Parameter{}
	}
	if tmpl.DeviceConfiguration == nil {
		tmpl.DeviceConfiguration = map[string]any{}
	}

	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// decodeResources walks the Resources object token by token so that the
// declaration order survives decoding.
func decodeResources(raw json.RawMessage) ([]Resource, error) {
	if len(raw) == 0 {
		return nil, errors.New("no resources declared")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("resources must be an object")
	}

	var resources []Resource
	seen := map[string]bool{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		if seen[name] {
			return nil, fmt.Errorf("resource %q declared twice", name)
		}
		seen[name] = true

		var r Resource
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("resource %q: %w", name, err)
		}
		r.Name = name
		if err := normalizeOverrides(&r.OverrideSettings); err != nil {
			return nil, fmt.Errorf("resource %q: %w", name, err)
		}
		if r.Properties == nil {
			r.Properties = map[string]any{}
		}
		resources = append(resources, r)
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return resources, nil
}

// Validate checks declared types, override actions and parameter references.
func (t *Template) Validate() error {
	for name, p := range t.Parameters {
		switch p.Type {
		case ParamString, ParamNumber, ParamBoolean, ParamStringList:
		default:
			return fmt.Errorf("template %s: parameter %s has unsupported type %q", t.Name, name, p.Type)
		}
		if p.Default != nil {
			if _, err := coerce(p.Type, p.Default); err != nil {
				return fmt.Errorf("template %s: parameter %s default: %w", t.Name, name, err)
			}
		}
	}

	if len(t.Resources) == 0 {
		return fmt.Errorf("template %s declares no resources", t.Name)
	}

	for _, r := range t.Resources {
		if _, known := resolvers[r.Type]; !known {
			return fmt.Errorf("template %s: resource %s has unsupported type %q", t.Name, r.Name, r.Type)
		}
		for _, action := range []interfaces.OverrideAction{r.OverrideSettings.AttributePayload, r.OverrideSettings.ThingTypeName, r.OverrideSettings.ThingGroups} {
			if action == "" {
				continue
			}
			if _, err := interfaces.ParseOverrideAction(string(action)); err != nil {
				return fmt.Errorf("template %s: resource %s: %w", t.Name, r.Name, err)
			}
		}
		for _, ref := range collectRefs(r.Properties) {
			if _, declared := t.Parameters[ref]; !declared {
				return fmt.Errorf("template %s: resource %s references undeclared parameter %s", t.Name, r.Name, ref)
			}
		}
	}
	return nil
}

func normalizeOverrides(o *interfaces.OverrideSettings) error {
	for _, action := range []*interfaces.OverrideAction{&o.AttributePayload, &o.ThingTypeName, &o.ThingGroups} {
		if *action == "" {
			continue
		}
		parsed, err := interfaces.ParseOverrideAction(string(*action))
		if err != nil {
			return err
		}
		*action = parsed
	}
	return nil
}
