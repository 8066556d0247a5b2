package template

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// Request is one provisioning submission.
type Request struct {
	SerialNumber      string
	CertificateIDHint string
	ClaimCredentialID string
	Parameters        map[string]any
}

// parameterValues merges the well known request fields into the submitted
// parameters. An explicit parameter that contradicts a request field is an error.
func (r Request) parameterValues() (map[string]any, error) {
	values := maps.Clone(r.Parameters)
	if values == nil {
		values = map[string]any{}
	}

	merge := func(name, value string) error {
		if value == "" {
			return nil
		}
		if existing, found := values[name]; found {
			if s, ok := existing.(string); !ok || s != value {
				return fmt.Errorf("%w: %s conflicts with the request", interfaces.ErrParameter, name)
			}
			return nil
		}
		values[name] = value
		return nil
	}

	if err := merge(ParamSerialNumber, r.SerialNumber); err != nil {
		return nil, err
	}
	if err := merge(ParamCertificateID, r.CertificateIDHint); err != nil {
		return nil, err
	}
	return values, nil
}

// validateParameters checks every declared parameter and returns the typed
// values. All problems are reported together.
func validateParameters(declared map[string]Parameter, submitted map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(declared))
	var problems []string

	names := slices.Sorted(maps.Keys(declared))
	for _, name := range names {
		p := declared[name]
		raw, found := submitted[name]
		if !found || raw == nil {
			if p.Default == nil {
				problems = append(problems, fmt.Sprintf("%s is missing", name))
				continue
			}
			raw = p.Default
		}

		v, err := coerce(p.Type, raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		values[name] = v
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrParameter, strings.Join(problems, "; "))
	}
	return values, nil
}

// coerce converts a submitted value to its declared type. Devices commonly
// send every parameter as a string, so numeric, boolean and comma separated
// list strings are accepted.
func coerce(t ParameterType, raw any) (any, error) {
	switch t {
	case ParamString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected String, got %T", raw)
		}
		return s, nil

	case ParamNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("expected Number, got %q", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected Number, got %T", raw)

	case ParamBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected Boolean, got %q", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected Boolean, got %T", raw)

	case ParamStringList:
		switch v := raw.(type) {
		case []string:
			return slices.Clone(v), nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected List<String>, got element %T", item)
				}
				out = append(out, s)
			}
			return out, nil
		case string:
			if v == "" {
				return []string{}, nil
			}
			return strings.Split(v, ","), nil
		}
		return nil, fmt.Errorf("expected List<String>, got %T", raw)
	}
	return nil, fmt.Errorf("unsupported parameter type %q", t)
}

// collectRefs returns every parameter name referenced by a property tree.
func collectRefs(v any) []string {
	var refs []string
	var walk func(any)
	walk = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			if ref, ok := node["Ref"].(string); ok && len(node) == 1 {
				refs = append(refs, ref)
				return
			}
			for _, child := range node {
				walk(child)
			}
		case []any:
			for _, child := range node {
				walk(child)
			}
		}
	}
	walk(v)
	return refs
}

// resolveValue evaluates Ref and Fn::Join intrinsics in a property value.
func resolveValue(v any, params map[string]any) (any, error) {
	switch node := v.(type) {
	case map[string]any:
		if ref, ok := node["Ref"]; ok && len(node) == 1 {
			name, ok := ref.(string)
			if !ok {
				return nil, fmt.Errorf("Ref must name a parameter, got %T", ref)
			}
			value, found := params[name]
			if !found {
				return nil, fmt.Errorf("%w: %s is not bound", interfaces.ErrParameter, name)
			}
			return value, nil
		}
		if join, ok := node["Fn::Join"]; ok && len(node) == 1 {
			return resolveJoin(join, params)
		}

		out := make(map[string]any, len(node))
		for k, child := range node {
			resolved, err := resolveValue(child, params)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, 0, len(node))
		for _, child := range node {
			resolved, err := resolveValue(child, params)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
		}
		return out, nil
	}
	return v, nil
}

func resolveJoin(arg any, params map[string]any) (string, error) {
	parts, ok := arg.([]any)
	if !ok || len(parts) != 2 {
		return "", fmt.Errorf("Fn::Join takes [separator, [values]]")
	}
	sep, ok := parts[0].(string)
	if !ok {
		return "", fmt.Errorf("Fn::Join separator must be a string")
	}
	items, ok := parts[1].([]any)
	if !ok {
		return "", fmt.Errorf("Fn::Join values must be a list")
	}

	strs := make([]string, 0, len(items))
	for _, item := range items {
		resolved, err := resolveValue(item, params)
		if err != nil {
			return "", err
		}
		s, err := scalarString(resolved)
		if err != nil {
			return "", fmt.Errorf("Fn::Join: %w", err)
		}
		strs = append(strs, s)
	}
	return strings.Join(strs, sep), nil
}

// scalarString formats a resolved scalar for use in a string property.
func scalarString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(s), nil
	case json.Number:
		return s.String(), nil
	}
	return "", fmt.Errorf("expected a scalar, got %T", v)
}

func stringProperty(props map[string]any, key string, required bool) (string, bool, error) {
	v, found := props[key]
	if !found {
		if required {
			return "", false, fmt.Errorf("property %s is required", key)
		}
		return "", false, nil
	}
	s, err := scalarString(v)
	if err != nil {
		return "", false, fmt.Errorf("property %s: %w", key, err)
	}
	return s, true, nil
}

func stringListProperty(props map[string]any, key string) ([]string, bool, error) {
	v, found := props[key]
	if !found {
		return nil, false, nil
	}
	switch list := v.(type) {
	case []string:
		return slices.Clone(list), true, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, err := scalarString(item)
			if err != nil {
				return nil, false, fmt.Errorf("property %s: %w", key, err)
			}
			out = append(out, s)
		}
		return out, true, nil
	}
	return nil, false, fmt.Errorf("property %s must be a list, got %T", key, v)
}

func stringMapProperty(props map[string]any, key string) (map[string]string, bool, error) {
	v, found := props[key]
	if !found {
		return nil, false, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("property %s must be an object, got %T", key, v)
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		s, err := scalarString(item)
		if err != nil {
			return nil, false, fmt.Errorf("property %s.%s: %w", key, k, err)
		}
		out[k] = s
	}
	return out, true, nil
}
