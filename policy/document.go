package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/tidwall/jsonc"
)

// DefaultVersion is the policy language version written into generated documents.
const DefaultVersion = "2012-10-17"

// Effect of a policy statement.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// StringList decodes from either a JSON string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = list
	return nil
}

// Statement grants or denies a set of actions on a sequence of resource patterns.
type Statement struct {
	Effect   Effect     `json:"Effect"`
	Action   StringList `json:"Action"`
	Resource StringList `json:"Resource"`
}

func (s Statement) clone() Statement {
	return Statement{
		Effect:   s.Effect,
		Action:   slices.Clone(s.Action),
		Resource: slices.Clone(s.Resource),
	}
}

// Document is a stored policy. Resource patterns may contain placeholders,
// which are only resolved by Engine.Evaluate.
type Document struct {
	ID        string      `json:"-"`
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := Document{ID: d.ID, Version: d.Version}
	if d.Statement != nil {
		out.Statement = make([]Statement, len(d.Statement))
		for i, s := range d.Statement {
			out.Statement[i] = s.clone()
		}
	}
	return out
}

// Validate checks the document structure.
func (d Document) Validate() error {
	if d.ID == "" {
		return errors.New("policy document has no id")
	}
	if len(d.Statement) == 0 {
		return fmt.Errorf("policy %s has no statements", d.ID)
	}
	for i, s := range d.Statement {
		if s.Effect != EffectAllow && s.Effect != EffectDeny {
			return fmt.Errorf("policy %s statement %d: invalid effect %q", d.ID, i, s.Effect)
		}
		if len(s.Action) == 0 {
			return fmt.Errorf("policy %s statement %d: no actions", d.ID, i)
		}
		if len(s.Resource) == 0 {
			return fmt.Errorf("policy %s statement %d: no resources", d.ID, i)
		}
	}
	return nil
}

// ParseDocument decodes a policy body. Comments and trailing commas are accepted.
func ParseDocument(id string, data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return Document{}, fmt.Errorf("could not parse policy %s: %w", id, err)
	}
	doc.ID = id
	if doc.Version == "" {
		doc.Version = DefaultVersion
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}
