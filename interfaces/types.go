package interfaces

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
)

// CredentialStatus is the lifecycle state of a claim or device credential.
type CredentialStatus string

const (
	CredentialInactive CredentialStatus = "INACTIVE"
	CredentialActive   CredentialStatus = "ACTIVE"
	CredentialRevoked  CredentialStatus = "REVOKED"
)

// ParseCredentialStatus accepts both the upper case form and the
// capitalised form used in provisioning templates ("Active").
func ParseCredentialStatus(s string) (CredentialStatus, error) {
	switch CredentialStatus(strings.ToUpper(s)) {
	case CredentialInactive:
		return CredentialInactive, nil
	case CredentialActive:
		return CredentialActive, nil
	case CredentialRevoked:
		return CredentialRevoked, nil
	}
	return "", fmt.Errorf("unknown credential status %q", s)
}

// ClaimCredential is the shared bootstrap credential baked into every
// unprovisioned device image. It carries no per-use state.
type ClaimCredential struct {
	ID               string
	CertificatePEM   []byte
	PrivateKeyHandle string
	Status           CredentialStatus
	CreatedAt        time.Time
}

// DeviceCredential is a per-device certificate. It is immutable after
// issuance except for status transitions and policy attachment.
type DeviceCredential struct {
	ID               string
	CertificatePEM   []byte
	PrivateKeyHandle string
	Status           CredentialStatus
	AttachedPolicies []string
	CreatedAt        time.Time
}

// HasPolicy reports whether the named policy is attached to the credential.
func (c DeviceCredential) HasPolicy(policyName string) bool {
	return slices.Contains(c.AttachedPolicies, policyName)
}

// Lifecycle is the registration state of an identity.
type Lifecycle string

const (
	LifecyclePending    Lifecycle = "PENDING"
	LifecycleRegistered Lifecycle = "REGISTERED"
)

// Identity is a registered thing. Name is unique within a registry.
type Identity struct {
	Name          string
	Attributes    map[string]string
	ThingTypeName string
	ThingGroups   []string
	CredentialID  string
	PolicyIDs     []string
	Lifecycle     Lifecycle
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy so callers never share maps or slices with a store.
func (i Identity) Clone() Identity {
	out := i
	out.Attributes = maps.Clone(i.Attributes)
	out.ThingGroups = slices.Clone(i.ThingGroups)
	out.PolicyIDs = slices.Clone(i.PolicyIDs)
	return out
}

// ThingSpec is what a provisioning transaction declares for a thing.
// Nil fields were not declared by the template and are left alone.
type ThingSpec struct {
	Name          string
	Attributes    map[string]string
	ThingTypeName *string
	ThingGroups   []string
	CredentialID  string
	PolicyIDs     []string
}

// OverrideAction selects how a declared property is reconciled with an existing thing.
type OverrideAction string

const (
	// OverrideMerge unions new values into existing ones; conflicting keys keep the existing value.
	OverrideMerge OverrideAction = "MERGE"
	// OverrideReplace discards the existing value and substitutes the declared one.
	OverrideReplace OverrideAction = "REPLACE"
	// OverrideDoNothing leaves the existing value untouched.
	OverrideDoNothing OverrideAction = "DO_NOTHING"
	// OverrideFail rejects the registration if the thing already exists.
	OverrideFail OverrideAction = "FAIL"
)

func ParseOverrideAction(s string) (OverrideAction, error) {
	switch a := OverrideAction(strings.ToUpper(s)); a {
	case OverrideMerge, OverrideReplace, OverrideDoNothing, OverrideFail:
		return a, nil
	}
	return "", fmt.Errorf("unknown override action %q", s)
}

// OverrideSettings holds one action per thing property. Empty fields mean DO_NOTHING.
type OverrideSettings struct {
	AttributePayload OverrideAction `json:"AttributePayload,omitempty" yaml:"attribute_payload,omitempty"`
	ThingTypeName    OverrideAction `json:"ThingTypeName,omitempty" yaml:"thing_type_name,omitempty"`
	ThingGroups      OverrideAction `json:"ThingGroups,omitempty" yaml:"thing_groups,omitempty"`
}

// OrDefault returns the action, or DO_NOTHING when none was declared.
func (a OverrideAction) OrDefault() OverrideAction {
	if a == "" {
		return OverrideDoNothing
	}
	return a
}

var thingNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,128}$`)

// ValidateThingName checks a thing name against the allowed alphabet.
// Names never contain policy wildcards or topic separators, which keeps
// substituted policy resources inside the device's namespace.
func ValidateThingName(name string) error {
	if name == "" {
		return errors.New("thing name is empty")
	}
	if !thingNameRegexp.MatchString(name) {
		return fmt.Errorf("invalid thing name %q: must match %s", name, thingNameRegexp.String())
	}
	return nil
}
