package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// CheckScoping verifies that every resource an Allow statement of p grants
// lies inside thingName's namespace or is one of the shared names.
//
// A resource is in the namespace when its name equals thingName or starts
// with thingName + "/". Region and account must be literal, and bare
// wildcards such as "*" are rejected. Deny statements only narrow access
// and are not checked.
func CheckScoping(p ConcretePolicy, thingName string, shared []string) error {
	for i, stmt := range p.Statements {
		if stmt.Effect != EffectAllow {
			continue
		}
		for _, resource := range stmt.Resource {
			if err := checkResource(resource, thingName, shared); err != nil {
				return fmt.Errorf("%w: policy %s statement %d: %v", interfaces.ErrScopingViolation, p.ID, i, err)
			}
		}
	}
	return nil
}

func checkResource(resource, thingName string, shared []string) error {
	arn, err := ParseARN(resource)
	if err != nil {
		return err
	}
	if strings.ContainsAny(arn.Region, "*?") || strings.ContainsAny(arn.Account, "*?") {
		return fmt.Errorf("resource %q has a wildcard region or account", resource)
	}
	if strings.ContainsAny(arn.Kind, "*?") {
		return fmt.Errorf("resource %q has a wildcard kind", resource)
	}

	switch {
	case slices.Contains(shared, arn.Name):
		return nil
	case arn.Name == thingName:
		return nil
	case strings.HasPrefix(arn.Name, thingName+"/"):
		return nil
	}
	return fmt.Errorf("resource %q is outside the namespace of %s", resource, thingName)
}
