package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// Registry registers and looks up things.
type Registry struct {
	store  interfaces.IdentityStore
	locker interfaces.Locker
	now    func() time.Time
	log    *slog.Logger
}

func NewRegistry(store interfaces.IdentityStore, locker interfaces.Locker, log *slog.Logger) *Registry {
	if locker == nil {
		locker = NewKeyedLocker()
	}
	return &Registry{
		store:  store,
		locker: locker,
		now:    time.Now,
		log:    log,
	}
}

// Register creates the thing described by spec, or reconciles it with the
// existing thing of the same name using overrides. The certificate binding
// and the policy set always follow the latest registration.
func (r *Registry) Register(ctx context.Context, spec interfaces.ThingSpec, overrides interfaces.OverrideSettings) (interfaces.Identity, error) {
	if err := interfaces.ValidateThingName(spec.Name); err != nil {
		return interfaces.Identity{}, fmt.Errorf("%w: %v", interfaces.ErrParameter, err)
	}

	unlock, err := r.locker.Lock(ctx, spec.Name)
	if err != nil {
		return interfaces.Identity{}, fmt.Errorf("could not lock thing %s: %w", spec.Name, err)
	}
	defer unlock()

	existing, err := r.store.GetIdentity(ctx, spec.Name)
	if errors.Is(err, interfaces.ErrNotFound) {
		return r.create(ctx, spec)
	}
	if err != nil {
		return interfaces.Identity{}, err
	}

	updated, err := reconcile(existing, spec, overrides)
	if err != nil {
		return interfaces.Identity{}, err
	}
	updated.Version = existing.Version + 1
	updated.UpdatedAt = r.now().UTC()

	if err := r.store.PutIdentity(ctx, updated); err != nil {
		return interfaces.Identity{}, err
	}

	r.log.Info("thing updated",
		"thing", updated.Name,
		"version", updated.Version,
		"credential_id", updated.CredentialID)
	return updated.Clone(), nil
}

func (r *Registry) create(ctx context.Context, spec interfaces.ThingSpec) (interfaces.Identity, error) {
	now := r.now().UTC()
	identity := interfaces.Identity{
		Name:         spec.Name,
		Attributes:   maps.Clone(spec.Attributes),
		ThingGroups:  slices.Clone(spec.ThingGroups),
		CredentialID: spec.CredentialID,
		PolicyIDs:    slices.Clone(spec.PolicyIDs),
		Lifecycle:    interfaces.LifecyclePending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if identity.Attributes == nil {
		identity.Attributes = map[string]string{}
	}
	if identity.ThingGroups == nil {
		identity.ThingGroups = []string{}
	}
	if identity.PolicyIDs == nil {
		identity.PolicyIDs = []string{}
	}
	if spec.ThingTypeName != nil {
		identity.ThingTypeName = *spec.ThingTypeName
	}

	if err := r.store.PutIdentity(ctx, identity); err != nil {
		return interfaces.Identity{}, err
	}

	r.log.Info("thing created", "thing", identity.Name, "credential_id", identity.CredentialID)
	return identity.Clone(), nil
}

// reconcile applies the override settings of one registration to an existing thing.
func reconcile(existing interfaces.Identity, spec interfaces.ThingSpec, overrides interfaces.OverrideSettings) (interfaces.Identity, error) {
	for _, action := range []interfaces.OverrideAction{overrides.AttributePayload, overrides.ThingTypeName, overrides.ThingGroups} {
		if action == interfaces.OverrideFail {
			return interfaces.Identity{}, fmt.Errorf("thing %s: %w", existing.Name, interfaces.ErrAlreadyExists)
		}
	}

	out := existing.Clone()

	if spec.Attributes != nil {
		switch overrides.AttributePayload.OrDefault() {
		case interfaces.OverrideMerge:
			if out.Attributes == nil {
				out.Attributes = map[string]string{}
			}
			for k, v := range spec.Attributes {
				if _, found := out.Attributes[k]; !found {
					out.Attributes[k] = v
				}
			}
		case interfaces.OverrideReplace:
			out.Attributes = maps.Clone(spec.Attributes)
		}
	}

	if spec.ThingTypeName != nil {
		switch overrides.ThingTypeName.OrDefault() {
		case interfaces.OverrideMerge:
			if out.ThingTypeName == "" {
				out.ThingTypeName = *spec.ThingTypeName
			}
		case interfaces.OverrideReplace:
			out.ThingTypeName = *spec.ThingTypeName
		}
	}

	if spec.ThingGroups != nil {
		switch overrides.ThingGroups.OrDefault() {
		case interfaces.OverrideMerge:
			for _, g := range spec.ThingGroups {
				if !slices.Contains(out.ThingGroups, g) {
					out.ThingGroups = append(out.ThingGroups, g)
				}
			}
		case interfaces.OverrideReplace:
			out.ThingGroups = slices.Clone(spec.ThingGroups)
		}
	}

	if spec.CredentialID != "" {
		out.CredentialID = spec.CredentialID
	}
	if spec.PolicyIDs != nil {
		out.PolicyIDs = slices.Clone(spec.PolicyIDs)
	}
	return out, nil
}

// Lookup returns the named thing or ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, name string) (interfaces.Identity, error) {
	return r.store.GetIdentity(ctx, name)
}

// MarkRegistered moves a thing from PENDING to REGISTERED. It is a no-op for
// a thing that is already registered.
func (r *Registry) MarkRegistered(ctx context.Context, name string) (interfaces.Identity, error) {
	unlock, err := r.locker.Lock(ctx, name)
	if err != nil {
		return interfaces.Identity{}, fmt.Errorf("could not lock thing %s: %w", name, err)
	}
	defer unlock()

	identity, err := r.store.GetIdentity(ctx, name)
	if err != nil {
		return interfaces.Identity{}, err
	}
	if identity.Lifecycle == interfaces.LifecycleRegistered {
		return identity, nil
	}

	identity.Lifecycle = interfaces.LifecycleRegistered
	identity.Version++
	identity.UpdatedAt = r.now().UTC()
	if err := r.store.PutIdentity(ctx, identity); err != nil {
		return interfaces.Identity{}, err
	}
	return identity.Clone(), nil
}

// List returns every thing ordered by name.
func (r *Registry) List(ctx context.Context) ([]interfaces.Identity, error) {
	identities, err := r.store.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(identities, func(a, b interfaces.Identity) int {
		return strings.Compare(a.Name, b.Name)
	})
	return identities, nil
}

// ByCredential returns the thing bound to a device credential or ErrNotFound.
func (r *Registry) ByCredential(ctx context.Context, credentialID string) (interfaces.Identity, error) {
	return r.store.IdentityByCredential(ctx, credentialID)
}
