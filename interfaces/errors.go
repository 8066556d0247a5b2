package interfaces

import "errors"

var (
	// ErrUnauthorized is returned when a claim credential is invalid or revoked,
	// or when a policy denies the attempted action.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrParameter is returned when a template parameter is missing or has the wrong type.
	// It is always raised before any resource is touched.
	ErrParameter = errors.New("invalid provisioning parameter")

	// ErrTemplateEvaluation is returned when a declared template resource fails to resolve.
	ErrTemplateEvaluation = errors.New("template evaluation failed")

	// ErrUnboundVariable is returned when a policy placeholder has no binding.
	ErrUnboundVariable = errors.New("unbound policy variable")

	// ErrUnknownPlaceholder is returned when a policy references a placeholder outside the allow-list.
	ErrUnknownPlaceholder = errors.New("unknown policy placeholder")

	// ErrNotFound is returned by lookups against a nonexistent credential, identity, policy or template.
	ErrNotFound = errors.New("not found")

	// ErrIssuance is returned when the credential issuer exhausts its id-collision retry budget
	// or the underlying PKI primitive fails.
	ErrIssuance = errors.New("credential issuance failed")

	// ErrInvalidState is returned when a registration message arrives out of order.
	ErrInvalidState = errors.New("invalid registration state")

	// ErrCredentialRevoked is returned when activating or using a revoked credential.
	ErrCredentialRevoked = errors.New("credential revoked")

	// ErrAlreadyExists is returned by stores when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned by an identity store when a write races a newer version.
	ErrConflict = errors.New("version conflict")

	// ErrScopingViolation is returned when a concrete device policy grants access
	// outside the device's own namespace and the shared namespaces.
	ErrScopingViolation = errors.New("policy scoping violation")
)
